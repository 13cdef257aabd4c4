package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/whatsapp-scheduler/internal/config"
	"github.com/wolfman30/whatsapp-scheduler/internal/notify"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// BuildStaffNotifier wires the hand-off e-mail. EMAIL_PROVIDER picks
// sendgrid, ses or stub; a misconfigured provider degrades to the stub.
func BuildStaffNotifier(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.StaffNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	from := notify.Sender{Email: cfg.EmailFrom, Name: cfg.EmailFromName}
	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "sendgrid":
		if sg := notify.NewSendGridSender(cfg.SendGridAPIKey, from, logger); sg != nil {
			sender = sg
		}
	case "ses":
		if awsCfg != nil {
			if ses := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), from, logger); ses != nil {
				sender = ses
			}
		}
	}
	if sender == nil {
		if cfg.EmailProvider != "" && cfg.EmailProvider != "stub" {
			logger.Warn("email provider not usable; falling back to stub", "provider", cfg.EmailProvider)
		}
		sender = notify.NewStubEmailSender(logger)
	}
	return notify.NewStaffNotifier(sender, cfg.StaffNotifyEmail, cfg.ClinicName, cfg.ClinicLocation(), logger)
}
