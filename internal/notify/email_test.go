package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

type fakeSendGrid struct {
	status int
	body   string
	err    error
	sent   []*mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status, Body: f.body}, nil
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

var staff = []string{"recepcao@clinica.com.br", "gerencia@clinica.com.br"}

func TestParseRecipients(t *testing.T) {
	assert.Equal(t, staff, ParseRecipients(" recepcao@clinica.com.br ;gerencia@clinica.com.br,, Recepcao@clinica.com.br"))
	assert.Empty(t, ParseRecipients("  , ;"))
}

func TestNewSendGridSenderNeedsAPIKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender(" ", Sender{Email: "bot@clinica.com.br"}, nil))

	sender := NewSendGridSender("sg-key", Sender{Email: "bot@clinica.com.br"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, defaultFromName, sender.from.Name)
}

func TestSendGridSenderBuildsPersonalization(t *testing.T) {
	fake := &fakeSendGrid{status: 202}
	sender := newSendGridSender(fake, Sender{Email: "bot@clinica.com.br", Name: "Clínica"}, logging.Discard())

	err := sender.Send(context.Background(), EmailMessage{To: staff, ReplyTo: "paciente@ex.com", Subject: "Oi", Text: "texto"})
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)

	m := fake.sent[0]
	assert.Equal(t, "Oi", m.Subject)
	assert.Equal(t, "bot@clinica.com.br", m.From.Address)
	require.Len(t, m.Personalizations, 1)
	require.Len(t, m.Personalizations[0].To, 2)
	assert.Equal(t, "gerencia@clinica.com.br", m.Personalizations[0].To[1].Address)
	assert.Equal(t, "paciente@ex.com", m.ReplyTo.Address)
	require.Len(t, m.Content, 1)
	assert.Equal(t, "text/plain", m.Content[0].Type)
	assert.Equal(t, []string{handoffCategory}, m.Categories)
}

func TestSendGridSenderErrors(t *testing.T) {
	rejected := newSendGridSender(&fakeSendGrid{status: 401, body: "unauthorized"}, Sender{}, logging.Discard())
	assert.ErrorContains(t, rejected.Send(context.Background(), EmailMessage{To: staff}), "status 401")

	broken := newSendGridSender(&fakeSendGrid{err: errors.New("dial tcp")}, Sender{}, logging.Discard())
	assert.ErrorContains(t, broken.Send(context.Background(), EmailMessage{To: staff}), "dial tcp")

	ok := newSendGridSender(&fakeSendGrid{status: 202}, Sender{}, logging.Discard())
	assert.ErrorIs(t, ok.Send(context.Background(), EmailMessage{}), errNoRecipients)

	assert.Error(t, (&SendGridSender{}).Send(context.Background(), EmailMessage{To: staff}))
}

func TestSESSenderSend(t *testing.T) {
	fake := &fakeSES{}
	sender := newSESSender(fake, Sender{Email: "bot@clinica.com.br"}, logging.Discard())

	err := sender.Send(context.Background(), EmailMessage{To: staff, Subject: "Assunto", Text: "corpo"})
	require.NoError(t, err)

	in := fake.input
	assert.Equal(t, defaultFromName+" <bot@clinica.com.br>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, staff, in.Destination.ToAddresses)
	assert.Nil(t, in.Content.Simple.Body.Html)
	assert.Equal(t, "corpo", aws.ToString(in.Content.Simple.Body.Text.Data))
	assert.Empty(t, in.ReplyToAddresses)
	require.Len(t, in.EmailTags, 1)
	assert.Equal(t, handoffCategory, aws.ToString(in.EmailTags[0].Value))
}

func TestSESSenderErrors(t *testing.T) {
	sender := newSESSender(&fakeSES{err: errors.New("throttled")}, Sender{}, logging.Discard())
	assert.ErrorContains(t, sender.Send(context.Background(), EmailMessage{To: staff}), "throttled")
	assert.ErrorIs(t, sender.Send(context.Background(), EmailMessage{}), errNoRecipients)
	assert.Nil(t, NewSESSender(nil, Sender{}, nil))
}

func TestStubEmailSender(t *testing.T) {
	stub := NewStubEmailSender(logging.Discard())
	assert.NoError(t, stub.Send(context.Background(), EmailMessage{To: staff}))
	assert.ErrorIs(t, stub.Send(context.Background(), EmailMessage{}), errNoRecipients)
}
