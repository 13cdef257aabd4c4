package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

// ClinicInfo is shown to patients in greetings and hand-off messages.
type ClinicInfo struct {
	Name     string
	Phone    string
	Email    string
	Hours    string
	Location *time.Location
}

var weekdayNames = [...]string{"Domingo", "Segunda-feira", "Terça-feira", "Quarta-feira", "Quinta-feira", "Sexta-feira", "Sábado"}

const (
	textInvalidOption  = "Opção inválida! 😅\n\nPor favor, digite um número de *1 a 5*."
	textNotUnderstood  = "Desculpe, não entendi. 🤔\n\nDigite *menu* para voltar ao menu principal ou *ajuda* para ver as opções."
	textAskCPF         = "Digite seu *CPF* (apenas números):"
	textInvalidCPF     = "❌ CPF inválido!\n\nPor favor, digite um CPF válido (apenas números):"
	textAskName        = "❌ CPF não encontrado em nosso sistema.\n\nSe você é um novo paciente, digite seu *nome completo* para fazermos seu cadastro.\nOu digite outro CPF para tentar novamente."
	textInvalidName    = "Por favor, digite seu *nome completo* (nome e sobrenome):"
	textChooseNumber   = "❌ Por favor, digite apenas o número da opção desejada."
	textInvalidChoice  = "❌ Opção inválida!\n\nPor favor, escolha um número válido."
	textNoDates        = "😔 No momento não há datas disponíveis para agendamento.\n\nTente novamente mais tarde ou fale com nossa equipe."
	textNoMoreDates    = "😔 Não há outras datas disponíveis além das listadas."
	textNoTimes        = "😔 Não há horários disponíveis para esta data.\n\nPor favor, escolha outra data:"
	textSlotTaken      = "⚠️ Esse horário acabou de ser ocupado.\n\nVeja os horários ainda disponíveis:"
	textBookingDropped = "❌ Agendamento cancelado.\n\nSe desejar, podemos tentar outro horário."
	textCancelDropped  = "Tudo certo, sua consulta foi mantida. 👍"
	textNoAppointments = "📅 Você não possui agendamentos futuros."
	textCancelled      = "✅ Consulta cancelada com sucesso.\n\nSe quiser remarcar, é só digitar *menu*."
	textOperationReset = "Operação cancelada. ✅"
	textGoodbye        = "Até logo! 👋\n\nQuando precisar, é só mandar uma mensagem."
	textWelcomeBack    = "Que bom falar com você de novo! 😊"

	noticeProviderUnavailable = "⚠️ O sistema de agendamento está indisponível no momento.\n\nPor favor, tente novamente em alguns minutos ou digite *menu*."
	noticeTemporaryProblem    = "⚠️ Tivemos um problema temporário.\n\nPor favor, tente novamente ou digite *menu*."
)

func (c ClinicInfo) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func greetingFor(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "Bom dia!"
	case h < 18:
		return "Boa tarde!"
	default:
		return "Boa noite!"
	}
}

func menuText() string {
	return "*Como posso ajudar?*\n\n" +
		"*1* - 📅 Agendar consulta\n" +
		"*2* - 📋 Ver meus agendamentos\n" +
		"*3* - ❌ Cancelar consulta\n" +
		"*4* - 📝 Lista de espera\n" +
		"*5* - 👩‍⚕️ Falar com atendente\n" +
		"*0* - 👋 Sair\n\n" +
		"Digite o número da opção desejada."
}

func (c ClinicInfo) welcomeText(now time.Time) string {
	return fmt.Sprintf("%s Bem-vindo(a) à *%s*! 🏥\n\nSou seu assistente virtual e estou aqui para ajudar com seus agendamentos.\n\n%s",
		greetingFor(now.In(c.loc())), c.Name, menuText())
}

func helpText() string {
	return "ℹ️ *Ajuda*\n\n" +
		"Você pode digitar a qualquer momento:\n" +
		"*menu* - voltar ao menu principal\n" +
		"*cancelar* - cancelar a operação atual\n" +
		"*sair* - encerrar o atendimento\n\n" + menuText()
}

func (c ClinicInfo) staffText() string {
	var b strings.Builder
	b.WriteString("Vou transferir você para um atendente! 👩‍⚕️\n\nEm breve alguém da nossa equipe entrará em contato.")
	if c.Phone != "" {
		b.WriteString("\n\n📞 " + c.Phone)
	}
	if c.Email != "" {
		b.WriteString("\n📧 " + c.Email)
	}
	if c.Hours != "" {
		b.WriteString("\n\nHorário de atendimento:\n" + c.Hours)
	}
	return b.String()
}

func promptForAction(a Action) string {
	switch a {
	case ActionBook:
		return "Vamos agendar sua consulta! 📅\n\nPor favor, digite seu *CPF* (apenas números):"
	case ActionView:
		return "Para ver seus agendamentos, preciso do seu *CPF*.\n\n" + textAskCPF
	case ActionCancel:
		return "Para cancelar uma consulta, preciso do seu *CPF*.\n\n" + textAskCPF
	default:
		return "Vou adicionar você na lista de espera! 📝\n\n" + textAskCPF
	}
}

func confirmPatientText(p *scheduling.Patient) string {
	return fmt.Sprintf("Encontrei seu cadastro! 😊\n\n👤 Nome: *%s*\n🪪 CPF: *%s*\n\nOs dados estão corretos?\n\n*1* - ✅ Sim\n*2* - ❌ Não, digitar outro CPF\n*0* - Voltar ao menu",
		p.Name, FormatCPF(p.CPF))
}

func registeredPatientText(p *scheduling.Patient) string {
	return fmt.Sprintf("Cadastro realizado! ✅\n\n👤 Nome: *%s*\n🪪 CPF: *%s*\n\nOs dados estão corretos?\n\n*1* - ✅ Sim\n*2* - ❌ Não, digitar outro CPF\n*0* - Voltar ao menu",
		p.Name, FormatCPF(p.CPF))
}

func (c ClinicInfo) dateLabel(date string) string {
	t, err := time.ParseInLocation(scheduling.DateLayout, date, c.loc())
	if err != nil {
		return date
	}
	return fmt.Sprintf("%s, %s", weekdayNames[t.Weekday()], t.Format("02/01"))
}

func (c ClinicInfo) datesText(name string, dates []scheduling.SlotCandidate) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "Olá, *%s*! 😊\n\n", firstName(name))
	}
	b.WriteString("📅 *Escolha uma data:*\n")
	for i, d := range dates {
		fmt.Fprintf(&b, "\n*%d* - %s", i+1, c.dateLabel(d.Date))
	}
	b.WriteString("\n*0* - Ver outras datas")
	b.WriteString("\n\nDigite o número da data desejada:")
	return b.String()
}

func (c ClinicInfo) timesText(date string, times []scheduling.TimeCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ *Horários disponíveis para %s:*\n", c.dateLabel(date))
	for i, t := range times {
		fmt.Fprintf(&b, "\n*%d* - %s", i+1, t.Time)
		if t.Professional != "" {
			fmt.Fprintf(&b, " (%s)", t.Professional)
		}
	}
	b.WriteString("\n*0* - Escolher outra data")
	b.WriteString("\n\nDigite o número do horário desejado:")
	return b.String()
}

func (c ClinicInfo) bookingSummaryText(p *scheduling.Patient, slot scheduling.TimeCandidate) string {
	professional := slot.Professional
	if professional == "" {
		professional = "a definir"
	}
	return fmt.Sprintf("✅ *Confirmar agendamento:*\n\n👤 Paciente: *%s*\n📅 Data: *%s*\n⏰ Horário: *%s*\n👩‍⚕️ Profissional: *%s*\n\n*Confirma o agendamento?*\n\n*1* - ✅ Sim, confirmar\n*2* - ❌ Não, cancelar",
		patientName(p), c.dateLabel(slot.Date), slot.Time, professional)
}

func (c ClinicInfo) bookingConfirmedText(p *scheduling.Patient, conf *scheduling.BookingConfirmation, slot scheduling.TimeCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 *Consulta agendada com sucesso!*\n\n👤 %s\n📅 %s\n⏰ %s", patientName(p), c.dateLabel(slot.Date), slot.Time)
	professional := conf.Professional
	if professional == "" {
		professional = slot.Professional
	}
	if professional != "" {
		b.WriteString("\n👩‍⚕️ " + professional)
	}
	if c.Name != "" {
		b.WriteString("\n🏥 " + c.Name)
	}
	b.WriteString("\n\nChegue com 15 minutos de antecedência. Até lá! 😊")
	return b.String()
}

func (c ClinicInfo) appointmentLine(a scheduling.Appointment) string {
	local := a.StartsAt.In(c.loc())
	line := fmt.Sprintf("%s às %s", c.dateLabel(local.Format(scheduling.DateLayout)), local.Format("15:04"))
	if a.Professional != "" {
		line += " - " + a.Professional
	}
	return line
}

func (c ClinicInfo) appointmentsText(appts []scheduling.Appointment) string {
	var b strings.Builder
	b.WriteString("📋 *Seus agendamentos:*\n")
	for _, a := range appts {
		b.WriteString("\n• " + c.appointmentLine(a))
	}
	b.WriteString("\n\nDigite *menu* para voltar ao menu principal.")
	return b.String()
}

func (c ClinicInfo) cancellationChoiceText(appts []scheduling.Appointment) string {
	var b strings.Builder
	b.WriteString("❌ *Qual consulta você deseja cancelar?*\n")
	for i, a := range appts {
		fmt.Fprintf(&b, "\n*%d* - %s", i+1, c.appointmentLine(a))
	}
	b.WriteString("\n*0* - Voltar ao menu")
	b.WriteString("\n\nDigite o número da consulta:")
	return b.String()
}

func (c ClinicInfo) cancellationConfirmText(a scheduling.Appointment) string {
	return fmt.Sprintf("Confirma o cancelamento da consulta de *%s*?\n\n*1* - ✅ Sim, cancelar\n*2* - ❌ Não, manter", c.appointmentLine(a))
}

func waitlistText(p *scheduling.Patient) string {
	return fmt.Sprintf("📝 Pronto, *%s*! Você está na nossa lista de espera.\n\nAvisaremos por aqui assim que surgir um horário disponível.", firstName(patientName(p)))
}

func patientName(p *scheduling.Patient) string {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return "Paciente"
	}
	return strings.TrimSpace(p.Name)
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return name
	}
	return fields[0]
}
