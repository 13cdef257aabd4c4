package reminders

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
)

func reminderText(a *bookings.Appointment, clinic string, loc *time.Location) string {
	at := a.StartsAt.In(loc)
	var b strings.Builder
	b.WriteString("📅 *Lembrete de Consulta*\n\n")
	fmt.Fprintf(&b, "Olá, %s!\n\n", firstNameOr(a.PatientName, "tudo bem"))
	b.WriteString("Este é um lembrete da sua consulta amanhã:\n\n")
	fmt.Fprintf(&b, "📆 Data: %s\n", at.Format("02/01/2006"))
	fmt.Fprintf(&b, "⏰ Horário: %s\n", at.Format("15:04"))
	if a.Professional != "" {
		fmt.Fprintf(&b, "👩‍⚕️ Profissional: %s\n", a.Professional)
	}
	if clinic != "" {
		fmt.Fprintf(&b, "📍 Local: %s\n", clinic)
	}
	b.WriteString("\nSe precisar cancelar ou reagendar, responda *menu*.")
	return b.String()
}

func slotOfferText(name string, startsAt time.Time, loc *time.Location) string {
	at := startsAt.In(loc)
	var b strings.Builder
	b.WriteString("🎉 *Vaga Disponível!*\n\n")
	fmt.Fprintf(&b, "Olá, %s!\n\n", firstNameOr(name, "tudo bem"))
	b.WriteString("Surgiu uma vaga para consulta:\n\n")
	fmt.Fprintf(&b, "📆 Data: %s\n", at.Format("02/01/2006"))
	fmt.Fprintf(&b, "⏰ Horário: %s\n\n", at.Format("15:04"))
	b.WriteString("Para agendar, responda *menu* e escolha a opção 1.\n")
	b.WriteString("⚡ Responda rápido! Esta vaga pode ser preenchida por outra pessoa.")
	return b.String()
}

func firstNameOr(name, fallback string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return fallback
	}
	return fields[0]
}
