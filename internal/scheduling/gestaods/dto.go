package gestaods

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

// flexID accepts ids encoded as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("gestaods: invalid id %s: %w", string(data), err)
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

type patientDTO struct {
	ID       flexID `json:"id"`
	Name     string `json:"nome"`
	CPF      string `json:"cpf"`
	Phone    string `json:"telefone"`
	Cellular string `json:"celular"`
}

func (p patientDTO) toPatient() scheduling.Patient {
	phone := p.Cellular
	if phone == "" {
		phone = p.Phone
	}
	return scheduling.Patient{
		ID:    p.ID.String(),
		Name:  strings.TrimSpace(p.Name),
		CPF:   digitsOnly(p.CPF),
		Phone: phone,
	}
}

type slotDTO struct {
	ID           flexID `json:"id"`
	StartsAt     string `json:"data_hora"`
	Available    *bool  `json:"disponivel"`
	Type         string `json:"tipo"`
	Professional string `json:"profissional"`
}

type appointmentDTO struct {
	ID           flexID `json:"id"`
	StartsAt     string `json:"data_hora"`
	Type         string `json:"tipo"`
	Status       string `json:"status"`
	Professional string `json:"profissional"`
}

func (a appointmentDTO) toAppointment(loc *time.Location) scheduling.Appointment {
	start, _ := parseProviderTime(a.StartsAt, loc)
	return scheduling.Appointment{
		ID:           a.ID.String(),
		StartsAt:     start,
		Professional: a.Professional,
		Type:         a.Type,
		Status:       strings.ToLower(strings.TrimSpace(a.Status)),
	}
}

var providerTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseProviderTime accepts the timestamp shapes GestãoDS emits. Values
// without an offset are interpreted in the clinic location.
func parseProviderTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("gestaods: empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	for i, layout := range providerTimeLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, value)
		} else {
			t, err = time.ParseInLocation(layout, value, loc)
		}
		if err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("gestaods: unrecognized timestamp %q", value)
}
