// Package gestaods implements scheduling.Gateway against the GestãoDS REST API.
package gestaods

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultBackoff     = 500 * time.Millisecond
	defaultUserAgent   = "whatsapp-scheduler/1.0"
	defaultDateWindow  = 21
	maxErrorBodyLength = 300
)

var tracer = otel.Tracer("whatsapp-scheduler.internal.scheduling.gestaods")

// CallObserver receives one observation per logical provider operation.
type CallObserver interface {
	ObserveProviderCall(op, outcome string, d time.Duration)
}

// Config controls the GestãoDS client.
type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	AppointmentType string
	Location        *time.Location
	HTTPClient      *http.Client
	Logger          *logging.Logger
	Observer        CallObserver
	// Now overrides the clock used to drop slots already in the past.
	Now func() time.Time
}

// Client talks to GestãoDS with bounded retries and a per-operation timeout.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	apptType   string
	loc        *time.Location
	httpClient *http.Client
	logger     *logging.Logger
	observer   CallObserver
	now        func() time.Time
}

var _ scheduling.Gateway = (*Client)(nil)

// New creates a configured Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gestaods: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("gestaods: token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	apptType := strings.TrimSpace(cfg.AppointmentType)
	if apptType == "" {
		apptType = "consulta"
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    backoff,
		apptType:   apptType,
		loc:        loc,
		httpClient: httpClient,
		logger:     logger,
		observer:   cfg.Observer,
		now:        now,
	}, nil
}

func (c *Client) LookupPatient(ctx context.Context, cpf string) (*scheduling.Patient, error) {
	q := url.Values{}
	q.Set("cpf", digitsOnly(cpf))
	var patients []patientDTO
	err := c.call(ctx, request{op: "lookup_patient", method: http.MethodGet, path: "/api/pacientes", query: q, expect: []int{http.StatusNotFound}}, &patients)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, scheduling.ErrPatientNotFound
		}
		return nil, err
	}
	if len(patients) == 0 {
		return nil, scheduling.ErrPatientNotFound
	}
	p := patients[0].toPatient()
	return &p, nil
}

func (c *Client) RegisterPatient(ctx context.Context, np scheduling.NewPatient) (*scheduling.Patient, error) {
	body := map[string]string{
		"nome":     strings.TrimSpace(np.Name),
		"cpf":      digitsOnly(np.CPF),
		"telefone": np.Phone,
		"origem":   "whatsapp_bot",
	}
	var created patientDTO
	if err := c.call(ctx, request{op: "register_patient", method: http.MethodPost, path: "/api/pacientes/", body: body}, &created); err != nil {
		return nil, err
	}
	p := created.toPatient()
	if p.CPF == "" {
		p.CPF = digitsOnly(np.CPF)
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(np.Name)
	}
	return &p, nil
}

// ListAvailableDates scans a window of provider slots and returns the
// distinct dates that still have at least one free time.
func (c *Client) ListAvailableDates(ctx context.Context, q scheduling.DateQuery) ([]scheduling.SlotCandidate, error) {
	from := q.From
	if from.IsZero() {
		from = c.now()
	}
	from = from.In(c.loc)
	limit := q.Limit
	if limit <= 0 {
		limit = 7
	}
	slots, err := c.listSlots(ctx, "list_dates", from, from.AddDate(0, 0, defaultDateWindow), from)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []scheduling.SlotCandidate
	for _, s := range slots {
		if seen[s.Date] {
			continue
		}
		seen[s.Date] = true
		out = append(out, scheduling.SlotCandidate{Date: s.Date})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *Client) ListAvailableTimes(ctx context.Context, date string) ([]scheduling.TimeCandidate, error) {
	day, err := time.ParseInLocation(scheduling.DateLayout, date, c.loc)
	if err != nil {
		return nil, fmt.Errorf("gestaods: invalid date %q: %w", date, err)
	}
	// Times earlier today are no longer bookable.
	notBefore := day
	if now := c.now().In(c.loc); now.After(notBefore) {
		notBefore = now
	}
	slots, err := c.listSlots(ctx, "list_times", day, day, notBefore)
	if err != nil {
		return nil, err
	}
	out := slots[:0]
	for _, s := range slots {
		if s.Date == date {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) CreateBooking(ctx context.Context, req scheduling.BookingRequest) (*scheduling.BookingConfirmation, error) {
	start, err := scheduling.SlotStart(req.Slot, c.loc)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"paciente_id": req.Patient.ID,
		"data_hora":   start.Format(time.RFC3339),
		"tipo":        c.apptType,
		"status":      "agendado",
		"observacoes": req.Notes,
		"origem":      "whatsapp_bot",
	}
	if req.Slot.SlotID != "" {
		body["horario_id"] = req.Slot.SlotID
	}
	headers := http.Header{}
	if req.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var created appointmentDTO
	r := request{op: "create_booking", method: http.MethodPost, path: "/api/agendamentos/", body: body, headers: headers, expect: []int{http.StatusConflict}}
	if err := c.call(ctx, r, &created); err != nil {
		if isStatus(err, http.StatusConflict) {
			return nil, scheduling.ErrSlotConflict
		}
		return nil, err
	}
	appt := created.toAppointment(c.loc)
	if appt.StartsAt.IsZero() {
		appt.StartsAt = start
	}
	if appt.Professional == "" {
		appt.Professional = req.Slot.Professional
	}
	return &scheduling.BookingConfirmation{ID: appt.ID, StartsAt: appt.StartsAt, Professional: appt.Professional}, nil
}

func (c *Client) ListAppointments(ctx context.Context, patientID string) ([]scheduling.Appointment, error) {
	var items []appointmentDTO
	path := fmt.Sprintf("/api/paciente/%s/agendamentos/", url.PathEscape(patientID))
	if err := c.call(ctx, request{op: "list_appointments", method: http.MethodGet, path: path, expect: []int{http.StatusNotFound}}, &items); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]scheduling.Appointment, 0, len(items))
	for _, item := range items {
		out = append(out, item.toAppointment(c.loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (c *Client) CancelAppointment(ctx context.Context, appointmentID, reason string) error {
	body := map[string]string{
		"status":              "cancelado",
		"motivo_cancelamento": reason,
		"cancelado_por":       "paciente_whatsapp",
	}
	path := fmt.Sprintf("/api/agendamento/%s/", url.PathEscape(appointmentID))
	if err := c.call(ctx, request{op: "cancel_appointment", method: http.MethodPatch, path: path, body: body, expect: []int{http.StatusNotFound}}, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return scheduling.ErrAppointmentNotFound
		}
		return err
	}
	return nil
}

// listSlots queries the provider for the days from..to and drops slots
// starting before notBefore.
func (c *Client) listSlots(ctx context.Context, op string, from, to, notBefore time.Time) ([]scheduling.TimeCandidate, error) {
	q := url.Values{}
	q.Set("data_inicio", from.Format(scheduling.DateLayout))
	q.Set("data_fim", to.Format(scheduling.DateLayout))
	q.Set("tipo", c.apptType)
	q.Set("disponivel", "true")
	var items []slotDTO
	if err := c.call(ctx, request{op: op, method: http.MethodGet, path: "/api/agenda/horarios/", query: q}, &items); err != nil {
		return nil, err
	}
	out := make([]scheduling.TimeCandidate, 0, len(items))
	for _, item := range items {
		if item.Available != nil && !*item.Available {
			continue
		}
		start, err := parseProviderTime(item.StartsAt, c.loc)
		if err != nil {
			c.logger.Warn("gestaods: skipping slot with invalid time", "slot_id", item.ID.String(), "data_hora", item.StartsAt)
			continue
		}
		if start.Before(notBefore) {
			continue
		}
		out = append(out, scheduling.TimeCandidate{
			SlotID:       item.ID.String(),
			Date:         start.Format(scheduling.DateLayout),
			Time:         start.Format("15:04"),
			Professional: item.Professional,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	return out, nil
}

type request struct {
	op      string
	method  string
	path    string
	query   url.Values
	body    any
	headers http.Header
	// expect lists statuses the caller maps to domain errors itself.
	expect []int
}

// call runs one logical operation. The whole operation is bounded by the
// client timeout and anything left after retries becomes a
// scheduling.ProviderUnavailableError.
func (c *Client) call(ctx context.Context, r request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "gestaods."+r.op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", r.method), attribute.String("gestaods.path", r.path))

	started := time.Now()
	attempts, err := c.invoke(ctx, r, out)
	outcome := "ok"
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && slices.Contains(r.expect, apiErr.StatusCode) {
			outcome = "rejected"
		} else {
			outcome = "unavailable"
			status := 0
			if errors.As(err, &apiErr) {
				status = apiErr.StatusCode
			}
			err = &scheduling.ProviderUnavailableError{Op: r.op, StatusCode: status, Attempts: attempts, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if c.observer != nil {
		c.observer.ObserveProviderCall(r.op, outcome, time.Since(started))
	}
	return err
}

func (c *Client) invoke(ctx context.Context, r request, out any) (int, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(r.path, "/")
	if len(r.query) > 0 {
		fullURL += "?" + r.query.Encode()
	}
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return 0, fmt.Errorf("gestaods: marshal body: %w", err)
		}
	}

	var lastErr error
	attempt := 0
	for ; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, r.method, fullURL, bodyReader)
		if err != nil {
			return attempt + 1, fmt.Errorf("gestaods: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", defaultUserAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range r.headers {
			req.Header[k] = v
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("gestaods: http error: %w", err)
			if ctx.Err() != nil || !shouldRetry(0, err) || attempt == c.maxRetries {
				return attempt + 1, lastErr
			}
			c.logRetry(r.path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return attempt + 1, lastErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("gestaods: read response: %w", readErr)
			if attempt == c.maxRetries {
				return attempt + 1, lastErr
			}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(bytes.TrimSpace(data)) == 0 {
				return attempt + 1, nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return attempt + 1, fmt.Errorf("gestaods: decode response: %w", err)
			}
			return attempt + 1, nil
		}
		apiErr := &apiError{StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBodyLength)}
		lastErr = apiErr
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			c.logRetry(r.path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return attempt + 1, lastErr
			}
			continue
		}
		return attempt + 1, apiErr
	}
	return attempt, lastErr
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("gestaods retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500 && status <= 599:
		return true
	}
	return false
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gestaods: status %d", e.StatusCode)
	}
	return fmt.Sprintf("gestaods: status %d: %s", e.StatusCode, e.Body)
}

func isStatus(err error, status int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
