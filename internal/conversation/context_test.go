package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
)

func TestContextJSONUsesFlowVariant(t *testing.T) {
	slot := scheduling.TimeCandidate{SlotID: "s1", Date: firstDate, Time: "08:00"}
	c := NewFlowContext(ActionBook, ExpectBookingConfirmation)
	c.Patient = &scheduling.Patient{ID: knownID, Name: knownName, CPF: knownCPF}
	c.Flow = &BookingFlow{Date: firstDate, Slot: &slot}

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded Context
	require.NoError(t, json.Unmarshal(raw, &decoded))
	flow, ok := decoded.Booking()
	require.True(t, ok)
	assert.Equal(t, firstDate, flow.Date)
	require.NotNil(t, flow.Slot)
	assert.Equal(t, "08:00", flow.Slot.Time)
	assert.Equal(t, knownName, decoded.Patient.Name)

	_, isCancel := decoded.Cancellation()
	assert.False(t, isCancel)
}

func TestContextRejectsMismatchedFlow(t *testing.T) {
	c := Context{Action: ActionCancel, Flow: &BookingFlow{}}
	_, err := json.Marshal(c)
	assert.Error(t, err)
}

func TestEmptyContextRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Context{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	var decoded Context
	require.NoError(t, json.Unmarshal([]byte(`{}`), &decoded))
	assert.True(t, decoded.IsEmpty())
}

func TestUnknownActionLeavesFlowNil(t *testing.T) {
	var decoded Context
	require.NoError(t, json.Unmarshal([]byte(`{"acao":"remarcar","fluxo":{"x":1}}`), &decoded))
	assert.Nil(t, decoded.Flow)
	assert.Equal(t, Action("remarcar"), decoded.Action)
}

func TestCloneIsDeep(t *testing.T) {
	c := NewFlowContext(ActionBook, ExpectDate)
	c.Flow = &BookingFlow{Dates: []scheduling.SlotCandidate{{Date: firstDate}}}

	cp := c.Clone()
	flow, _ := cp.Booking()
	flow.Dates[0].Date = "2099-01-01"

	orig, _ := c.Booking()
	assert.Equal(t, firstDate, orig.Dates[0].Date)
}
