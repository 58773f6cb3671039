package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("x", 3600))
	ev, err := New(TypePostureComputed, "t1", "a1", map[string]string{"posture": "OK"}, at)
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, time.UTC, ev.At.Location())
	assert.JSONEq(t, `{"posture":"OK"}`, string(ev.Payload))

	bare, err := New(TypeSignalExpired, "t1", "a1", nil, at)
	require.NoError(t, err)
	assert.Nil(t, bare.Payload)
	assert.NotEqual(t, ev.ID, bare.ID)

	_, err = New(TypeSignalCreated, "t1", "a1", func() {}, at)
	assert.Error(t, err)
}

func TestMulti_AttemptsAllAndJoinsErrors(t *testing.T) {
	t.Parallel()

	errA := errors.New("a down")
	errB := errors.New("b down")
	rec := &Recorder{}
	m := Multi{
		PublisherFunc(func(context.Context, Event) error { return errA }),
		nil,
		rec,
		PublisherFunc(func(context.Context, Event) error { return errB }),
	}

	err := m.Publish(context.Background(), Event{Type: TypeSignalCreated})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, rec.Events(), 1, "publishers after a failure still receive the event")

	assert.NoError(t, Multi{rec, Nop}.Publish(context.Background(), Event{}))
}

func TestRecorder_FilterAndReset(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	ctx := context.Background()
	for _, typ := range []Type{TypeSignalCreated, TypeSignalCreated, TypePostureComputed} {
		require.NoError(t, rec.Publish(ctx, Event{Type: typ}))
	}
	assert.Len(t, rec.Events(), 3)
	assert.Len(t, rec.Events(TypeSignalCreated), 2)
	assert.Len(t, rec.Events(TypePostureComputed, TypeSignalExpired), 1)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestEvent_JSONShape(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Event{ID: "e1", Type: TypeSignalCreated, TenantID: "t", AccountID: "a"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "signal.created", m["type"])
	assert.NotContains(t, m, "signal_id")
	assert.NotContains(t, m, "payload")
}
