package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type call struct {
	method string
	id     string
	msg    messaging.Outbound
	data   map[string]any
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeDispatcher) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeDispatcher) SendToSubject(msg messaging.Outbound, subjectID string) int {
	f.record(call{method: "subject", id: subjectID, msg: msg})
	return 2
}

func (f *fakeDispatcher) BroadcastToRoom(_ context.Context, roomID string, msg messaging.Outbound) (int, int) {
	f.record(call{method: "room", id: roomID, msg: msg})
	return 3, 0
}

func (f *fakeDispatcher) Broadcast(msg messaging.Outbound) int {
	f.record(call{method: "all", msg: msg})
	return 10
}

func (f *fakeDispatcher) TriggerEvent(_ context.Context, eventType string, data map[string]any) int {
	f.record(call{method: "event", id: eventType, data: data})
	return 1
}

func newTestConsumer(d Dispatcher, maxRate float64, burst int) *Consumer {
	return newConsumer(ConsumerConfig{
		Topics:     []string{"realtime.events"},
		Dispatcher: d,
		MaxRate:    maxRate,
		Burst:      burst,
	}, zerolog.Nop())
}

func TestHandleRecord_Targets(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConsumer(d, 0, 0)

	records := []*kgo.Record{
		{Value: []byte(`{"target":"subject","id":"dr-lee","message":{"type":"appointment_updated","appointment_id":"apt-1"}}`)},
		{Key: []byte("operatory-3"), Value: []byte(`{"target":"room","message":{"type":"chair_ready"}}`)},
		{Value: []byte(`{"target":"all","message":{"type":"system_notice","text":"maintenance at 22:00"}}`)},
		{Value: []byte(`{"target":"event","message":{"type":"cache_invalidate","entity":"patients"}}`)},
	}
	for _, r := range records {
		c.handleRecord(r)
	}

	require.Len(t, d.calls, 4)

	assert.Equal(t, "subject", d.calls[0].method)
	assert.Equal(t, "dr-lee", d.calls[0].id)
	ev := d.calls[0].msg.(messaging.Event)
	assert.Equal(t, messaging.Type("appointment_updated"), ev.Type)
	assert.Equal(t, "apt-1", ev.Data["appointment_id"])

	assert.Equal(t, "room", d.calls[1].method)
	assert.Equal(t, "operatory-3", d.calls[1].id, "record key is the fallback id")

	assert.Equal(t, "all", d.calls[2].method)

	assert.Equal(t, "event", d.calls[3].method)
	assert.Equal(t, "cache_invalidate", d.calls[3].id)
	assert.Equal(t, "patients", d.calls[3].data["entity"])

	processed, failed, dropped := c.Stats()
	assert.EqualValues(t, 4, processed)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestHandleRecord_BadRecordsAreCounted(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConsumer(d, 0, 0)

	for _, v := range []string{
		`not json`,
		`{"target":"room","message":{"type":"x"}}`,
		`{"target":"subject","id":"u","message":{"no_type":true}}`,
		`{"target":"carrier-pigeon","id":"u","message":{"type":"x"}}`,
		`{"target":"all"}`,
	} {
		c.handleRecord(&kgo.Record{Topic: "realtime.events", Value: []byte(v)})
	}

	assert.Empty(t, d.calls)
	_, failed, _ := c.Stats()
	assert.EqualValues(t, 5, failed)
}

func TestHandleRecord_RateLimitDrops(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConsumer(d, 0.001, 2)

	for i := 0; i < 5; i++ {
		c.handleRecord(&kgo.Record{Value: []byte(`{"target":"all","message":{"type":"tick"}}`)})
	}

	processed, _, dropped := c.Stats()
	assert.EqualValues(t, 2, processed)
	assert.EqualValues(t, 3, dropped)
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{})
	assert.Error(t, err)

	_, err = NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g", Topics: []string{"t"}})
	assert.ErrorContains(t, err, "dispatcher")
}
