package events_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// TestNewEvent проверяет заполнение служебных полей
func TestNewEvent(t *testing.T) {
	e := events.New(events.ScopeCall, events.CallStateChanged, map[string]any{"state": "dialing"})
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "call.state_changed", e.String())
	assert.Equal(t, "dialing", e.Str("state"))
	assert.Empty(t, e.Str("missing"))
}

// TestBusFanOut проверяет рассылку всем подписчикам
func TestBusFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	bus := events.NewBus(a, nil)
	bus.Subscribe(b)

	bus.Publish(events.New(events.ScopePhone, events.PhoneStarted, nil))
	bus.Publish(events.New(events.ScopePhone, events.PhoneStopped, nil))

	assert.Equal(t, 2, a.len())
	assert.Equal(t, 2, b.len())
}

// TestAsyncDropsWhenFull проверяет, что издатель не блокируется на полной очереди
func TestAsyncDropsWhenFull(t *testing.T) {
	rec := &recorder{}
	async := events.NewAsync(rec, 2)

	for i := 0; i < 5; i++ {
		async.Publish(events.New(events.ScopeCall, events.CallStateChanged, nil))
	}
	assert.Equal(t, uint64(3), async.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go async.Run(ctx)

	assert.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 10*time.Millisecond)
	async.Close()
}

// TestRingSince проверяет нумерацию и вытеснение старых событий
func TestRingSince(t *testing.T) {
	ring := events.NewRing(3)
	for i := 0; i < 5; i++ {
		ring.Publish(events.New(events.ScopeCall, events.CallStateChanged, map[string]any{"i": i}))
	}

	assert.Equal(t, uint64(5), ring.Last())

	all := ring.Since(0, 0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.Equal(t, uint64(5), all[2].Seq)

	tail := ring.Since(3, 0)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)

	limited := ring.Since(0, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(3), limited[0].Seq)

	assert.Empty(t, ring.Since(5, 0))
}

// TestLogSink проверяет запись события в лог
func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := events.NewLogSink(logger, slog.LevelInfo)

	sink.Publish(events.New(events.ScopeLease, events.LeaseAcquired, map[string]any{"extension": "3000"}))

	out := buf.String()
	assert.Contains(t, out, "lease.lease_acquired")
	assert.Contains(t, out, "extension=3000")
}

// TestHubDeliversToClient проверяет доставку события websocket клиенту
func TestHubDeliversToClient(t *testing.T) {
	hub := events.NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(events.New(events.ScopeCall, events.CallStateChanged, map[string]any{"state": "confirmed"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.ScopeCall, got.Scope)
	assert.Equal(t, "confirmed", got.Str("state"))
}
