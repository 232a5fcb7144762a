package registration_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/soft_phone/pkg/registration"
	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/arzzra/soft_phone/pkg/signaling/mockEndpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = signaling.Identity{
	Extension:        "3000",
	Credential:       "senha123",
	TransportAddress: "wss://pbx.example.com:8089/ws",
}

type routerRecorder struct {
	mu     sync.Mutex
	events []signaling.Event
}

func (r *routerRecorder) Dispatch(ev signaling.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *routerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newStarted(t *testing.T) (*registration.Controller, *mockEndpoint.Endpoint, *routerRecorder) {
	t.Helper()
	ep := mockEndpoint.New()
	router := &routerRecorder{}
	c := registration.New(ep, registration.WithRouter(router))
	require.NoError(t, c.Start(context.Background(), testIdentity))
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c, ep, router
}

func waitState(t *testing.T, c *registration.Controller, want registration.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		time.Second, 5*time.Millisecond, "ожидалось состояние %s, текущее %s", want, c.State())
}

// TestInitialState проверяет начальное состояние
func TestInitialState(t *testing.T) {
	c := registration.New(mockEndpoint.New())
	assert.Equal(t, registration.StateDisconnected, c.State())
	assert.False(t, c.IsReady())
	assert.ErrorIs(t, c.CheckReady(), registration.ErrTransportUnavailable)
}

// TestRegistrationFlow проверяет путь до Registered
func TestRegistrationFlow(t *testing.T) {
	c, ep, _ := newStarted(t)

	assert.Equal(t, registration.StateConnecting, c.State())
	require.Len(t, ep.Started(), 1)
	assert.Equal(t, testIdentity, ep.Started()[0])
	assert.ErrorIs(t, c.CheckReady(), registration.ErrTransportUnavailable)

	ep.Emit(signaling.Connected{})
	waitState(t, c, registration.StateConnected)
	assert.False(t, c.IsReady())
	assert.ErrorIs(t, c.CheckReady(), registration.ErrNotRegistered)

	ep.Emit(signaling.Registered{Expires: time.Minute})
	waitState(t, c, registration.StateRegistered)
	assert.True(t, c.IsReady())
	assert.NoError(t, c.CheckReady())

	snap := c.Snapshot()
	assert.True(t, snap.Ready)
	assert.Equal(t, "3000", snap.Extension)
}

// TestRegistrationFailedNotRetried проверяет отказ в регистрации
func TestRegistrationFailedNotRetried(t *testing.T) {
	c, ep, _ := newStarted(t)

	ep.Emit(signaling.Connected{})
	ep.Emit(signaling.RegistrationFailed{Reason: "403 Forbidden"})
	waitState(t, c, registration.StateRegistrationFailed)

	err := c.CheckReady()
	assert.ErrorIs(t, err, registration.ErrNotRegistered)
	assert.Contains(t, err.Error(), "403 Forbidden")
	assert.Equal(t, "403 Forbidden", c.Snapshot().Reason)
	assert.Len(t, ep.Started(), 1, "повторной регистрации быть не должно")
}

// TestDisconnectAfterRegistered проверяет потерю транспорта
func TestDisconnectAfterRegistered(t *testing.T) {
	c, ep, _ := newStarted(t)

	ep.Emit(signaling.Connected{})
	ep.Emit(signaling.Registered{})
	waitState(t, c, registration.StateRegistered)

	ep.Emit(signaling.Disconnected{Reason: "ws closed"})
	waitState(t, c, registration.StateDisconnected)
	assert.ErrorIs(t, c.CheckReady(), registration.ErrTransportUnavailable)
}

// TestUnregistered проверяет снятие регистрации сервером
func TestUnregistered(t *testing.T) {
	c, ep, _ := newStarted(t)

	ep.Emit(signaling.Registered{})
	waitState(t, c, registration.StateRegistered)
	ep.Emit(signaling.Unregistered{})
	waitState(t, c, registration.StateUnregistered)
	assert.False(t, c.IsReady())
}

// TestSessionEventsForwarded проверяет пересылку событий сессий
func TestSessionEventsForwarded(t *testing.T) {
	c, ep, router := newStarted(t)

	ep.Emit(signaling.SessionCreated{ID: "in-1", Direction: signaling.Incoming, Remote: "sip:100@pbx"})
	ep.Emit(signaling.SessionFailed{ID: "in-1", Cause: signaling.Cause{Code: 487}})

	require.Eventually(t, func() bool { return router.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, registration.StateConnecting, c.State(), "события сессий не меняют регистрацию")
}

// TestWaitReady проверяет ожидание регистрации
func TestWaitReady(t *testing.T) {
	c, ep, _ := newStarted(t)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- c.WaitReady(ctx)
	}()

	ep.Emit(signaling.Connected{})
	ep.Emit(signaling.Registered{})
	assert.NoError(t, <-errCh)
}

// TestWaitReadyFailure проверяет завершение ожидания при отказе
func TestWaitReadyFailure(t *testing.T) {
	c, ep, _ := newStarted(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitReady(context.Background()) }()

	ep.Emit(signaling.RegistrationFailed{Reason: "401"})
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, registration.ErrNotRegistered)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady не завершился после отказа")
	}
}

// TestWaitReadyTimeout проверяет истечение контекста
func TestWaitReadyTimeout(t *testing.T) {
	c, _, _ := newStarted(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)
}

// TestShutdownIdempotent проверяет безусловную и повторяемую остановку
func TestShutdownIdempotent(t *testing.T) {
	c, ep, router := newStarted(t)

	ep.Emit(signaling.Registered{})
	waitState(t, c, registration.StateRegistered)

	c.Shutdown(context.Background())
	c.Shutdown(context.Background())

	assert.Equal(t, registration.StateDisconnected, c.State())
	assert.Equal(t, 1, ep.StopCount())
	assert.ErrorIs(t, c.Start(context.Background(), testIdentity), registration.ErrShutdown)
	assert.ErrorIs(t, c.WaitReady(context.Background()), registration.ErrShutdown)

	// события после остановки игнорируются
	c.Dispatch(signaling.Registered{})
	c.Dispatch(signaling.SessionCreated{ID: "late"})
	assert.Equal(t, registration.StateDisconnected, c.State())
	assert.Equal(t, 0, router.count())
}

// TestShutdownBeforeStart проверяет остановку незапущенного контроллера
func TestShutdownBeforeStart(t *testing.T) {
	ep := mockEndpoint.New()
	c := registration.New(ep)
	c.Shutdown(context.Background())
	assert.Equal(t, registration.StateDisconnected, c.State())
	assert.Equal(t, 0, ep.StopCount())
}

// TestStartTwice проверяет запрет повторного запуска
func TestStartTwice(t *testing.T) {
	c, _, _ := newStarted(t)
	assert.ErrorIs(t, c.Start(context.Background(), testIdentity), registration.ErrAlreadyStarted)
}

// TestStartEndpointFailure проверяет ошибку запуска конечной точки
func TestStartEndpointFailure(t *testing.T) {
	ep := mockEndpoint.New()
	ep.StartErr = errors.New("dial tcp: connection refused")
	c := registration.New(ep)
	defer c.Shutdown(context.Background())

	err := c.Start(context.Background(), testIdentity)
	assert.ErrorIs(t, err, registration.ErrTransportUnavailable)
	assert.Equal(t, registration.StateDisconnected, c.State())
	assert.Contains(t, c.Snapshot().Reason, "connection refused")
}

// TestStartInvalidIdentity проверяет валидацию учётной записи
func TestStartInvalidIdentity(t *testing.T) {
	c := registration.New(mockEndpoint.New())
	assert.Error(t, c.Start(context.Background(), signaling.Identity{}))
	assert.Equal(t, registration.StateDisconnected, c.State())
}
