package phone_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/soft_phone/pkg/call"
	"github.com/arzzra/soft_phone/pkg/dialplan"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/arzzra/soft_phone/pkg/phone"
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

var testConfig = phone.Config{
	Call: call.Config{Plan: dialplan.Plan{CountryID: "55", Domain: "pbx.example.com"}},
}

// leaserStub выдаёт заданную аренду или ошибку. При block ждёт отмены ctx.
type leaserStub struct {
	mu      sync.Mutex
	lease   lease.Lease
	err     error
	block   bool
	calls   int
	entered chan struct{}
}

func (l *leaserStub) Acquire(ctx context.Context) (lease.Lease, error) {
	l.mu.Lock()
	l.calls++
	block, res, err, entered := l.block, l.lease, l.err, l.entered
	l.mu.Unlock()

	if block {
		if entered != nil {
			close(entered)
		}
		<-ctx.Done()
		return lease.Lease{}, ctx.Err()
	}
	return res, err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.String())
	}
	return out
}

func remoteLease() *leaserStub {
	return &leaserStub{lease: lease.Lease{Identity: testIdentity, Source: lease.SourceRemote}}
}

func newPhone(t *testing.T, l phone.Leaser, cfg phone.Config, opts ...phone.Option) (*phone.Phone, *mockEndpoint.Endpoint) {
	t.Helper()
	ep := mockEndpoint.New()
	p := phone.New(ep, l, cfg, opts...)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, ep
}

// register проводит линию до Registered
func register(t *testing.T, p *phone.Phone, ep *mockEndpoint.Endpoint) {
	t.Helper()
	ep.Emit(signaling.Connected{})
	ep.Emit(signaling.Registered{Expires: time.Minute})
	require.Eventually(t, p.Ready, time.Second, 5*time.Millisecond)
}

// TestStartRegisters проверяет запуск с арендованной линией
func TestStartRegisters(t *testing.T) {
	rec := &recorder{}
	p, ep := newPhone(t, remoteLease(), testConfig, phone.WithSink(rec))

	require.NoError(t, p.Start(context.Background()))
	require.Len(t, ep.Started(), 1)
	assert.Equal(t, testIdentity, ep.Started()[0])

	st := p.Status()
	assert.Equal(t, registration.StateConnecting, st.Line.State)
	assert.Equal(t, "remote", st.Line.Source)

	register(t, p, ep)
	st = p.Status()
	assert.Equal(t, "Зарегистрирован как 3000", st.Text)
	assert.False(t, st.ShowError)
	assert.Equal(t, call.StateIdle, st.Call.State)
	assert.Contains(t, rec.names(), "phone.started")

	assert.ErrorIs(t, p.Start(context.Background()), phone.ErrAlreadyStarted)
}

// TestStartWaitsReady проверяет ожидание регистрации при старте
func TestStartWaitsReady(t *testing.T) {
	cfg := testConfig
	cfg.ReadyTimeout = time.Second
	p, ep := newPhone(t, remoteLease(), cfg)

	go func() {
		assert.Eventually(t, func() bool { return len(ep.Started()) == 1 }, time.Second, 5*time.Millisecond)
		ep.Emit(signaling.Connected{})
		ep.Emit(signaling.Registered{Expires: time.Minute})
	}()

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Ready())
}

// TestStartReadyTimeout проверяет ограничение ожидания регистрации
func TestStartReadyTimeout(t *testing.T) {
	cfg := testConfig
	cfg.ReadyTimeout = 30 * time.Millisecond
	p, _ := newPhone(t, remoteLease(), cfg)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestStartNoCapacity проверяет отказ сервиса аренды
func TestStartNoCapacity(t *testing.T) {
	p, ep := newPhone(t, &leaserStub{err: lease.ErrNoCapacity}, testConfig)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, lease.ErrNoCapacity)
	assert.Empty(t, ep.Started(), "регистрация не начинается без линии")

	st := p.Status()
	assert.Equal(t, "Нет свободных линий", st.Text)
	assert.True(t, st.ShowError)
}

// TestShutdownCancelsAcquire проверяет прерывание аренды остановкой
func TestShutdownCancelsAcquire(t *testing.T) {
	l := &leaserStub{block: true, entered: make(chan struct{})}
	p, ep := newPhone(t, l, testConfig)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(context.Background()) }()

	<-l.entered
	p.Shutdown(context.Background())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, phone.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("Start не завершился после Shutdown")
	}
	assert.Empty(t, ep.Started())
	assert.ErrorIs(t, p.Start(context.Background()), phone.ErrShutdown)
}

// TestAcquireTimeout проверяет ограничение аренды
func TestAcquireTimeout(t *testing.T) {
	cfg := testConfig
	cfg.AcquireTimeout = 20 * time.Millisecond
	p, _ := newPhone(t, &leaserStub{block: true}, cfg)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestDialAndHangup проверяет исходящий вызов и завершение
func TestDialAndHangup(t *testing.T) {
	p, ep := newPhone(t, remoteLease(), testConfig)
	require.NoError(t, p.Start(context.Background()))
	register(t, p, ep)

	h, err := p.Dial(context.Background(), "(11) 98765-4321")
	require.NoError(t, err)
	assert.Equal(t, "sip:+5511987654321@pbx.example.com", ep.Target(h.ID))
	assert.Equal(t, "(11) 98765-4321", p.Target())

	ep.Emit(signaling.SessionAccepted{ID: h.ID})
	ep.Emit(signaling.SessionConfirmed{ID: h.ID})
	require.Eventually(t, func() bool { return p.Status().Call.State == call.StateConfirmed },
		time.Second, 5*time.Millisecond)

	require.NoError(t, p.SendDigit(context.Background(), '5'))
	require.Len(t, ep.Digits(), 1)

	require.NoError(t, p.Hangup(context.Background()))
	st := p.Status()
	assert.Equal(t, call.StateEnded, st.Call.State)
	assert.True(t, st.Call.Blocked)
}

// TestRejectedUntilTargetChanged проверяет блокировку после отказа
func TestRejectedUntilTargetChanged(t *testing.T) {
	p, ep := newPhone(t, remoteLease(), testConfig)
	require.NoError(t, p.Start(context.Background()))
	register(t, p, ep)

	h, err := p.Dial(context.Background(), "11987654321")
	require.NoError(t, err)
	ep.Emit(signaling.SessionFailed{ID: h.ID, Cause: signaling.Cause{Code: 603, Reason: "Decline"}})
	require.Eventually(t, func() bool { return p.Status().Call.State == call.StateRejected },
		time.Second, 5*time.Millisecond)

	_, err = p.Dial(context.Background(), "")
	assert.ErrorIs(t, err, call.ErrBlocked, "повтор текущего номера")

	p.SetTarget("11987654321")
	_, err = p.Dial(context.Background(), "11987654321")
	assert.ErrorIs(t, err, call.ErrBlocked, "тот же номер не снимает блокировку")

	_, err = p.Dial(context.Background(), "11912345678")
	assert.NoError(t, err, "новый номер снимает блокировку")
}

// TestInitialTarget проверяет набор номера из конфигурации
func TestInitialTarget(t *testing.T) {
	cfg := testConfig
	cfg.InitialTarget = "30001234"
	p, ep := newPhone(t, remoteLease(), cfg)
	require.NoError(t, p.Start(context.Background()))
	register(t, p, ep)

	assert.Equal(t, "30001234", p.Status().Target)
	h, err := p.Dial(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "sip:30001234@pbx.example.com", ep.Target(h.ID))
}

// TestDialNotReady проверяет отказ до регистрации
func TestDialNotReady(t *testing.T) {
	p, ep := newPhone(t, remoteLease(), testConfig)
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Dial(context.Background(), "11987654321")
	assert.ErrorIs(t, err, call.ErrNotReady)
	assert.Empty(t, ep.Calls())
}

// TestShutdownIdempotent проверяет повторную остановку
func TestShutdownIdempotent(t *testing.T) {
	rec := &recorder{}
	p, ep := newPhone(t, remoteLease(), testConfig, phone.WithSink(rec))
	require.NoError(t, p.Start(context.Background()))
	register(t, p, ep)

	h, err := p.Dial(context.Background(), "11987654321")
	require.NoError(t, err)

	p.Shutdown(context.Background())
	p.Shutdown(context.Background())

	assert.Equal(t, 1, ep.StopCount())
	require.NotEmpty(t, ep.Terminations())
	assert.Equal(t, h.ID, ep.Terminations()[0].ID)

	st := p.Status()
	assert.Equal(t, registration.StateDisconnected, st.Line.State)
	assert.Empty(t, st.Line.Source)
	assert.False(t, p.Ready())

	stopped := 0
	for _, n := range rec.names() {
		if n == "phone.stopped" {
			stopped++
		}
	}
	assert.Equal(t, 1, stopped)
}

// TestPoolFallbackStatus проверяет статус линии из локального пула
func TestPoolFallbackStatus(t *testing.T) {
	leases := lease.NewManager(lease.Config{
		TransportAddress: "wss://pbx.example.com:8089/ws",
		Extensions:       []lease.Extension{{Extension: "3000", Password: "senha123"}},
	})
	p, ep := newPhone(t, leases, testConfig)
	require.NoError(t, p.Start(context.Background()))

	require.Len(t, ep.Started(), 1)
	assert.Equal(t, "3000", ep.Started()[0].Extension)

	st := p.Status()
	assert.Equal(t, "pool", st.Line.Source)
	assert.Contains(t, st.Text, "линия из пула")
}

// TestRegistrationFailedStatus проверяет текст отказа в регистрации
func TestRegistrationFailedStatus(t *testing.T) {
	p, ep := newPhone(t, remoteLease(), testConfig)
	require.NoError(t, p.Start(context.Background()))

	ep.Emit(signaling.Connected{})
	ep.Emit(signaling.RegistrationFailed{Reason: "403 Forbidden"})
	require.Eventually(t, func() bool {
		return p.Status().Line.State == registration.StateRegistrationFailed
	}, time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.Equal(t, "Ошибка регистрации: 403 Forbidden", st.Text)
	assert.True(t, st.ShowError)
}

// TestStartEndpointFailure проверяет ошибку запуска транспорта
func TestStartEndpointFailure(t *testing.T) {
	ep := mockEndpoint.New()
	ep.StartErr = errors.New("connection refused")
	p := phone.New(ep, remoteLease(), testConfig)
	defer p.Shutdown(context.Background())

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, registration.ErrTransportUnavailable)
	assert.True(t, p.Status().ShowError)
}
