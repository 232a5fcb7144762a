// Package registration управляет регистрацией одной линии на сигнальной
// конечной точке и пересылает события сессий менеджеру вызовов.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/looplab/fsm"
)

// SessionRouter получатель событий сессий
type SessionRouter interface {
	Dispatch(ev signaling.Event)
}

// Controller контроллер регистрации.
// Состояние меняется только событиями транспорта и остановкой.
type Controller struct {
	endpoint signaling.Endpoint
	logger   *slog.Logger
	sink     events.Sink

	mu       sync.Mutex
	machine  *fsm.FSM
	reason   string
	identity signaling.Identity
	router   SessionRouter
	changed  chan struct{}
	started  bool
	stopped  bool

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// Option настройка Controller
type Option func(*Controller)

// WithLogger задаёт логгер
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l.With("component", "registration")
		}
	}
}

// WithSink задаёт приёмник событий
func WithSink(s events.Sink) Option {
	return func(c *Controller) { c.sink = events.OrNop(s) }
}

// WithRouter задаёт получателя событий сессий
func WithRouter(r SessionRouter) Option {
	return func(c *Controller) { c.router = r }
}

// New создаёт контроллер поверх конечной точки
func New(endpoint signaling.Endpoint, opts ...Option) *Controller {
	c := &Controller{
		endpoint: endpoint,
		logger:   slog.Default().With("component", "registration"),
		sink:     events.Nop,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initStateMachine()
	return c
}

// initStateMachine описывает допустимые переходы регистрации
func (c *Controller) initStateMachine() {
	all := []string{
		string(StateDisconnected), string(StateConnecting), string(StateConnected),
		string(StateRegistered), string(StateRegistrationFailed), string(StateUnregistered),
	}

	c.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventStart, Src: []string{
				string(StateDisconnected), string(StateUnregistered), string(StateRegistrationFailed),
			}, Dst: string(StateConnecting)},
			{Name: eventConnected, Src: []string{
				string(StateDisconnected), string(StateConnecting),
			}, Dst: string(StateConnected)},
			{Name: eventRegistered, Src: []string{
				string(StateConnecting), string(StateConnected), string(StateRegistered),
				string(StateUnregistered), string(StateRegistrationFailed),
			}, Dst: string(StateRegistered)},
			{Name: eventRegistrationFailed, Src: []string{
				string(StateConnecting), string(StateConnected), string(StateRegistered),
				string(StateUnregistered),
			}, Dst: string(StateRegistrationFailed)},
			{Name: eventUnregistered, Src: []string{
				string(StateConnecting), string(StateConnected), string(StateRegistered),
				string(StateRegistrationFailed),
			}, Dst: string(StateUnregistered)},
			{Name: eventDisconnected, Src: all, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("переход состояния регистрации",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event))
			},
		},
	)
}

// SetRouter задаёт получателя событий сессий после создания
func (c *Controller) SetRouter(r SessionRouter) {
	c.mu.Lock()
	c.router = r
	c.mu.Unlock()
}

// Start подключает конечную точку под identity и начинает слушать её события
func (c *Controller) Start(ctx context.Context, identity signaling.Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("учётная запись: %w", err)
	}

	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrShutdown
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	from := c.state()
	if err := c.machine.Event(ctx, eventStart); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("запуск регистрации из %s: %w", from, err)
	}
	c.started = true
	c.identity = identity
	c.reason = ""
	c.notifyLocked()

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.pumpCancel = cancel
	c.pumpDone = make(chan struct{})
	go c.pump(pumpCtx, c.pumpDone)
	c.mu.Unlock()

	c.publish(from, StateConnecting, "")
	c.logger.Info("регистрация линии", slog.String("extension", identity.Extension),
		slog.String("transport", identity.TransportAddress))

	if err := c.endpoint.Start(ctx, identity); err != nil {
		c.logger.Error("не удалось запустить конечную точку", slog.Any("error", err))
		c.Dispatch(signaling.Disconnected{Reason: err.Error()})
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// pump читает события конечной точки до остановки
func (c *Controller) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	evs := c.endpoint.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				c.logger.Debug("поток событий конечной точки закрыт")
				return
			}
			c.Dispatch(ev)
		}
	}
}

// Dispatch применяет событие конечной точки.
// События транспорта меняют состояние, события сессий пересылаются.
func (c *Controller) Dispatch(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.Connected:
		c.transition(eventConnected, "")
	case signaling.Disconnected:
		c.transition(eventDisconnected, e.Reason)
	case signaling.Registered:
		c.transition(eventRegistered, "")
	case signaling.RegistrationFailed:
		c.transition(eventRegistrationFailed, e.Reason)
	case signaling.Unregistered:
		c.transition(eventUnregistered, "")
	case signaling.SessionCreated, signaling.SessionProgress, signaling.SessionAccepted,
		signaling.SessionConfirmed, signaling.SessionEnded, signaling.SessionFailed:
		c.forward(ev)
	default:
		c.logger.Warn("неизвестное событие конечной точки", slog.Any("event", ev))
	}
}

func (c *Controller) transition(event, reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	from := c.state()
	err := c.machine.Event(context.Background(), event)

	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil:
	case errors.As(err, &noTransition):
		if reason != "" && reason != c.reason {
			c.reason = reason
			c.notifyLocked()
		}
		c.mu.Unlock()
		return
	case errors.As(err, &invalid):
		c.mu.Unlock()
		c.logger.Warn("событие транспорта не применимо в текущем состоянии",
			slog.String("event", event), slog.String("state", string(from)))
		return
	default:
		c.mu.Unlock()
		c.logger.Error("ошибка перехода регистрации", slog.String("event", event), slog.Any("error", err))
		return
	}
	to := c.state()
	c.reason = reason
	c.notifyLocked()
	c.mu.Unlock()

	switch to {
	case StateRegistered:
		c.logger.Info("линия зарегистрирована")
	case StateRegistrationFailed:
		c.logger.Warn("регистрация не удалась", slog.String("reason", reason))
	case StateDisconnected:
		c.logger.Warn("транспорт отключён", slog.String("reason", reason))
	}
	c.publish(from, to, reason)
}

func (c *Controller) forward(ev signaling.Event) {
	c.mu.Lock()
	router := c.router
	stopped := c.stopped
	c.mu.Unlock()

	if stopped {
		return
	}
	if router == nil {
		c.logger.Warn("событие сессии без получателя", slog.String("event", ev.Kind().String()))
		return
	}
	router.Dispatch(ev)
}

// IsReady истинно только в состоянии Registered
func (c *Controller) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state() == StateRegistered
}

// CheckReady возвращает причину неготовности или nil
func (c *Controller) CheckReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readinessLocked()
}

func (c *Controller) readinessLocked() error {
	switch c.state() {
	case StateRegistered:
		return nil
	case StateDisconnected, StateConnecting:
		if c.reason != "" {
			return fmt.Errorf("%w: %s", ErrTransportUnavailable, c.reason)
		}
		return ErrTransportUnavailable
	default:
		if c.reason != "" {
			return fmt.Errorf("%w: %s", ErrNotRegistered, c.reason)
		}
		return ErrNotRegistered
	}
}

// WaitReady ждёт регистрации. Отказ в регистрации не повторяется,
// поэтому RegistrationFailed завершает ожидание ошибкой.
func (c *Controller) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch {
		case c.stopped:
			c.mu.Unlock()
			return ErrShutdown
		case c.state() == StateRegistered:
			c.mu.Unlock()
			return nil
		case c.state() == StateRegistrationFailed:
			err := c.readinessLocked()
			c.mu.Unlock()
			return err
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Shutdown останавливает конечную точку и переводит контроллер в Disconnected.
// Повторный вызов ничего не делает. Ошибки остановки транспорта только логируются.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	from := c.state()
	c.machine.SetState(string(StateDisconnected))
	c.reason = "shutdown"
	c.notifyLocked()
	started := c.started
	cancel, done := c.pumpCancel, c.pumpDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("обработчик событий не завершился до истечения контекста")
		}
	}

	if started {
		if err := c.endpoint.Stop(ctx); err != nil {
			c.logger.Warn("ошибка остановки конечной точки", slog.Any("error", err))
		}
	}

	c.logger.Info("регистрация остановлена")
	c.publish(from, StateDisconnected, "shutdown")
}

// State возвращает текущее состояние
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

// Snapshot возвращает снимок состояния
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state()
	return Snapshot{
		State:     st,
		Reason:    c.reason,
		Extension: c.identity.Extension,
		Transport: c.identity.TransportAddress,
		Ready:     st == StateRegistered,
	}
}

func (c *Controller) state() State {
	return State(c.machine.Current())
}

// notifyLocked будит ожидающих WaitReady
func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) publish(from, to State, reason string) {
	c.sink.Publish(events.New(events.ScopeRegistration, events.RegistrationStateChanged, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}))
}
