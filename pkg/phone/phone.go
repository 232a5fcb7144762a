// Package phone собирает софтфон из аренды линии, контроллера регистрации
// и менеджера вызовов и управляет их временем жизни.
package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/soft_phone/pkg/call"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/arzzra/soft_phone/pkg/registration"
	"github.com/arzzra/soft_phone/pkg/signaling"
)

var (
	// ErrAlreadyStarted повторный запуск
	ErrAlreadyStarted = errors.New("софтфон уже запущен")
	// ErrShutdown софтфон остановлен
	ErrShutdown = errors.New("софтфон остановлен")
)

// DefaultAcquireTimeout ограничение на получение линии по умолчанию
const DefaultAcquireTimeout = 10 * time.Second

// Leaser источник учётных записей линий
type Leaser interface {
	Acquire(ctx context.Context) (lease.Lease, error)
}

// Config параметры софтфона
type Config struct {
	Call call.Config
	// AcquireTimeout ограничение на получение линии
	AcquireTimeout time.Duration
	// ReadyTimeout ожидание регистрации в Start, 0 без ожидания
	ReadyTimeout time.Duration
	// InitialTarget номер назначения при старте
	InitialTarget string
}

// Phone один софтфон: одна линия и не более одного вызова
type Phone struct {
	leaser Leaser
	reg    *registration.Controller
	calls  *call.Manager
	sink   events.Sink
	logger *slog.Logger
	cfg    Config

	mu            sync.Mutex
	started       bool
	stopped       bool
	acquireCancel context.CancelFunc
	lease         *lease.Lease
	leaseErr      error
	target        string
}

// Option настройка Phone
type Option func(*Phone)

// WithLogger задаёт логгер
func WithLogger(l *slog.Logger) Option {
	return func(p *Phone) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSink задаёт приёмник событий всех компонентов
func WithSink(s events.Sink) Option {
	return func(p *Phone) { p.sink = events.OrNop(s) }
}

// New создаёт софтфон поверх конечной точки. Сеть не используется до Start.
func New(endpoint signaling.Endpoint, leaser Leaser, cfg Config, opts ...Option) *Phone {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	p := &Phone{
		leaser: leaser,
		sink:   events.Nop,
		logger: slog.Default(),
		cfg:    cfg,
		target: cfg.InitialTarget,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.reg = registration.New(endpoint,
		registration.WithLogger(p.logger),
		registration.WithSink(p.sink))
	p.calls = call.NewManager(endpoint, p.reg, cfg.Call,
		call.WithLogger(p.logger),
		call.WithSink(p.sink))
	p.reg.SetRouter(p.calls)
	p.logger = p.logger.With("component", "phone")
	return p
}

// Start получает линию и запускает регистрацию. Отмена ctx или Shutdown во
// время аренды прерывают её без расхода линии.
func (p *Phone) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return ErrShutdown
	case p.started:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	acqCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	p.acquireCancel = cancel
	p.mu.Unlock()

	l, err := p.leaser.Acquire(acqCtx)
	cancel()

	p.mu.Lock()
	p.acquireCancel = nil
	if p.stopped {
		p.mu.Unlock()
		return ErrShutdown
	}
	if err != nil {
		p.leaseErr = err
		p.mu.Unlock()
		p.logger.Error("не удалось получить линию", slog.Any("error", err))
		return fmt.Errorf("получение линии: %w", err)
	}
	p.lease = &l
	p.leaseErr = nil
	p.mu.Unlock()

	if l.Source == lease.SourcePool {
		p.logger.Warn("используется линия из локального пула", slog.String("extension", l.Identity.Extension))
	}

	if err := p.reg.Start(ctx, l.Identity); err != nil {
		return err
	}

	if p.cfg.ReadyTimeout > 0 {
		readyCtx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
		defer cancel()
		if err := p.reg.WaitReady(readyCtx); err != nil {
			return fmt.Errorf("ожидание регистрации: %w", err)
		}
	}

	p.sink.Publish(events.New(events.ScopePhone, events.PhoneStarted, map[string]any{
		"extension": l.Identity.Extension,
		"source":    l.Source.String(),
	}))
	p.logger.Info("софтфон запущен", slog.String("extension", l.Identity.Extension))
	return nil
}

// Shutdown останавливает софтфон: прерывает аренду, завершает вызов и
// регистрацию. Повторный вызов ничего не делает.
func (p *Phone) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.acquireCancel != nil {
		p.acquireCancel()
		p.acquireCancel = nil
	}
	p.mu.Unlock()

	p.calls.Close(ctx)
	p.reg.Shutdown(ctx)

	p.mu.Lock()
	p.lease = nil
	p.mu.Unlock()

	p.sink.Publish(events.New(events.ScopePhone, events.PhoneStopped, nil))
	p.logger.Info("софтфон остановлен")
}

// Dial набирает raw или текущий номер назначения, если raw пуст.
// Новый номер считается сменой назначения и снимает блокировку.
func (p *Phone) Dial(ctx context.Context, raw string) (call.Handle, error) {
	if raw == "" {
		raw = p.Target()
	} else {
		p.SetTarget(raw)
	}
	return p.calls.Originate(ctx, raw)
}

// SetTarget запоминает номер назначения. Блокировка вызовов снимается
// только при изменении номера.
func (p *Phone) SetTarget(raw string) {
	p.mu.Lock()
	changed := raw != p.target
	p.target = raw
	p.mu.Unlock()

	if changed {
		p.calls.OnTargetChanged()
	}
}

// Target текущий номер назначения
func (p *Phone) Target() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Hangup завершает текущий вызов
func (p *Phone) Hangup(ctx context.Context) error {
	return p.calls.Terminate(ctx)
}

// SendDigit отправляет тон DTMF в активный вызов
func (p *Phone) SendDigit(ctx context.Context, digit rune) error {
	return p.calls.SendDigit(ctx, digit)
}

// Ready истинно, когда линия зарегистрирована
func (p *Phone) Ready() bool {
	return p.reg.IsReady()
}

// WaitReady ждёт регистрации линии
func (p *Phone) WaitReady(ctx context.Context) error {
	return p.reg.WaitReady(ctx)
}
