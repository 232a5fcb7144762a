// Package call управляет единственным вызовом софтфона: исходящим набором,
// автоответом на входящие, отказом при встречном вызове, DTMF и
// блокировкой повторных вызовов после завершения.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/soft_phone/pkg/dialplan"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

const (
	busyCode   = 486
	busyReason = "Busy Here"

	// DefaultFailureStatusReset через сколько статус ошибки сменяется обычным
	DefaultFailureStatusReset = 4 * time.Second
	// DefaultOperationTimeout ограничение на вызовы конечной точки из обработчиков событий
	DefaultOperationTimeout = 5 * time.Second
)

var errClosed = errors.New("менеджер вызовов закрыт")

// Readiness источник готовности линии
type Readiness interface {
	CheckReady() error
}

// Config параметры менеджера вызовов
type Config struct {
	Plan dialplan.Plan
	// FailureStatusReset задержка сброса статуса после неуспешного вызова.
	// На блокировку не влияет.
	FailureStatusReset time.Duration
	// OperationTimeout ограничение на Answer/Terminate из обработчиков событий
	OperationTimeout time.Duration
}

// Handle описание созданного исходящего вызова
type Handle struct {
	ID          signaling.SessionID  `json:"id"`
	Destination dialplan.Destination `json:"destination"`
}

// Manager менеджер вызовов. Одновременно отслеживается не более одного
// незавершённого вызова.
type Manager struct {
	endpoint   signaling.Endpoint
	ready      Readiness
	plan       dialplan.Plan
	resetAfter time.Duration
	opTimeout  time.Duration
	logger     *slog.Logger
	sink       events.Sink
	newID      func() signaling.SessionID

	mu        sync.Mutex
	current   *session
	blocked   bool
	text      string
	showError bool
	timer     *time.Timer
	timerGen  uint64
	closed    bool
}

// Option настройка Manager
type Option func(*Manager)

// WithLogger задаёт логгер
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With("component", "call")
		}
	}
}

// WithSink задаёт приёмник событий
func WithSink(s events.Sink) Option {
	return func(m *Manager) { m.sink = events.OrNop(s) }
}

// WithIDGenerator задаёт генератор идентификаторов исходящих сессий
func WithIDGenerator(f func() signaling.SessionID) Option {
	return func(m *Manager) {
		if f != nil {
			m.newID = f
		}
	}
}

// NewManager создаёт менеджер вызовов
func NewManager(endpoint signaling.Endpoint, ready Readiness, cfg Config, opts ...Option) *Manager {
	if cfg.FailureStatusReset <= 0 {
		cfg.FailureStatusReset = DefaultFailureStatusReset
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	m := &Manager{
		endpoint:   endpoint,
		ready:      ready,
		plan:       cfg.Plan,
		resetAfter: cfg.FailureStatusReset,
		opTimeout:  cfg.OperationTimeout,
		logger:     slog.Default().With("component", "call"),
		sink:       events.Nop,
		newID:      func() signaling.SessionID { return signaling.SessionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Originate начинает исходящий вызов на введённый номер.
// Проверка и создание сессии выполняются под одной блокировкой,
// поэтому из одновременных вызовов успешен только один.
// Метод не ждёт ответа вызываемой стороны.
func (m *Manager) Originate(ctx context.Context, raw string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Handle{}, ErrNotReady.WithCause(errClosed)
	}
	if m.blocked {
		m.text, m.showError = textBlocked, true
		m.publishRefused(CodeBlocked, "")
		return Handle{}, ErrBlocked
	}
	if err := m.ready.CheckReady(); err != nil {
		m.publishRefused(CodeNotReady, err.Error())
		return Handle{}, ErrNotReady.WithCause(err)
	}
	if m.current != nil && !m.current.state().Terminal() {
		m.publishRefused(CodeAlreadyActive, "")
		return Handle{}, ErrAlreadyActive.WithSession(m.current.id)
	}

	dst, err := m.plan.Resolve(raw)
	if err != nil {
		m.publishRefused(CodeInvalidDestination, err.Error())
		return Handle{}, ErrInvalidDestination.WithCause(err).WithField("raw", raw)
	}

	id := m.newID()
	s := newSession(id, signaling.Outgoing, dst.Target, dst.Dialable, m.logger)
	if err := s.machine.Event(ctx, eventDial); err != nil {
		return Handle{}, ErrFailed.WithCause(err)
	}

	if err := m.endpoint.Call(ctx, id, dst.Target); err != nil {
		m.logger.Error("конечная точка не создала вызов",
			slog.String("target", dst.Target), slog.Any("error", err))
		m.publishRefused(CodeFailed, err.Error())
		return Handle{}, ErrFailed.WithCause(err).WithSession(id)
	}

	m.stopTimerLocked()
	m.current = s
	m.refreshTextLocked()

	m.logger.Info("исходящий вызов",
		slog.String("session", string(id)),
		slog.String("raw", raw),
		slog.String("dialable", dst.Dialable),
		slog.String("target", dst.Target))
	m.publishState(s, StateIdle, StateDialing)

	return Handle{ID: id, Destination: dst}, nil
}

// Dispatch применяет событие конечной точки к отслеживаемому вызову
func (m *Manager) Dispatch(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.SessionCreated:
		m.onCreated(e)
	case signaling.SessionProgress:
		m.apply(e.ID, eventProgress, nil)
	case signaling.SessionAccepted:
		m.apply(e.ID, eventAccept, nil)
	case signaling.SessionConfirmed:
		m.apply(e.ID, eventConfirm, nil)
	case signaling.SessionEnded:
		cause := e.Cause
		m.apply(e.ID, eventEnd, &cause)
	case signaling.SessionFailed:
		cause := e.Cause
		if cause.IsRejection() {
			m.apply(e.ID, eventReject, &cause)
		} else {
			m.apply(e.ID, eventFail, &cause)
		}
	case signaling.Connected, signaling.Disconnected, signaling.Registered,
		signaling.RegistrationFailed, signaling.Unregistered:
		// события регистрации на вызов не влияют
	default:
		m.logger.Warn("неизвестное событие", slog.Any("event", ev))
	}
}

// onCreated обрабатывает появление новой сессии
func (m *Manager) onCreated(e signaling.SessionCreated) {
	if e.Direction == signaling.Outgoing {
		// исходящие сессии создаются в Originate
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current; cur != nil && !cur.state().Terminal() {
		if cur.id == e.ID {
			return
		}
		m.logger.Info("встречный вызов отклонён",
			slog.String("session", string(e.ID)),
			slog.String("remote", e.Remote),
			slog.String("tracked", string(cur.id)))
		if err := m.endpoint.Terminate(ctx, e.ID, busyCode, busyReason); err != nil {
			m.logger.Warn("не удалось отклонить встречный вызов", slog.Any("error", err))
		}
		m.sink.Publish(events.New(events.ScopeCall, events.CallGlareRejected, map[string]any{
			"session": string(e.ID),
			"remote":  e.Remote,
			"tracked": string(cur.id),
		}))
		return
	}

	if m.closed {
		if err := m.endpoint.Terminate(ctx, e.ID, busyCode, busyReason); err != nil {
			m.logger.Warn("не удалось отклонить вызов после закрытия", slog.Any("error", err))
		}
		return
	}

	s := newSession(e.ID, signaling.Incoming, e.Remote, e.Remote, m.logger)
	if err := s.machine.Event(ctx, eventIncoming); err != nil {
		m.logger.Error("ошибка перехода входящего вызова", slog.Any("error", err))
		return
	}
	m.stopTimerLocked()
	m.current = s
	m.refreshTextLocked()
	m.logger.Info("входящий вызов, автоответ",
		slog.String("session", string(e.ID)),
		slog.String("remote", e.Remote))
	m.publishState(s, StateIdle, StateProgressing)

	if err := m.endpoint.Answer(ctx, e.ID); err != nil {
		m.logger.Error("не удалось ответить на входящий вызов", slog.Any("error", err))
		m.transitionLocked(s, eventFail, &signaling.Cause{
			Reason:     err.Error(),
			Originator: signaling.OriginatorSystem,
		})
	}
}

// apply переводит отслеживаемую сессию по событию
func (m *Manager) apply(id signaling.SessionID, event string, cause *signaling.Cause) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.id != id {
		m.logger.Debug("событие для неотслеживаемой сессии",
			slog.String("session", string(id)), slog.String("event", event))
		return
	}
	m.transitionLocked(s, event, cause)
}

func (m *Manager) transitionLocked(s *session, event string, cause *signaling.Cause) {
	from := s.state()
	if from.Terminal() {
		return
	}

	err := s.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil:
	case errors.As(err, &noTransition):
		return
	case errors.As(err, &invalid):
		m.logger.Warn("событие не применимо к вызову",
			slog.String("session", string(s.id)),
			slog.String("event", event),
			slog.String("state", string(from)))
		return
	default:
		m.logger.Error("ошибка перехода вызова", slog.Any("error", err))
		return
	}

	to := s.state()
	if cause != nil {
		s.cause = cause
	}

	switch to {
	case StateEnded, StateRejected:
		m.blocked = true
		m.stopTimerLocked()
	case StateFailed:
		m.blocked = true
		m.armStatusResetLocked()
	}
	m.refreshTextLocked()

	attrs := []any{slog.String("session", string(s.id)), slog.String("state", string(to))}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.String()))
	}
	if to.Terminal() {
		m.logger.Info("вызов завершён", attrs...)
	} else {
		m.logger.Debug("состояние вызова", attrs...)
	}
	m.publishState(s, from, to)
}

// Terminate завершает отслеживаемый вызов. Для вызывающего вызов
// переходит в Ended сразу, сигнализация завершается в фоне.
func (m *Manager) Terminate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.state().Terminal() {
		return ErrNoActiveSession
	}

	m.transitionLocked(s, eventEnd, &signaling.Cause{Reason: "hangup", Originator: signaling.OriginatorLocal})

	if err := m.endpoint.Terminate(ctx, s.id, 0, ""); err != nil {
		m.logger.Warn("ошибка завершения вызова на конечной точке",
			slog.String("session", string(s.id)), slog.Any("error", err))
	}
	return nil
}

// SendDigit отправляет тон DTMF. Доступно только в Accepted и Confirmed,
// тоны не накапливаются.
func (m *Manager) SendDigit(ctx context.Context, digit rune) error {
	if err := signaling.ValidateDigit(digit); err != nil {
		return ErrInvalidDigit.WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || !s.state().Active() {
		return ErrNotActive
	}
	if err := m.endpoint.SendDTMF(ctx, s.id, digit); err != nil {
		return ErrFailed.WithCause(err).WithSession(s.id)
	}
	m.sink.Publish(events.New(events.ScopeCall, events.CallDigitSent, map[string]any{
		"session": string(s.id),
		"digit":   string(digit),
	}))
	return nil
}

// OnTargetChanged снимает блокировку вызовов. Это единственный способ её снять.
func (m *Manager) OnTargetChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.blocked {
		return
	}
	m.blocked = false
	if m.text == textBlocked {
		m.text, m.showError = "", false
	}
	m.logger.Info("блокировка вызовов снята")
	m.sink.Publish(events.New(events.ScopeCall, events.CallUnblocked, nil))
}

// Blocked сообщает, заблокированы ли исходящие вызовы
func (m *Manager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// Close завершает незавершённый вызов и останавливает таймеры.
// Повторный вызов безопасен.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.stopTimerLocked()

	if s := m.current; s != nil && !s.state().Terminal() {
		m.transitionLocked(s, eventEnd, &signaling.Cause{Reason: "shutdown", Originator: signaling.OriginatorSystem})
		if err := m.endpoint.Terminate(ctx, s.id, 0, ""); err != nil {
			m.logger.Warn("ошибка завершения вызова при закрытии", slog.Any("error", err))
		}
	}
}

// armStatusResetLocked запускает косметический сброс статуса ошибки
func (m *Manager) armStatusResetLocked() {
	m.stopTimerLocked()
	gen := m.timerGen
	m.timer = time.AfterFunc(m.resetAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.timerGen {
			return
		}
		m.timer = nil
		m.text, m.showError = "", false
		m.logger.Debug("статус ошибки вызова сброшен")
	})
}

// stopTimerLocked отменяет таймер и делает недействительным уже сработавший
func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) publishState(s *session, from, to State) {
	payload := map[string]any{
		"session":   string(s.id),
		"direction": s.direction.String(),
		"remote":    s.remote,
		"from":      string(from),
		"to":        string(to),
		"blocked":   m.blocked,
	}
	if s.cause != nil && to.Terminal() {
		payload["code"] = s.cause.Code
		payload["reason"] = s.cause.Reason
		payload["originator"] = string(s.cause.Originator)
	}
	m.sink.Publish(events.New(events.ScopeCall, events.CallStateChanged, payload))
}

func (m *Manager) publishRefused(code ErrorCode, detail string) {
	m.sink.Publish(events.New(events.ScopeCall, events.CallOriginateRefused, map[string]any{
		"code":   string(code),
		"detail": detail,
	}))
}
