// Package lease получает учётную запись линии у сервиса аренды,
// а при его недоступности берёт следующую линию из локального пула.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arzzra/soft_phone/pkg/cursor"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/signaling"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoCapacity сервис аренды сообщил, что свободных линий нет.
	// В этом случае локальный пул не используется.
	ErrNoCapacity = errors.New("нет свободных линий")
	// ErrNoIdentities локальный пул пуст
	ErrNoIdentities = errors.New("не настроены линии локального пула")
)

// Source происхождение арендованной линии
type Source int

const (
	SourceRemote Source = iota
	SourcePool
)

// String возвращает строковое представление источника
func (s Source) String() string {
	if s == SourcePool {
		return "pool"
	}
	return "remote"
}

// Extension линия локального пула
type Extension struct {
	Extension string `mapstructure:"extension" json:"extension"`
	Password  string `mapstructure:"password" json:"password"`
}

// Lease результат аренды
type Lease struct {
	Identity   signaling.Identity
	Source     Source
	AcquiredAt time.Time
}

// Config параметры аренды
type Config struct {
	// BaseURL адрес сервиса аренды. Пустое значение отключает удалённую аренду.
	BaseURL string
	// TransportAddress адрес транспорта для линий из пула
	TransportAddress string
	// Extensions локальный пул
	Extensions []Extension
	// DefaultExtension линия, с которой начинается обход пула
	DefaultExtension string
	// RequestTimeout ограничение на один запрос к сервису аренды
	RequestTimeout time.Duration
}

// Manager выдаёт учётные записи линий
type Manager struct {
	cfg    Config
	client *http.Client
	store  cursor.Store
	sink   events.Sink
	logger *slog.Logger

	mu    sync.Mutex // курсор пула
	group singleflight.Group

	flightMu sync.Mutex
	flight   *flight
	gen      uint64
}

// flight общий запрос аренды, к которому присоединяются одновременные вызовы.
// Живёт на отвязанном контексте и отменяется, только когда все ждущие ушли.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option настройка Manager
type Option func(*Manager)

// WithHTTPClient задаёт HTTP клиент для сервиса аренды
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithStore задаёт хранилище курсора пула
func WithStore(s cursor.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithSink задаёт приёмник событий
func WithSink(s events.Sink) Option {
	return func(m *Manager) { m.sink = events.OrNop(s) }
}

// WithLogger задаёт логгер
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With("component", "lease")
		}
	}
}

// NewManager создаёт менеджер аренды
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		client: http.DefaultClient,
		store:  cursor.NewMemoryStore(),
		sink:   events.Nop,
		logger: slog.Default().With("component", "lease"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire получает линию.
//
// Отказ сервиса аренды "нет свободных линий" возвращается как ErrNoCapacity.
// Любая другая ошибка сервиса приводит к выдаче линии из пула и сдвигу курсора.
// Отмена ctx до получения результата ничего не меняет.
// Одновременные вызовы объединяются в один запрос к сервису. Отмена одного
// вызвавшего не задевает остальных: общий запрос отменяется, когда ушли все.
func (m *Manager) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	f, ch := m.join(ctx)

	select {
	case <-ctx.Done():
		m.leave(f)
		return Lease{}, ctx.Err()
	case res := <-ch:
		m.leave(f)
		if res.Err != nil {
			return Lease{}, res.Err
		}
		if res.Shared {
			m.logger.Debug("аренда разделена между одновременными запросами")
		}
		return res.Val.(Lease), nil
	}
}

// join присоединяет вызов к текущему общему запросу или начинает новый.
// DoChan вызывается под flightMu, а общий запрос снимает себя под тем же
// мьютексом до возврата, поэтому к завершённому запросу никто не присоединится.
func (m *Manager) join(ctx context.Context) (*flight, <-chan singleflight.Result) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	f := m.flight
	if f == nil {
		m.gen++
		// удалённый запрос и операции с курсором пула
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.cfg.RequestTimeout)
		f = &flight{key: fmt.Sprintf("acquire-%d", m.gen), ctx: fctx, cancel: cancel}
		m.flight = f
	}
	f.waiters++

	ch := m.group.DoChan(f.key, func() (any, error) {
		l, err := m.acquire(f.ctx)
		m.flightMu.Lock()
		if m.flight == f {
			m.flight = nil
		}
		m.flightMu.Unlock()
		f.cancel()
		return l, err
	})
	return f, ch
}

// leave снимает ждущего; последний ушедший отменяет общий запрос.
func (m *Manager) leave(f *flight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if m.flight == f {
		m.flight = nil
	}
	f.cancel()
}

func (m *Manager) acquire(ctx context.Context) (Lease, error) {
	identity, err := m.fetchRemote(ctx)
	switch {
	case err == nil:
		lease := Lease{Identity: identity, Source: SourceRemote, AcquiredAt: time.Now()}
		m.publishAcquired(lease)
		return lease, nil
	case errors.Is(err, ErrNoCapacity):
		m.logger.Warn("сервис аренды: нет свободных линий")
		m.sink.Publish(events.New(events.ScopeLease, events.LeaseNoCapacity, nil))
		return Lease{}, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Lease{}, ctxErr
	}

	m.logger.Warn("сервис аренды недоступен, используем локальный пул", slog.Any("error", err))
	lease, poolErr := m.fromPool(ctx)
	if poolErr != nil {
		if ctx.Err() == nil {
			m.sink.Publish(events.New(events.ScopeLease, events.LeaseFailed, map[string]any{
				"error":  poolErr.Error(),
				"remote": err.Error(),
			}))
		}
		return Lease{}, poolErr
	}
	m.publishAcquired(lease)
	return lease, nil
}

// fromPool выдаёт pool[cursor % len] и сохраняет следующий курсор
func (m *Manager) fromPool(ctx context.Context) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.cfg.Extensions)
	if n == 0 {
		return Lease{}, ErrNoIdentities
	}

	cur, ok, err := m.store.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Lease{}, ctx.Err()
		}
		m.logger.Warn("не удалось прочитать курсор пула", slog.Any("error", err))
		ok = false
	}
	if !ok {
		cur = m.defaultIndex()
	}

	idx := ((cur % n) + n) % n
	ext := m.cfg.Extensions[idx]

	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	next := (idx + 1) % n
	if err := m.store.Save(ctx, next); err != nil {
		if ctx.Err() != nil {
			return Lease{}, ctx.Err()
		}
		m.logger.Warn("не удалось сохранить курсор пула", slog.Any("error", err), slog.Int("cursor", next))
	}

	m.logger.Info("линия выдана из локального пула",
		slog.String("extension", ext.Extension),
		slog.Int("index", idx),
		slog.Int("next", next))

	return Lease{
		Identity: signaling.Identity{
			Extension:        ext.Extension,
			Credential:       ext.Password,
			TransportAddress: m.cfg.TransportAddress,
		},
		Source:     SourcePool,
		AcquiredAt: time.Now(),
	}, nil
}

func (m *Manager) defaultIndex() int {
	for i, ext := range m.cfg.Extensions {
		if ext.Extension == m.cfg.DefaultExtension {
			return i
		}
	}
	return 0
}

func (m *Manager) publishAcquired(l Lease) {
	m.logger.Info("линия получена",
		slog.String("extension", l.Identity.Extension),
		slog.String("source", l.Source.String()))
	m.sink.Publish(events.New(events.ScopeLease, events.LeaseAcquired, map[string]any{
		"extension": l.Identity.Extension,
		"source":    l.Source.String(),
	}))
}

// Validate проверяет конфигурацию аренды
func (c Config) Validate() error {
	if c.BaseURL == "" && len(c.Extensions) == 0 {
		return errors.New("не задан ни сервис аренды, ни локальный пул линий")
	}
	seen := make(map[string]bool, len(c.Extensions))
	for i, ext := range c.Extensions {
		if ext.Extension == "" {
			return fmt.Errorf("линия пула #%d без номера", i)
		}
		if seen[ext.Extension] {
			return fmt.Errorf("линия %s указана в пуле дважды", ext.Extension)
		}
		seen[ext.Extension] = true
	}
	if len(c.Extensions) > 0 && c.TransportAddress == "" {
		return errors.New("не задан адрес транспорта для линий пула")
	}
	return nil
}
