package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink приёмник событий. Publish не должен блокироваться.
type Sink interface {
	Publish(Event)
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(Event)

// Publish реализует Sink
func (f SinkFunc) Publish(e Event) { f(e) }

// Nop приёмник, отбрасывающий всё
var Nop Sink = SinkFunc(func(Event) {})

// OrNop возвращает s или Nop, если s не задан
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Bus рассылает событие всем подписанным приёмникам
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus создаёт шину с начальным набором приёмников
func NewBus(sinks ...Sink) *Bus {
	b := &Bus{}
	for _, s := range sinks {
		b.Subscribe(s)
	}
	return b
}

// Subscribe добавляет приёмник
func (b *Bus) Subscribe(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish реализует Sink
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(e)
	}
}

// Async развязывает медленный приёмник с издателем через ограниченную очередь.
// При переполнении событие отбрасывается и учитывается в Dropped.
type Async struct {
	next    Sink
	queue   chan Event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// NewAsync создаёт асинхронную обёртку с очередью размера size
func NewAsync(next Sink, size int) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{
		next:  OrNop(next),
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
}

// Run доставляет события до отмены ctx или Close
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case e := <-a.queue:
			a.next.Publish(e)
		}
	}
}

// Publish реализует Sink
func (a *Async) Publish(e Event) {
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped число отброшенных событий
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close останавливает доставку
func (a *Async) Close() {
	a.once.Do(func() { close(a.done) })
}

// LogSink пишет события в slog
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink создаёт приёмник, пишущий события с заданным уровнем
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events"), level: level}
}

// Publish реализует Sink
func (l *LogSink) Publish(e Event) {
	attrs := make([]slog.Attr, 0, len(e.Payload)+2)
	attrs = append(attrs, slog.String("event", e.String()), slog.String("event_id", e.ID.String()))
	for k, v := range e.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), l.level, "событие", attrs...)
}
