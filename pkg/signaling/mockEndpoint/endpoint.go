// Package mockEndpoint тестовая конечная точка: записывает вызовы методов
// и отдаёт события, которые тест публикует через Emit.
package mockEndpoint

import (
	"context"
	"sync"

	"github.com/arzzra/soft_phone/pkg/signaling"
)

// Termination запись о вызове Terminate
type Termination struct {
	ID     signaling.SessionID
	Code   int
	Reason string
}

// Digit запись о вызове SendDTMF
type Digit struct {
	ID    signaling.SessionID
	Digit rune
}

// Endpoint реализация signaling.Endpoint для тестов
type Endpoint struct {
	mu sync.Mutex

	events chan signaling.Event
	closed bool

	started      []signaling.Identity
	stopped      int
	calls        map[signaling.SessionID]string
	callOrder    []signaling.SessionID
	answered     []signaling.SessionID
	terminations []Termination
	digits       []Digit

	// Ошибки, которые вернут соответствующие методы
	StartErr     error
	CallErr      error
	AnswerErr    error
	TerminateErr error
	DTMFErr      error
}

// New создаёт тестовую конечную точку с буфером событий
func New() *Endpoint {
	return &Endpoint{
		events: make(chan signaling.Event, 64),
		calls:  make(map[signaling.SessionID]string),
	}
}

// Start реализует signaling.Endpoint
func (e *Endpoint) Start(_ context.Context, identity signaling.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.started = append(e.started, identity)
	return nil
}

// Stop реализует signaling.Endpoint
func (e *Endpoint) Stop(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped++
	return nil
}

// Call реализует signaling.Endpoint
func (e *Endpoint) Call(_ context.Context, id signaling.SessionID, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CallErr != nil {
		return e.CallErr
	}
	e.calls[id] = target
	e.callOrder = append(e.callOrder, id)
	return nil
}

// Answer реализует signaling.Endpoint
func (e *Endpoint) Answer(_ context.Context, id signaling.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.AnswerErr != nil {
		return e.AnswerErr
	}
	e.answered = append(e.answered, id)
	return nil
}

// Terminate реализует signaling.Endpoint
func (e *Endpoint) Terminate(_ context.Context, id signaling.SessionID, code int, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminations = append(e.terminations, Termination{ID: id, Code: code, Reason: reason})
	return e.TerminateErr
}

// SendDTMF реализует signaling.Endpoint
func (e *Endpoint) SendDTMF(_ context.Context, id signaling.SessionID, digit rune) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.DTMFErr != nil {
		return e.DTMFErr
	}
	e.digits = append(e.digits, Digit{ID: id, Digit: digit})
	return nil
}

// Events реализует signaling.Endpoint
func (e *Endpoint) Events() <-chan signaling.Event {
	return e.events
}

// Emit публикует событие в поток Events
func (e *Endpoint) Emit(ev signaling.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.events <- ev
}

// Close закрывает поток событий
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

// Started возвращает учётные записи, переданные в Start
func (e *Endpoint) Started() []signaling.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signaling.Identity(nil), e.started...)
}

// StopCount возвращает число вызовов Stop
func (e *Endpoint) StopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Calls возвращает идентификаторы исходящих сессий в порядке создания
func (e *Endpoint) Calls() []signaling.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signaling.SessionID(nil), e.callOrder...)
}

// Target возвращает адрес, с которым была создана исходящая сессия
func (e *Endpoint) Target(id signaling.SessionID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

// Answered возвращает принятые входящие сессии
func (e *Endpoint) Answered() []signaling.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signaling.SessionID(nil), e.answered...)
}

// Terminations возвращает вызовы Terminate
func (e *Endpoint) Terminations() []Termination {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Termination(nil), e.terminations...)
}

// Digits возвращает отправленные тоны
func (e *Endpoint) Digits() []Digit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Digit(nil), e.digits...)
}
