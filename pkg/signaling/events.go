package signaling

import (
	"fmt"
	"strings"
	"time"
)

// EventKind вид события конечной точки
type EventKind int

const (
	KindConnected EventKind = iota
	KindDisconnected
	KindRegistered
	KindRegistrationFailed
	KindUnregistered
	KindSessionCreated
	KindSessionProgress
	KindSessionAccepted
	KindSessionConfirmed
	KindSessionEnded
	KindSessionFailed
)

var kindNames = map[EventKind]string{
	KindConnected:          "connected",
	KindDisconnected:       "disconnected",
	KindRegistered:         "registered",
	KindRegistrationFailed: "registration_failed",
	KindUnregistered:       "unregistered",
	KindSessionCreated:     "session_created",
	KindSessionProgress:    "session_progress",
	KindSessionAccepted:    "session_accepted",
	KindSessionConfirmed:   "session_confirmed",
	KindSessionEnded:       "session_ended",
	KindSessionFailed:      "session_failed",
}

// String возвращает имя вида события
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Event событие конечной точки. Набор реализаций закрыт этим пакетом.
type Event interface {
	Kind() EventKind
	isEvent()
}

// SessionEvent событие, относящееся к конкретной сессии вызова
type SessionEvent interface {
	Event
	Session() SessionID
}

// Cause причина неуспешного или завершённого вызова
type Cause struct {
	Code       int        `json:"code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Originator Originator `json:"originator,omitempty"`
}

// IsRejection сообщает, является ли причина явным отказом вызываемой стороны
func (c Cause) IsRejection() bool {
	if c.Code == 603 || c.Code == 403 {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(c.Reason), "rejected")
}

// String возвращает представление причины для логов и статуса
func (c Cause) String() string {
	switch {
	case c.Code != 0 && c.Reason != "":
		return fmt.Sprintf("%d %s", c.Code, c.Reason)
	case c.Code != 0:
		return fmt.Sprintf("%d", c.Code)
	default:
		return c.Reason
	}
}

// Connected транспорт установил соединение
type Connected struct{}

// Disconnected транспорт потерял соединение
type Disconnected struct {
	Reason string
}

// Registered регистрация подтверждена сервером
type Registered struct {
	Expires time.Duration
}

// RegistrationFailed сервер отказал в регистрации или она не завершилась
type RegistrationFailed struct {
	Reason string
}

// Unregistered регистрация снята
type Unregistered struct{}

// SessionCreated появилась новая сессия: исходящая после Call или входящая от сервера
type SessionCreated struct {
	ID        SessionID
	Direction Direction
	Remote    string
}

// SessionProgress получен предварительный ответ (1xx)
type SessionProgress struct {
	ID   SessionID
	Code int
}

// SessionAccepted вызов принят (2xx отправлен или получен)
type SessionAccepted struct {
	ID SessionID
}

// SessionConfirmed диалог подтверждён ACK
type SessionConfirmed struct {
	ID SessionID
}

// SessionEnded установленный вызов завершён
type SessionEnded struct {
	ID    SessionID
	Cause Cause
}

// SessionFailed вызов не состоялся
type SessionFailed struct {
	ID    SessionID
	Cause Cause
}

func (Connected) Kind() EventKind          { return KindConnected }
func (Disconnected) Kind() EventKind       { return KindDisconnected }
func (Registered) Kind() EventKind         { return KindRegistered }
func (RegistrationFailed) Kind() EventKind { return KindRegistrationFailed }
func (Unregistered) Kind() EventKind       { return KindUnregistered }
func (SessionCreated) Kind() EventKind     { return KindSessionCreated }
func (SessionProgress) Kind() EventKind    { return KindSessionProgress }
func (SessionAccepted) Kind() EventKind    { return KindSessionAccepted }
func (SessionConfirmed) Kind() EventKind   { return KindSessionConfirmed }
func (SessionEnded) Kind() EventKind       { return KindSessionEnded }
func (SessionFailed) Kind() EventKind      { return KindSessionFailed }

func (Connected) isEvent()          {}
func (Disconnected) isEvent()       {}
func (Registered) isEvent()         {}
func (RegistrationFailed) isEvent() {}
func (Unregistered) isEvent()       {}
func (SessionCreated) isEvent()     {}
func (SessionProgress) isEvent()    {}
func (SessionAccepted) isEvent()    {}
func (SessionConfirmed) isEvent()   {}
func (SessionEnded) isEvent()       {}
func (SessionFailed) isEvent()      {}

func (e SessionCreated) Session() SessionID   { return e.ID }
func (e SessionProgress) Session() SessionID  { return e.ID }
func (e SessionAccepted) Session() SessionID  { return e.ID }
func (e SessionConfirmed) Session() SessionID { return e.ID }
func (e SessionEnded) Session() SessionID     { return e.ID }
func (e SessionFailed) Session() SessionID    { return e.ID }

// IsSessionEvent сообщает, относится ли событие к сессии вызова
func IsSessionEvent(ev Event) bool {
	_, ok := ev.(SessionEvent)
	return ok
}
