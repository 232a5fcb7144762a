// Package events телеметрия софтфона: структурированные записи о жизненном
// цикле линии и вызовов и приёмники для них. Приёмники только наблюдают,
// на управление они не влияют и не должны блокировать вызывающего.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Scope подсистема, породившая событие
type Scope string

const (
	ScopeLease        Scope = "lease"
	ScopeRegistration Scope = "registration"
	ScopeCall         Scope = "call"
	ScopePhone        Scope = "phone"
)

// Имена событий
const (
	LeaseAcquired   = "lease_acquired"
	LeaseNoCapacity = "lease_no_capacity"
	LeaseFailed     = "lease_failed"

	RegistrationStateChanged = "state_changed"

	CallStateChanged     = "state_changed"
	CallGlareRejected    = "glare_rejected"
	CallOriginateRefused = "originate_refused"
	CallUnblocked        = "unblocked"
	CallDigitSent        = "digit_sent"

	PhoneStarted = "started"
	PhoneStopped = "stopped"
)

// Event запись о событии
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Seq       uint64         `json:"seq,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Scope     Scope          `json:"scope"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New создаёт событие с новым идентификатором и текущим временем
func New(scope Scope, name string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		Name:      name,
		Payload:   payload,
	}
}

// String возвращает полное имя события вида scope.name
func (e Event) String() string {
	return string(e.Scope) + "." + e.Name
}

// Str возвращает строковое поле полезной нагрузки
func (e Event) Str(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
