package registration

import "errors"

// State состояние регистрации линии
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateRegistered         State = "registered"
	StateRegistrationFailed State = "registration_failed"
	StateUnregistered       State = "unregistered"
)

// String возвращает строковое представление состояния
func (s State) String() string {
	return string(s)
}

// События автомата регистрации
const (
	eventStart              = "start"
	eventConnected          = "connected"
	eventDisconnected       = "disconnected"
	eventRegistered         = "registered"
	eventRegistrationFailed = "registration_failed"
	eventUnregistered       = "unregistered"
)

var (
	// ErrTransportUnavailable транспорт не подключён
	ErrTransportUnavailable = errors.New("транспорт недоступен")
	// ErrNotRegistered транспорт подключён, но регистрации нет
	ErrNotRegistered = errors.New("линия не зарегистрирована")
	// ErrAlreadyStarted повторный запуск контроллера
	ErrAlreadyStarted = errors.New("контроллер регистрации уже запущен")
	// ErrShutdown контроллер остановлен
	ErrShutdown = errors.New("контроллер регистрации остановлен")
)

// Snapshot снимок состояния регистрации
type Snapshot struct {
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Extension string `json:"extension,omitempty"`
	Transport string `json:"transport,omitempty"`
	Ready     bool   `json:"ready"`
}
