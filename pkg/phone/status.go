package phone

import (
	"errors"
	"fmt"

	"github.com/arzzra/soft_phone/pkg/call"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/arzzra/soft_phone/pkg/registration"
)

// LineStatus состояние линии
type LineStatus struct {
	registration.Snapshot
	// Source происхождение линии: remote или pool
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

// Status снимок для пользовательского интерфейса. Источник истины
// Call.State и Call.Blocked, тексты производные.
type Status struct {
	Line      LineStatus  `json:"line"`
	Call      call.Status `json:"call"`
	Target    string      `json:"target"`
	Text      string      `json:"text"`
	ShowError bool        `json:"show_error"`
}

// Status возвращает снимок состояния
func (p *Phone) Status() Status {
	p.mu.Lock()
	l, leaseErr, target := p.lease, p.leaseErr, p.target
	p.mu.Unlock()

	line := LineStatus{Snapshot: p.reg.Snapshot()}
	if l != nil {
		line.Source = l.Source.String()
	}
	text, showError := lineText(line, leaseErr)
	line.Text = text

	st := Status{
		Line:      line,
		Call:      p.calls.Status(),
		Target:    target,
		Text:      line.Text,
		ShowError: showError,
	}
	if st.Call.Text != "" {
		st.Text, st.ShowError = st.Call.Text, st.Call.ShowError
	}
	return st
}

func lineText(line LineStatus, leaseErr error) (string, bool) {
	switch {
	case errors.Is(leaseErr, lease.ErrNoCapacity):
		return "Нет свободных линий", true
	case leaseErr != nil:
		return "Не удалось получить линию", true
	}

	switch line.State {
	case registration.StateConnecting:
		if line.Source == lease.SourcePool.String() {
			return "Сервис аренды недоступен, используется линия из пула", false
		}
		return "Подключение...", false
	case registration.StateConnected:
		return "Подключено к серверу", false
	case registration.StateRegistered:
		return fmt.Sprintf("Зарегистрирован как %s", line.Extension), false
	case registration.StateRegistrationFailed:
		return "Ошибка регистрации: " + line.Reason, true
	case registration.StateUnregistered:
		return "Не зарегистрирован", false
	default:
		if line.Reason != "" && line.Reason != "shutdown" {
			return "Нет соединения: " + line.Reason, true
		}
		return "Отключено", false
	}
}
