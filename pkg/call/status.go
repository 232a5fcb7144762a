package call

import (
	"fmt"

	"github.com/arzzra/soft_phone/pkg/signaling"
)

const textBlocked = "Вызов заблокирован: смените номер назначения"

// Status снимок состояния вызова для пользовательского интерфейса.
// Text пустой, когда отображать нечего и показывается статус линии.
type Status struct {
	State     State               `json:"state"`
	SessionID signaling.SessionID `json:"session_id,omitempty"`
	Direction string              `json:"direction,omitempty"`
	Remote    string              `json:"remote,omitempty"`
	Cause     *signaling.Cause    `json:"cause,omitempty"`
	Blocked   bool                `json:"blocked"`
	Text      string              `json:"text,omitempty"`
	ShowError bool                `json:"show_error"`
}

// Status возвращает снимок состояния
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:     StateIdle,
		Blocked:   m.blocked,
		Text:      m.text,
		ShowError: m.showError,
	}
	if s := m.current; s != nil {
		st.State = s.state()
		st.SessionID = s.id
		st.Direction = s.direction.String()
		st.Remote = s.display
		if s.cause != nil {
			c := *s.cause
			st.Cause = &c
		}
	}
	return st
}

// refreshTextLocked пересчитывает текст статуса по состоянию вызова
func (m *Manager) refreshTextLocked() {
	s := m.current
	if s == nil {
		m.text, m.showError = "", false
		return
	}

	switch s.state() {
	case StateDialing:
		m.text, m.showError = fmt.Sprintf("Вызов %s...", s.display), false
	case StateProgressing:
		if s.direction == signaling.Incoming {
			m.text = fmt.Sprintf("Входящий вызов от %s", s.display)
		} else {
			m.text = fmt.Sprintf("Вызов %s: идёт соединение", s.display)
		}
		m.showError = false
	case StateAccepted:
		m.text, m.showError = "Соединено", false
	case StateConfirmed:
		m.text, m.showError = "Идёт разговор", false
	case StateEnded:
		m.text, m.showError = "Вызов завершён", false
	case StateRejected:
		m.text, m.showError = "Вызов отклонён", true
	case StateFailed:
		reason := "неизвестная ошибка"
		if s.cause != nil && s.cause.String() != "" {
			reason = s.cause.String()
		}
		m.text, m.showError = "Ошибка вызова: "+reason, true
	default:
		m.text, m.showError = "", false
	}
}
