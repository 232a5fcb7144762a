package call

import (
	"fmt"

	"github.com/arzzra/soft_phone/pkg/signaling"
)

// ErrorCategory категория ошибки вызова
type ErrorCategory string

const (
	ErrorCategoryPolicy     ErrorCategory = "POLICY"
	ErrorCategoryState      ErrorCategory = "STATE"
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	ErrorCategoryTransport  ErrorCategory = "TRANSPORT"
)

// ErrorCode код ошибки вызова
type ErrorCode string

const (
	CodeBlocked            ErrorCode = "BLOCKED"
	CodeNotReady           ErrorCode = "NOT_READY"
	CodeAlreadyActive      ErrorCode = "ALREADY_ACTIVE"
	CodeNotActive          ErrorCode = "NOT_ACTIVE"
	CodeNoActiveSession    ErrorCode = "NO_ACTIVE_SESSION"
	CodeInvalidDestination ErrorCode = "INVALID_DESTINATION"
	CodeInvalidDigit       ErrorCode = "INVALID_DIGIT"
	CodeFailed             ErrorCode = "FAILED"
)

// Error структурированная ошибка операции над вызовом.
// errors.Is сравнивает ошибки по коду, поэтому обёрнутый экземпляр
// совпадает со своим образцом.
type Error struct {
	Code        ErrorCode           `json:"code"`
	Message     string              `json:"message"`
	Category    ErrorCategory       `json:"category"`
	SessionID   signaling.SessionID `json:"session_id,omitempty"`
	Cause       error               `json:"-"`
	UserVisible bool                `json:"user_visible"`
	Fields      map[string]any      `json:"fields,omitempty"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет добраться до исходной ошибки
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает по коду
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithCause возвращает копию ошибки с исходной причиной
func (e *Error) WithCause(cause error) *Error {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithSession возвращает копию ошибки с идентификатором сессии
func (e *Error) WithSession(id signaling.SessionID) *Error {
	c := e.clone()
	c.SessionID = id
	return c
}

// WithField возвращает копию ошибки с дополнительным полем
func (e *Error) WithField(key string, value any) *Error {
	c := e.clone()
	c.Fields[key] = value
	return c
}

func (e *Error) clone() *Error {
	c := *e
	c.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

func newError(code ErrorCode, category ErrorCategory, message string) *Error {
	return &Error{Code: code, Category: category, Message: message, UserVisible: true}
}

var (
	// ErrBlocked вызовы запрещены до смены номера назначения
	ErrBlocked = newError(CodeBlocked, ErrorCategoryPolicy, "вызов заблокирован до смены номера назначения")
	// ErrNotReady линия не готова к вызовам; причина в Cause
	ErrNotReady = newError(CodeNotReady, ErrorCategoryTransport, "линия не готова")
	// ErrAlreadyActive уже есть незавершённый вызов
	ErrAlreadyActive = newError(CodeAlreadyActive, ErrorCategoryState, "уже есть активный вызов")
	// ErrNotActive вызов не в состоянии разговора
	ErrNotActive = newError(CodeNotActive, ErrorCategoryState, "вызов не активен")
	// ErrNoActiveSession нет вызова для завершения
	ErrNoActiveSession = newError(CodeNoActiveSession, ErrorCategoryState, "нет активного вызова")
	// ErrInvalidDestination номер назначения не распознан
	ErrInvalidDestination = newError(CodeInvalidDestination, ErrorCategoryValidation, "некорректный номер назначения")
	// ErrInvalidDigit недопустимый тон DTMF
	ErrInvalidDigit = newError(CodeInvalidDigit, ErrorCategoryValidation, "недопустимый тон DTMF")
	// ErrFailed конечная точка не смогла выполнить операцию
	ErrFailed = newError(CodeFailed, ErrorCategoryTransport, "операция не выполнена")
)
