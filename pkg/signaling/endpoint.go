package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownSession сессия с таким идентификатором не найдена
	ErrUnknownSession = errors.New("неизвестная сессия")
	// ErrNotStarted конечная точка не запущена
	ErrNotStarted = errors.New("конечная точка не запущена")
	// ErrInvalidDigit недопустимый символ DTMF
	ErrInvalidDigit = errors.New("недопустимый символ DTMF")
)

// Endpoint сигнальная конечная точка (SIP user agent).
//
// Методы не ждут сетевых ответов: результат сообщается событиями из Events.
// Реализация не должна отправлять события в канал синхронно внутри вызова
// своих методов, вызывающий может удерживать блокировку.
type Endpoint interface {
	// Start подключает транспорт и запускает регистрацию под identity
	Start(ctx context.Context, identity Identity) error
	// Stop снимает регистрацию и закрывает транспорт. Повторный вызов безопасен.
	Stop(ctx context.Context) error
	// Call создаёт исходящую сессию с заданным идентификатором
	Call(ctx context.Context, id SessionID, target string) error
	// Answer принимает входящую сессию
	Answer(ctx context.Context, id SessionID) error
	// Terminate завершает сессию. Код 0 означает выбор по состоянию сессии.
	Terminate(ctx context.Context, id SessionID, code int, reason string) error
	// SendDTMF отправляет один тон в установленную сессию
	SendDTMF(ctx context.Context, id SessionID, digit rune) error
	// Events поток событий транспорта, регистрации и сессий
	Events() <-chan Event
}

// ValidateDigit проверяет символ DTMF: 0-9, *, #, A-D
func ValidateDigit(digit rune) error {
	switch {
	case digit >= '0' && digit <= '9', digit == '*', digit == '#':
		return nil
	case strings.ContainsRune("ABCDabcd", digit):
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDigit, digit)
	}
}
