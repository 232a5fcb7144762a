// Package dialplan приводит введённый пользователем номер к каноническому виду
// и формирует из него набираемый номер и SIP адрес назначения.
package dialplan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidNumber возвращается, если после нормализации от номера ничего не осталось
var ErrInvalidNumber = errors.New("невалидный номер")

// Kind класс канонического номера
type Kind int

const (
	KindOther         Kind = iota // не подходит ни под одно правило
	KindInternal                  // внутренний номер АТС, 8-9 цифр
	KindNational                  // национальный номер, 10-11 цифр
	KindPrefixed                  // номер с кодом страны, 12-13 цифр
	KindInternational             // номер в формате +<цифры>
)

// String возвращает строковое представление класса номера
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindNational:
		return "national"
	case KindPrefixed:
		return "prefixed"
	case KindInternational:
		return "international"
	default:
		return "other"
	}
}

// Normalize убирает из ввода всё, кроме цифр. Ведущий '+' сохраняется.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidNumber
	}

	international := strings.HasPrefix(s, "+")
	digits := onlyDigits(s)
	if digits == "" {
		return "", fmt.Errorf("%w: %q не содержит цифр", ErrInvalidNumber, raw)
	}
	if international {
		return "+" + digits, nil
	}
	return digits, nil
}

// Classify определяет класс канонического номера
func Classify(canonical string) Kind {
	if strings.HasPrefix(canonical, "+") {
		return KindInternational
	}
	if !isDigits(canonical) {
		return KindOther
	}
	switch n := len(canonical); {
	case n >= 8 && n <= 9:
		return KindInternal
	case n >= 10 && n <= 11:
		return KindNational
	case n >= 12 && n <= 13:
		return KindPrefixed
	default:
		return KindOther
	}
}

// ToDialable превращает канонический номер в набираемый.
// Правила применяются по порядку, первое подходящее выигрывает.
// Номер, не подошедший ни под одно правило, набирается как есть.
func ToDialable(canonical, countryID string) string {
	if strings.HasPrefix(canonical, "+") {
		return canonical
	}
	if !isDigits(canonical) {
		return canonical
	}

	n := len(canonical)
	switch {
	case n >= 8 && n <= 9:
		return canonical
	case n >= 10 && n <= 11:
		return "+" + countryID + canonical
	case countryID != "" && strings.HasPrefix(canonical, countryID) &&
		n-len(countryID) >= 10 && n-len(countryID) <= 11:
		return "+" + canonical
	case n >= 12 && n <= 15:
		return "+" + canonical
	default:
		return canonical
	}
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
