// Package signaling описывает границу между контроллерами софтфона и SIP стеком:
// учётную запись, события транспорта и сессий, интерфейс конечной точки.
package signaling

import (
	"errors"
	"fmt"
	"strings"
)

// Identity учётная запись, под которой регистрируется конечная точка.
// Значение неизменяемо и живёт до завершения или перерегистрации.
type Identity struct {
	// Extension номер внутренней линии (имя пользователя SIP)
	Extension string `json:"extension"`
	// Credential пароль для digest авторизации
	Credential string `json:"-"`
	// TransportAddress адрес сигнального транспорта, например wss://host:8089/ws
	TransportAddress string `json:"transport_address"`
}

// Validate проверяет заполненность учётной записи
func (i Identity) Validate() error {
	if strings.TrimSpace(i.Extension) == "" {
		return errors.New("не задан номер линии")
	}
	if i.TransportAddress == "" {
		return fmt.Errorf("не задан адрес транспорта для линии %s", i.Extension)
	}
	return nil
}

// String возвращает представление без пароля
func (i Identity) String() string {
	return fmt.Sprintf("%s@%s", i.Extension, i.TransportAddress)
}

// SessionID идентификатор сессии вызова
type SessionID string

// Direction направление вызова
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Originator сторона, завершившая сессию
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)
