package dialplan

import (
	"errors"
	"fmt"
)

// Plan правила набора для одного домена
type Plan struct {
	// CountryID код страны без '+', например "55"
	CountryID string
	// Domain SIP домен, к которому адресуются исходящие вызовы
	Domain string
}

// Destination результат разбора введённого номера
type Destination struct {
	Raw       string
	Canonical string
	Dialable  string
	Kind      Kind
	// Target SIP URI вида sip:<dialable>@<domain>
	Target string
}

// Validate проверяет правила набора
func (p Plan) Validate() error {
	if p.Domain == "" {
		return errors.New("не задан SIP домен")
	}
	if p.CountryID != "" && !isDigits(p.CountryID) {
		return fmt.Errorf("код страны должен состоять из цифр: %q", p.CountryID)
	}
	return nil
}

// Resolve нормализует ввод и строит адрес назначения
func (p Plan) Resolve(raw string) (Destination, error) {
	canonical, err := Normalize(raw)
	if err != nil {
		return Destination{}, err
	}
	dialable := ToDialable(canonical, p.CountryID)
	return Destination{
		Raw:       raw,
		Canonical: canonical,
		Dialable:  dialable,
		Kind:      Classify(canonical),
		Target:    p.Target(dialable),
	}, nil
}

// Target строит SIP URI для набираемого номера
func (p Plan) Target(dialable string) string {
	return fmt.Sprintf("sip:%s@%s", dialable, p.Domain)
}
