package sipua

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Значения по умолчанию
const (
	DefaultUserAgent         = "SoftPhone/1.0"
	DefaultDisplayNamePrefix = "WebRTC"
	DefaultRegisterExpiry    = 600 * time.Second
	DefaultRetryInterval     = 5 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultMediaPort         = 4000
	DefaultDTMFDuration      = 160 * time.Millisecond
)

// Config параметры SIP конечной точки
type Config struct {
	// Domain SIP домен регистратора, используется в AOR и Request-URI
	Domain string
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// DisplayNamePrefix префикс отображаемого имени, к нему добавляется номер линии
	DisplayNamePrefix string
	// ListenAddr локальный адрес для входящих запросов, пусто без слушателя
	ListenAddr string
	// ContactHost адрес, который объявляется в Contact и Via
	ContactHost string
	// ContactPort порт для Contact, 0 без порта
	ContactPort int
	// MediaHost адрес в SDP, по умолчанию ContactHost
	MediaHost string
	// MediaPort порт аудио в SDP
	MediaPort int
	// RegisterExpiry запрашиваемое время жизни регистрации
	RegisterExpiry time.Duration
	// RetryInterval пауза перед повторной регистрацией после ошибки транспорта
	RetryInterval time.Duration
	// RequestTimeout ограничение на BYE, CANCEL, INFO и снятие регистрации
	RequestTimeout time.Duration
	// DTMFDuration длительность тона в INFO
	DTMFDuration time.Duration
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return errors.New("не задан SIP домен")
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("некорректный адрес прослушивания %q: %w", c.ListenAddr, err)
		}
	}
	if c.MediaPort < 0 || c.MediaPort > 65535 {
		return fmt.Errorf("некорректный порт медиа: %d", c.MediaPort)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.DisplayNamePrefix == "" {
		c.DisplayNamePrefix = DefaultDisplayNamePrefix
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = DefaultRegisterExpiry
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MediaPort == 0 {
		c.MediaPort = DefaultMediaPort
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = DefaultDTMFDuration
	}
	if c.ContactHost == "" && c.ListenAddr != "" {
		if host, port, err := net.SplitHostPort(c.ListenAddr); err == nil && host != "" && host != "0.0.0.0" && host != "::" {
			c.ContactHost = host
			if c.ContactPort == 0 {
				c.ContactPort, _ = strconv.Atoi(port)
			}
		}
	}
	if c.MediaHost == "" {
		c.MediaHost = c.ContactHost
	}
	if c.MediaHost == "" {
		c.MediaHost = "127.0.0.1"
	}
	return c
}

// displayName отображаемое имя линии, например "WebRTC 3000"
func (c Config) displayName(extension string) string {
	return c.DisplayNamePrefix + " " + extension
}

// transportTarget куда отправляются все запросы: транспорт sipgo и адрес прокси
type transportTarget struct {
	transport string
	host      string
	port      int
}

func (t transportTarget) hostport() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

var defaultPorts = map[string]int{
	"UDP": 5060,
	"TCP": 5060,
	"TLS": 5061,
	"WS":  80,
	"WSS": 443,
}

// parseTransportAddress разбирает адрес транспорта линии.
// Поддерживаются URL вида wss://host:port/path, ws://, udp://, tcp://, tls://
// и голый host[:port], который означает UDP.
func parseTransportAddress(addr string) (transportTarget, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return transportTarget{}, errors.New("пустой адрес транспорта")
	}

	transport, hostport := "UDP", addr
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return transportTarget{}, fmt.Errorf("некорректный адрес транспорта %q: %w", addr, err)
		}
		transport = strings.ToUpper(u.Scheme)
		hostport = u.Host
	}

	defPort, ok := defaultPorts[transport]
	if !ok {
		return transportTarget{}, fmt.Errorf("неподдерживаемый транспорт %q", transport)
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// порт не указан
		host, portStr = strings.Trim(hostport, "[]"), ""
	}
	if host == "" {
		return transportTarget{}, fmt.Errorf("не указан хост в адресе транспорта %q", addr)
	}

	port := defPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return transportTarget{}, fmt.Errorf("некорректный порт в адресе транспорта %q", addr)
		}
	}

	return transportTarget{transport: transport, host: host, port: port}, nil
}
