// Package config загружает конфигурацию софтфона из YAML файла и
// переменных окружения SOFTPHONE_* и раскладывает её по компонентам.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/arzzra/soft_phone/pkg/call"
	"github.com/arzzra/soft_phone/pkg/dialplan"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/arzzra/soft_phone/pkg/signaling/sipua"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "SOFTPHONE"

// Драйверы хранилища курсора пула
const (
	CursorMemory = "memory"
	CursorSQLite = "sqlite"
	CursorRedis  = "redis"
)

// Config конфигурация софтфона
type Config struct {
	SIP    SIPConfig    `mapstructure:"sip"`
	Lease  LeaseConfig  `mapstructure:"lease"`
	Call   CallConfig   `mapstructure:"call"`
	Phone  PhoneConfig  `mapstructure:"phone"`
	Cursor CursorConfig `mapstructure:"cursor"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
}

// SIPConfig параметры линии и SIP стека
type SIPConfig struct {
	Domain         string        `mapstructure:"domain"`
	WSSURL         string        `mapstructure:"wss_url"`
	CountryID      string        `mapstructure:"country_id"`
	UserAgent      string        `mapstructure:"user_agent"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	ContactHost    string        `mapstructure:"contact_host"`
	MediaHost      string        `mapstructure:"media_host"`
	MediaPort      int           `mapstructure:"media_port"`
	RegisterExpiry time.Duration `mapstructure:"register_expiry"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LeaseConfig сервис аренды и локальный пул
type LeaseConfig struct {
	BaseURL          string            `mapstructure:"base_url"`
	DefaultExtension string            `mapstructure:"default_extension"`
	Extensions       []lease.Extension `mapstructure:"extensions"`
	RequestTimeout   time.Duration     `mapstructure:"request_timeout"`
}

// CallConfig параметры менеджера вызовов
type CallConfig struct {
	FailureStatusReset time.Duration `mapstructure:"failure_status_reset"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
}

// PhoneConfig параметры запуска
type PhoneConfig struct {
	// InitialTarget номер назначения при старте
	InitialTarget string `mapstructure:"initial_target"`
	// AcquireTimeout ограничение на получение линии
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// ReadyTimeout ожидание регистрации при старте, 0 без ожидания
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// ShutdownTimeout ограничение на остановку
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CursorConfig хранилище позиции обхода пула
type CursorConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
	Name     string `mapstructure:"name"`
}

// HTTPConfig HTTP интерфейс управления и телеметрии
type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	EventHistory int    `mapstructure:"event_history"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load читает конфигурацию. Пустой path ищет softphone.yaml в текущем
// каталоге и /etc/softphone. Отсутствие файла не ошибка.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("softphone")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/softphone")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("чтение конфигурации: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sip.domain", "")
	v.SetDefault("sip.wss_url", "")
	v.SetDefault("sip.country_id", "55")
	v.SetDefault("sip.user_agent", sipua.DefaultUserAgent)
	v.SetDefault("sip.listen_addr", "")
	v.SetDefault("sip.contact_host", "")
	v.SetDefault("sip.media_host", "")
	v.SetDefault("sip.media_port", sipua.DefaultMediaPort)
	v.SetDefault("sip.register_expiry", sipua.DefaultRegisterExpiry)
	v.SetDefault("sip.retry_interval", sipua.DefaultRetryInterval)
	v.SetDefault("sip.request_timeout", sipua.DefaultRequestTimeout)

	v.SetDefault("lease.base_url", "")
	v.SetDefault("lease.default_extension", "3000")
	v.SetDefault("lease.request_timeout", "5s")

	v.SetDefault("call.failure_status_reset", call.DefaultFailureStatusReset)
	v.SetDefault("call.operation_timeout", call.DefaultOperationTimeout)

	v.SetDefault("phone.initial_target", "")
	v.SetDefault("phone.acquire_timeout", "10s")
	v.SetDefault("phone.ready_timeout", "0s")
	v.SetDefault("phone.shutdown_timeout", "5s")

	v.SetDefault("cursor.driver", CursorMemory)
	v.SetDefault("cursor.path", "data/cursor.db")
	v.SetDefault("cursor.redis_url", "")
	v.SetDefault("cursor.name", "default")

	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.event_history", 512)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if err := c.Plan().Validate(); err != nil {
		return err
	}
	if err := c.SIPEndpoint().Validate(); err != nil {
		return err
	}
	if len(c.Lease.Extensions) > 0 && c.SIP.WSSURL == "" {
		return errors.New("для локального пула нужен sip.wss_url")
	}
	if c.Lease.BaseURL == "" && len(c.Lease.Extensions) == 0 {
		return errors.New("не задан ни сервис аренды, ни локальный пул линий")
	}
	for i, ext := range c.Lease.Extensions {
		if strings.TrimSpace(ext.Extension) == "" {
			return fmt.Errorf("линия пула #%d без номера", i)
		}
	}

	switch c.Cursor.Driver {
	case CursorMemory:
	case CursorSQLite:
		if c.Cursor.Path == "" {
			return errors.New("для cursor.driver=sqlite нужен cursor.path")
		}
	case CursorRedis:
		if c.Cursor.RedisURL == "" {
			return errors.New("для cursor.driver=redis нужен cursor.redis_url")
		}
	default:
		return fmt.Errorf("неизвестный драйвер курсора %q", c.Cursor.Driver)
	}

	if c.HTTP.Addr != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
			return fmt.Errorf("некорректный http.addr %q: %w", c.HTTP.Addr, err)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("неизвестный формат лога %q", c.Log.Format)
	}
	return nil
}

// Plan правила набора
func (c *Config) Plan() dialplan.Plan {
	return dialplan.Plan{CountryID: c.SIP.CountryID, Domain: c.SIP.Domain}
}

// SIPEndpoint конфигурация SIP конечной точки
func (c *Config) SIPEndpoint() sipua.Config {
	return sipua.Config{
		Domain:         c.SIP.Domain,
		UserAgent:      c.SIP.UserAgent,
		ListenAddr:     c.SIP.ListenAddr,
		ContactHost:    c.SIP.ContactHost,
		MediaHost:      c.SIP.MediaHost,
		MediaPort:      c.SIP.MediaPort,
		RegisterExpiry: c.SIP.RegisterExpiry,
		RetryInterval:  c.SIP.RetryInterval,
		RequestTimeout: c.SIP.RequestTimeout,
	}
}

// LeaseManager конфигурация аренды линий
func (c *Config) LeaseManager() lease.Config {
	return lease.Config{
		BaseURL:          c.Lease.BaseURL,
		TransportAddress: c.SIP.WSSURL,
		Extensions:       c.Lease.Extensions,
		DefaultExtension: c.Lease.DefaultExtension,
		RequestTimeout:   c.Lease.RequestTimeout,
	}
}

// CallManager конфигурация менеджера вызовов
func (c *Config) CallManager() call.Config {
	return call.Config{
		Plan:               c.Plan(),
		FailureStatusReset: c.Call.FailureStatusReset,
		OperationTimeout:   c.Call.OperationTimeout,
	}
}

// SlogLevel уровень логирования
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("неизвестный уровень лога %q", l.Level)
	}
	return level, nil
}
