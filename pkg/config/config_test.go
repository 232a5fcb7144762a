package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arzzra/soft_phone/pkg/config"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
sip:
  domain: pbx.example.com
  wss_url: wss://pbx.example.com:8089/ws
  media_port: 4100
  register_expiry: 300s
lease:
  base_url: https://pbx.example.com/ami
  default_extension: "3001"
  extensions:
    - extension: "3000"
      password: secret0
    - extension: "3001"
      password: secret1
cursor:
  driver: sqlite
  path: /var/lib/softphone/cursor.db
phone:
  initial_target: "11987654321"
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "pbx.example.com", cfg.SIP.Domain)
	assert.Equal(t, "55", cfg.SIP.CountryID, "значение по умолчанию")
	assert.Equal(t, 4100, cfg.SIP.MediaPort)
	assert.Equal(t, 300*time.Second, cfg.SIP.RegisterExpiry)
	assert.Equal(t, []lease.Extension{
		{Extension: "3000", Password: "secret0"},
		{Extension: "3001", Password: "secret1"},
	}, cfg.Lease.Extensions)
	assert.Equal(t, config.CursorSQLite, cfg.Cursor.Driver)
	assert.Equal(t, "11987654321", cfg.Phone.InitialTarget)
	assert.Equal(t, 10*time.Second, cfg.Phone.AcquireTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	plan := cfg.Plan()
	assert.Equal(t, "55", plan.CountryID)
	assert.Equal(t, "pbx.example.com", plan.Domain)

	lc := cfg.LeaseManager()
	assert.Equal(t, "https://pbx.example.com/ami", lc.BaseURL)
	assert.Equal(t, "wss://pbx.example.com:8089/ws", lc.TransportAddress)
	assert.Equal(t, "3001", lc.DefaultExtension)
	assert.Equal(t, 5*time.Second, lc.RequestTimeout)

	sc := cfg.SIPEndpoint()
	assert.Equal(t, "pbx.example.com", sc.Domain)
	assert.Equal(t, "SoftPhone/1.0", sc.UserAgent)
	assert.NoError(t, sc.Validate())

	cc := cfg.CallManager()
	assert.Equal(t, plan, cc.Plan)
	assert.Equal(t, 4*time.Second, cc.FailureStatusReset)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SOFTPHONE_SIP_DOMAIN", "other.example.com")
	t.Setenv("SOFTPHONE_CURSOR_DRIVER", "memory")
	t.Setenv("SOFTPHONE_CALL_FAILURE_STATUS_RESET", "2s")

	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "other.example.com", cfg.SIP.Domain)
	assert.Equal(t, config.CursorMemory, cfg.Cursor.Driver)
	assert.Equal(t, 2*time.Second, cfg.Call.FailureStatusReset)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "нет домена", yaml: `
lease:
  base_url: https://pbx.example.com/ami
`},
		{name: "нет источника линий", yaml: `
sip:
  domain: pbx.example.com
`},
		{name: "пул без транспорта", yaml: `
sip:
  domain: pbx.example.com
lease:
  extensions:
    - extension: "3000"
`},
		{name: "линия без номера", yaml: `
sip:
  domain: pbx.example.com
  wss_url: wss://pbx.example.com/ws
lease:
  extensions:
    - password: x
`},
		{name: "redis без адреса", yaml: `
sip:
  domain: pbx.example.com
lease:
  base_url: https://pbx.example.com/ami
cursor:
  driver: redis
`},
		{name: "неизвестный драйвер", yaml: `
sip:
  domain: pbx.example.com
lease:
  base_url: https://pbx.example.com/ami
cursor:
  driver: etcd
`},
		{name: "плохой код страны", yaml: `
sip:
  domain: pbx.example.com
  country_id: "+55"
lease:
  base_url: https://pbx.example.com/ami
`},
		{name: "плохой уровень лога", yaml: `
sip:
  domain: pbx.example.com
lease:
  base_url: https://pbx.example.com/ami
log:
  level: verbose
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLeasingOnly(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
sip:
  domain: pbx.example.com
lease:
  base_url: https://pbx.example.com/ami
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Lease.Extensions)
	assert.Equal(t, config.CursorMemory, cfg.Cursor.Driver)
}
