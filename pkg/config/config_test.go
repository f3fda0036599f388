package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_server/pkg/format"
	"github.com/arzzra/media_server/pkg/pool"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	formats, err := cfg.OfferedFormats()
	require.NoError(t, err)
	assert.Equal(t, format.AVProfile().PayloadTypes(), formats.PayloadTypes())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Media.MinPort, cfg.Media.MinPort)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeFile(t, `
media:
  host: 127.0.0.1
  min_port: 30000
  max_port: 30100
  max_sessions: 10
  codecs: [PCMA, PCMU]
  dtmf_payload_type: 96
  ptime: 30ms
transport:
  dscp: 0
  strict_source: true
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Media.Host)
	assert.Equal(t, uint16(30000), cfg.Media.MinPort)
	assert.Equal(t, 30*time.Millisecond, cfg.Media.Ptime)
	assert.True(t, cfg.Transport.StrictSource)
	assert.Equal(t, 2, cfg.Media.PortStep, "не указанные поля сохраняют значения по умолчанию")

	formats, err := cfg.OfferedFormats()
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 8, 96}, formats.PayloadTypes())
	te, ok := formats.Find(96)
	require.True(t, ok)
	assert.True(t, te.IsTelephoneEvent())
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeFile(t, "media: [unclosed"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MEDIA_SERVER_HOST", "10.0.0.1")
	t.Setenv("MEDIA_SERVER_ADVERTISE_HOST", "203.0.113.7")
	t.Setenv("MEDIA_SERVER_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Media.Host)
	assert.Equal(t, "203.0.113.7", cfg.SDPHost())
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"bad host", func(c *Config) { c.Media.Host = "localhost" }, "media.host"},
		{"odd port", func(c *Config) { c.Media.MinPort = 10001 }, "четными"},
		{"inverted range", func(c *Config) { c.Media.MinPort = 20000; c.Media.MaxPort = 10000 }, "min_port"},
		{"bad strategy", func(c *Config) { c.Media.PortStrategy = "lifo" }, "port_strategy"},
		{"range too small", func(c *Config) { c.Media.MaxPort = 10010 }, "вмещает"},
		{"unknown codec", func(c *Config) { c.Media.Codecs = []string{"speex"} }, "неизвестный кодек"},
		{"no codecs", func(c *Config) { c.Media.Codecs = nil }, "пустым"},
		{"dtmf collides", func(c *Config) { c.Media.DTMFPayloadType = 0 }, "media.codecs"},
		{"bad dscp", func(c *Config) { c.Transport.DSCP = 64 }, "transport"},
		{"dtls without cert", func(c *Config) { c.Transport.DTLS.Enabled = true }, "cert_file"},
		{"small pool buffers", func(c *Config) { c.Pool.Capacity = 100 }, "pool.capacity"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestChannelConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.ReusePort = true

	p, err := pool.New(2, cfg.Pool.Capacity)
	require.NoError(t, err)

	ch := cfg.ChannelConfig(p)
	assert.Equal(t, mediartp.DSCPExpeditedForwarding, ch.DSCP)
	assert.True(t, ch.ReusePort)
	assert.Same(t, p, ch.Pool)
	assert.NoError(t, ch.Validate())
}

func TestDTLSChannelConfig_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.DTLS.Role = "both"
	_, err := cfg.DTLSChannelConfig(nil)
	assert.Error(t, err)

	cfg.Transport.DTLS.Role = "client"
	cfg.Transport.DTLS.CertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.Transport.DTLS.KeyFile = cfg.Transport.DTLS.CertFile
	_, err = cfg.DTLSChannelConfig(nil)
	assert.ErrorContains(t, err, "сертификат")
}

func TestParseDTLSRole(t *testing.T) {
	role, err := parseDTLSRole("active")
	require.NoError(t, err)
	assert.Equal(t, mediartp.DTLSRoleClient, role)

	role, err = parseDTLSRole("")
	require.NoError(t, err)
	assert.Equal(t, mediartp.DTLSRoleServer, role)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("скрыто")
	logger.Warn("видно", "port", 5004)

	out := buf.String()
	assert.NotContains(t, out, "скрыто")
	assert.True(t, strings.HasPrefix(out, "{"), "JSON формат")
	assert.Contains(t, out, `"port":5004`)
}
