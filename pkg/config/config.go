// Package config загружает конфигурацию медиа сервера из YAML файла.
package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/arzzra/media_server/pkg/format"
	"github.com/arzzra/media_server/pkg/pool"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// Config конфигурация медиа сервера
type Config struct {
	Media     MediaConfig     `yaml:"media"`
	Transport TransportConfig `yaml:"transport"`
	Pool      PoolConfig      `yaml:"pool"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MediaConfig параметры медиа сессий
type MediaConfig struct {
	Host          string `yaml:"host"`           // адрес привязки сокетов
	AdvertiseHost string `yaml:"advertise_host"` // адрес в SDP, если отличается от host
	MinPort       uint16 `yaml:"min_port"`       // четный
	MaxPort       uint16 `yaml:"max_port"`       // четный
	PortStep      int    `yaml:"port_step"`      // 2 для пары RTP/RTCP
	PortStrategy  string `yaml:"port_strategy"`  // sequential или random
	MaxSessions   int    `yaml:"max_sessions"`

	Codecs          []string      `yaml:"codecs"` // имена кодеков из AV профиля
	DTMFEnabled     bool          `yaml:"dtmf_enabled"`
	DTMFPayloadType uint8         `yaml:"dtmf_payload_type"`
	Ptime           time.Duration `yaml:"ptime"`
}

// TransportConfig параметры UDP канала
type TransportConfig struct {
	BufferSize    int    `yaml:"buffer_size"`
	DSCP          int    `yaml:"dscp"`
	ReusePort     bool   `yaml:"reuse_port"`
	BindToDevice  string `yaml:"bind_to_device"`
	SendQueueSize int    `yaml:"send_queue_size"`
	RateLimit     int    `yaml:"rate_limit"`
	RateBurst     int    `yaml:"rate_burst"`
	StrictSource  bool   `yaml:"strict_source"`

	DTLS DTLSConfig `yaml:"dtls"`
}

// DTLSConfig параметры DTLS канала
type DTLSConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Role               string        `yaml:"role"` // client или server
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// PoolConfig параметры пула буферов
type PoolConfig struct {
	Size     int `yaml:"size"`
	Capacity int `yaml:"capacity"`
}

// MetricsConfig параметры экспорта метрик
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig параметры логирования
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json или text
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Media.Host = "0.0.0.0"
	cfg.Media.MinPort = 10000
	cfg.Media.MaxPort = 20000
	cfg.Media.PortStep = 2
	cfg.Media.PortStrategy = "sequential"
	cfg.Media.MaxSessions = 100
	cfg.Media.Codecs = []string{"PCMU", "PCMA", "G722", "G729", "opus"}
	cfg.Media.DTMFEnabled = true
	cfg.Media.DTMFPayloadType = format.PayloadTypeTelephoneEvent
	cfg.Media.Ptime = 20 * time.Millisecond

	cfg.Transport.BufferSize = mediartp.DefaultBufferSize
	cfg.Transport.DSCP = mediartp.DSCPExpeditedForwarding
	cfg.Transport.SendQueueSize = mediartp.DefaultSendQueueSize
	cfg.Transport.RateLimit = mediartp.DefaultRateLimit
	cfg.Transport.RateBurst = mediartp.DefaultRateLimit / 10
	cfg.Transport.DTLS.Role = "server"
	cfg.Transport.DTLS.HandshakeTimeout = mediartp.DefaultHandshakeTimeout

	cfg.Pool.Size = pool.DefaultSize
	cfg.Pool.Capacity = pool.DefaultCapacity

	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ":9090"
	cfg.Metrics.Path = "/metrics"
	cfg.Metrics.Namespace = "media_server"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// Load читает конфигурацию из YAML файла поверх значений по умолчанию.
// Отсутствующий файл не является ошибкой.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("не удалось прочитать файл конфигурации %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("некорректный YAML в %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("MEDIA_SERVER_HOST"); host != "" {
		c.Media.Host = host
	}
	if host := os.Getenv("MEDIA_SERVER_ADVERTISE_HOST"); host != "" {
		c.Media.AdvertiseHost = host
	}
	if level := os.Getenv("MEDIA_SERVER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("MEDIA_SERVER_METRICS_ADDRESS"); addr != "" {
		c.Metrics.Address = addr
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if net.ParseIP(c.Media.Host) == nil {
		return fmt.Errorf("media.host должен быть IP адресом: %q", c.Media.Host)
	}
	if c.Media.AdvertiseHost != "" && net.ParseIP(c.Media.AdvertiseHost) == nil {
		return fmt.Errorf("media.advertise_host должен быть IP адресом: %q", c.Media.AdvertiseHost)
	}
	if c.Media.MinPort == 0 || c.Media.MinPort >= c.Media.MaxPort {
		return fmt.Errorf("media.min_port должен быть больше 0 и меньше media.max_port")
	}
	if c.Media.MinPort%2 != 0 || c.Media.MaxPort%2 != 0 {
		return fmt.Errorf("media.min_port и media.max_port должны быть четными")
	}
	if c.Media.PortStep <= 0 {
		return fmt.Errorf("media.port_step должен быть больше 0")
	}
	switch c.Media.PortStrategy {
	case "", "sequential", "random":
	default:
		return fmt.Errorf("media.port_strategy должен быть sequential или random: %q", c.Media.PortStrategy)
	}
	if c.Media.MaxSessions <= 0 {
		return fmt.Errorf("media.max_sessions должен быть больше 0")
	}
	available := int(c.Media.MaxPort-c.Media.MinPort)/c.Media.PortStep + 1
	if available < c.Media.MaxSessions {
		return fmt.Errorf("диапазон портов вмещает %d сессий, требуется %d", available, c.Media.MaxSessions)
	}
	if c.Media.Ptime < 0 {
		return fmt.Errorf("media.ptime не может быть отрицательным")
	}
	if _, err := c.OfferedFormats(); err != nil {
		return err
	}

	if err := c.ChannelConfig(nil).Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if c.Transport.DTLS.Enabled {
		if c.Transport.DTLS.CertFile == "" || c.Transport.DTLS.KeyFile == "" {
			return fmt.Errorf("transport.dtls.cert_file и key_file обязательны при включенном DTLS")
		}
		if _, err := parseDTLSRole(c.Transport.DTLS.Role); err != nil {
			return err
		}
	}

	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size не может быть отрицательным")
	}
	if c.Pool.Capacity < c.Transport.BufferSize {
		return fmt.Errorf("pool.capacity (%d) меньше transport.buffer_size (%d)", c.Pool.Capacity, c.Transport.BufferSize)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address обязателен при включенных метриках")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format должен быть json или text: %q", c.Logging.Format)
	}

	return nil
}

// OfferedFormats строит локальный набор форматов из списка кодеков
func (c *Config) OfferedFormats() (format.Formats, error) {
	list := make([]format.Format, 0, len(c.Media.Codecs)+1)
	for _, name := range c.Media.Codecs {
		f, ok := format.ByName(name)
		if !ok {
			return format.Formats{}, fmt.Errorf("media.codecs: неизвестный кодек %q", name)
		}
		if f.IsTelephoneEvent() {
			continue
		}
		list = append(list, f)
	}
	if len(list) == 0 {
		return format.Formats{}, fmt.Errorf("media.codecs не может быть пустым")
	}
	if c.Media.DTMFEnabled {
		te := format.TelephoneEvt
		te.PayloadType = c.Media.DTMFPayloadType
		list = append(list, te)
	}

	formats, err := format.NewFormats(list...)
	if err != nil {
		return format.Formats{}, fmt.Errorf("media.codecs: %w", err)
	}
	return formats, nil
}

// SDPHost возвращает адрес для SDP
func (c *Config) SDPHost() string {
	if c.Media.AdvertiseHost != "" {
		return c.Media.AdvertiseHost
	}
	return c.Media.Host
}

// ChannelConfig возвращает конфигурацию UDP канала с общим пулом буферов
func (c *Config) ChannelConfig(p *pool.Pool) mediartp.ChannelConfig {
	return mediartp.ChannelConfig{
		BufferSize:    c.Transport.BufferSize,
		DSCP:          c.Transport.DSCP,
		ReusePort:     c.Transport.ReusePort,
		BindToDevice:  c.Transport.BindToDevice,
		SendQueueSize: c.Transport.SendQueueSize,
		RateLimit:     c.Transport.RateLimit,
		RateBurst:     c.Transport.RateBurst,
		StrictSource:  c.Transport.StrictSource,
		Pool:          p,
	}
}

// DTLSChannelConfig возвращает конфигурацию DTLS канала, загружая сертификат
func (c *Config) DTLSChannelConfig(p *pool.Pool) (mediartp.DTLSConfig, error) {
	role, err := parseDTLSRole(c.Transport.DTLS.Role)
	if err != nil {
		return mediartp.DTLSConfig{}, err
	}
	cert, err := tls.LoadX509KeyPair(c.Transport.DTLS.CertFile, c.Transport.DTLS.KeyFile)
	if err != nil {
		return mediartp.DTLSConfig{}, fmt.Errorf("не удалось загрузить сертификат DTLS: %w", err)
	}

	cfg := mediartp.DefaultDTLSConfig()
	cfg.ChannelConfig = c.ChannelConfig(p)
	cfg.Role = role
	cfg.Certificates = []tls.Certificate{cert}
	cfg.InsecureSkipVerify = c.Transport.DTLS.InsecureSkipVerify
	if c.Transport.DTLS.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = c.Transport.DTLS.HandshakeTimeout
	}
	return cfg, nil
}

func parseDTLSRole(role string) (mediartp.DTLSRole, error) {
	switch strings.ToLower(role) {
	case "client", "active":
		return mediartp.DTLSRoleClient, nil
	case "server", "passive", "":
		return mediartp.DTLSRoleServer, nil
	default:
		return 0, fmt.Errorf("transport.dtls.role должен быть client или server: %q", role)
	}
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

// NewLogger создает логгер согласно секции logging
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
