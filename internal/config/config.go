// Package config loads the process-wide JSON configuration described in
// spec.md §6, with environment-variable overrides applied afterward. It
// carries no behavior beyond parsing and defaulting: the rest of the
// process threads a *Config through explicitly rather than reading a
// global (spec.md §9, "Global state").
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type TLSConfig struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

type HTTPSConfig struct {
	ListenIP   string    `json:"listenIp"`
	ListenPort int       `json:"listenPort"`
	TLS        TLSConfig `json:"tls"`
}

type WorkerSettingsConfig struct {
	LogLevel            string   `json:"logLevel"`
	LogTags             []string `json:"logTags"`
	RTCMinPort          uint16   `json:"rtcMinPort"`
	RTCMaxPort          uint16   `json:"rtcMaxPort"`
	DTLSCertificateFile string   `json:"dtlsCertificateFile"`
	DTLSPrivateKeyFile  string   `json:"dtlsPrivateKeyFile"`
	LibwebrtcFieldTrials string  `json:"libwebrtcFieldTrials"`
}

type RouterOptionsConfig struct {
	MediaCodecs []json.RawMessage `json:"mediaCodecs"`
}

type ListenInfo struct {
	Protocol  string `json:"protocol"`
	IP        string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
	Port      uint16 `json:"port"`
}

type WebRtcServerOptionsConfig struct {
	ListenInfos []ListenInfo `json:"listenInfos"`
}

type WebRtcTransportOptionsConfig struct {
	ListenInfos        []ListenInfo `json:"listenInfos"`
	MaxIncomingBitrate int          `json:"maxIncomingBitrate"`
}

type PlainTransportOptionsConfig struct {
	ListenInfo ListenInfo `json:"listenInfo"`
}

type MediasoupConfig struct {
	NumWorkers           int                          `json:"numWorkers"`
	UseWebRtcServer      bool                         `json:"useWebRtcServer"`
	Multiprocess         bool                         `json:"multiprocess"`
	WorkerPath           string                       `json:"workerPath"`
	WorkerSettings       WorkerSettingsConfig         `json:"workerSettings"`
	RouterOptions        RouterOptionsConfig          `json:"routerOptions"`
	WebRtcServerOptions  WebRtcServerOptionsConfig    `json:"webRtcServerOptions"`
	WebRtcTransportOptions WebRtcTransportOptionsConfig `json:"webRtcTransportOptions"`
	PlainTransportOptions  PlainTransportOptionsConfig  `json:"plainTransportOptions"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" | "postgres" | ""(disabled)
	DSN    string `json:"dsn"`
}

type AdminRPCConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// SignalingConfig covers the protoo-session-level knobs (spec.md §4.7).
type SignalingConfig struct {
	// PingIntervalMs is the peer liveness ping period, in milliseconds.
	// Zero means the 60s default applies (spec.md §4.7).
	PingIntervalMs int `json:"pingIntervalMs"`
}

type Config struct {
	Domain    string          `json:"domain"`
	HTTPS     HTTPSConfig     `json:"https"`
	Mediasoup MediasoupConfig `json:"mediasoup"`
	Signaling SignalingConfig `json:"signaling"`
	Store     StoreConfig     `json:"store"`
	AdminRPC  AdminRPCConfig  `json:"adminRpc"`

	statsPath string
}

// PingInterval returns the configured peer ping interval, or the spec.md
// §4.7 default of 60s if unset.
func (c *Config) PingInterval() time.Duration {
	if c.Signaling.PingIntervalMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Signaling.PingIntervalMs) * time.Millisecond
}

// Load reads and parses the JSON config file at path, then applies the
// recognized environment variable overrides from spec.md §6.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Default returns a Config populated with the same defaults the teacher's
// workerSettings convention uses (rtcMinPort/rtcMaxPort, 1 worker).
func Default() *Config {
	return &Config{
		Mediasoup: MediasoupConfig{
			NumWorkers: 1,
			WorkerSettings: WorkerSettingsConfig{
				LogLevel:   "error",
				RTCMinPort: 10000,
				RTCMaxPort: 59999,
			},
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EXTERNAL_ADDRESS"); v != "" {
		c.HTTPS.ListenIP = v
	}
	if v := os.Getenv("EXTERNAL_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.HTTPS.ListenPort = port
		}
	}
	if v := os.Getenv("TLS_FILE_PRIVATE_KEY"); v != "" {
		c.HTTPS.TLS.Key = v
	}
	if v := os.Getenv("TLS_FILE_CERT_CHAIN"); v != "" {
		c.HTTPS.TLS.Cert = v
	}
	if v := os.Getenv("URL_STATS_PATH"); v != "" {
		c.statsPath = v
	}
}

// StatsPath is the URL_STATS_PATH override, if any (ambient; consumed by
// cmd/sfu when wiring the HTTP mux).
func (c *Config) StatsPath() string {
	if c.statsPath == "" {
		return "/stats"
	}
	return c.statsPath
}
