// Package config resolves relay and peer settings from defaults, an optional
// YAML file, MESHLINK_* environment variables and command-line flags, in
// increasing order of priority.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListen         = ":8080"
	DefaultRelayURL       = "ws://localhost:8080/ws"
	DefaultMaxMessageSize = 256 * 1024
	DefaultDownloadDir    = "downloads"
	DefaultSTUN           = "stun:stun.l.google.com:19302"
)

// Environment variables.
const (
	EnvConfig         = "MESHLINK_CONFIG"
	EnvListen         = "MESHLINK_LISTEN"
	EnvAllowedOrigins = "MESHLINK_ALLOWED_ORIGINS"
	EnvRelayURL       = "MESHLINK_RELAY_URL"
	EnvMaxMessageSize = "MESHLINK_MAX_MESSAGE_SIZE"
	EnvDownloadDir    = "MESHLINK_DOWNLOAD_DIR"
	EnvName           = "MESHLINK_NAME"
	EnvDebug          = "MESHLINK_DEBUG"
	EnvICEURLs        = "MESHLINK_ICE_URLS"
	EnvTURNUsername   = "MESHLINK_TURN_USERNAME"
	EnvTURNCredential = "MESHLINK_TURN_CREDENTIAL"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration for both commands.
type Config struct {
	Relay RelayConfig `yaml:"relay"`
	Peer  PeerConfig  `yaml:"peer"`
	Log   LogConfig   `yaml:"log"`
}

// RelayConfig configures the signaling relay.
type RelayConfig struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// AllowedOrigins lists the browser origins accepted on /ws.
	// Empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ICEServers are advertised to browser clients at /api/turn.
	ICEServers []ICEServer `yaml:"ice_servers"`
}

// PeerConfig configures a mesh peer.
type PeerConfig struct {
	RelayURL       string      `yaml:"relay_url"`
	ICEServers     []ICEServer `yaml:"ice_servers"`
	MaxMessageSize int         `yaml:"max_message_size"`
	DownloadDir    string      `yaml:"download_dir"`
	Name           string      `yaml:"name"`
}

// LogConfig configures logging.
type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// WebRTC converts the entry for use with pion.
func (s ICEServer) WebRTC() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:       s.URLs,
		Username:   s.Username,
		Credential: s.Credential,
	}
}

// WebRTCServers converts a list of entries. The result is never nil, so an
// explicitly empty list disables the transport's default STUN server.
func WebRTCServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.WebRTC())
	}
	return out
}

// Options carries command-line overrides. Empty fields are not applied.
type Options struct {
	ConfigPath  string
	Listen      string
	RelayURL    string
	DownloadDir string
	Name        string
	Debug       bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen: DefaultListen,
		},
		Peer: PeerConfig{
			RelayURL:       DefaultRelayURL,
			ICEServers:     []ICEServer{{URLs: []string{DefaultSTUN}}},
			MaxMessageSize: DefaultMaxMessageSize,
			DownloadDir:    DefaultDownloadDir,
		},
	}
}

// Load reads configuration with the following priority:
//  1. CLI flags (passed via Options) - highest priority
//  2. Environment variables
//  3. The YAML file named by Options.ConfigPath or MESHLINK_CONFIG
//  4. Built-in defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := Default()

	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyOptions(opts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	normalized, err := NormalizeWSURL(cfg.Peer.RelayURL)
	if err != nil {
		return nil, err
	}
	cfg.Peer.RelayURL = normalized

	return cfg, nil
}

// readFile overlays the YAML file at path. Keys absent from the file keep
// their current values; unknown keys are an error.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvListen); v != "" {
		c.Relay.Listen = v
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.Relay.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		c.Peer.RelayURL = v
	}
	if v := os.Getenv(EnvMaxMessageSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, EnvMaxMessageSize, v)
		}
		c.Peer.MaxMessageSize = n
	}
	if v := os.Getenv(EnvDownloadDir); v != "" {
		c.Peer.DownloadDir = v
	}
	if v := os.Getenv(EnvName); v != "" {
		c.Peer.Name = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, EnvDebug, v)
		}
		c.Log.Debug = debug
	}

	// One server from the environment replaces both lists, so browsers are
	// told about the same servers the CLI peers use.
	if v := os.Getenv(EnvICEURLs); v != "" {
		server := ICEServer{
			URLs:       splitList(v),
			Username:   os.Getenv(EnvTURNUsername),
			Credential: os.Getenv(EnvTURNCredential),
		}
		c.Peer.ICEServers = []ICEServer{server}
		c.Relay.ICEServers = []ICEServer{server}
	}
	return nil
}

func (c *Config) applyOptions(opts Options) {
	if opts.Listen != "" {
		c.Relay.Listen = opts.Listen
	}
	if opts.RelayURL != "" {
		c.Peer.RelayURL = opts.RelayURL
	}
	if opts.DownloadDir != "" {
		c.Peer.DownloadDir = opts.DownloadDir
	}
	if opts.Name != "" {
		c.Peer.Name = opts.Name
	}
	if opts.Debug {
		c.Log.Debug = true
	}
}

// Validate checks fields that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Relay.Listen); err != nil {
		return fmt.Errorf("%w: relay.listen %q: %v", ErrInvalid, c.Relay.Listen, err)
	}
	if c.Peer.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: peer.max_message_size must be positive, got %d", ErrInvalid, c.Peer.MaxMessageSize)
	}
	for _, list := range [][]ICEServer{c.Relay.ICEServers, c.Peer.ICEServers} {
		for i, s := range list {
			if len(s.URLs) == 0 {
				return fmt.Errorf("%w: ice server %d has no urls", ErrInvalid, i)
			}
		}
	}
	return nil
}

// NormalizeWSURL validates a relay address and rewrites it to the relay's
// websocket endpoint. http and https map to ws and wss; a bare host gets wss.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: relay URL %q", ErrInvalid, raw)
	}

	var scheme string
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	case "wss", "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("%w: relay URL scheme %q", ErrInvalid, u.Scheme)
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
