// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Config covers every invoker-visible option, grouped by the concern it
// configures.
type Config struct {
	Server    Server    `json:"server"`
	Transport Transport `json:"transport"`
	TLS       TLS       `json:"tls"`
	Binding   Binding   `json:"binding"`
	Buffers   Buffers   `json:"buffers"`
	DataPlane DataPlane `json:"dataplane"`
}

// Server is the rendezvous server connection.
type Server struct {
	Addr string `json:"server_addr"`
}

// Transport selects the peer link mode and its cipher/hash/OTP/fragment
// tunables.
type Transport struct {
	Mode                 string        `json:"transport_mode"`  // "udp" | "tcp"
	EncryptionMode       string        `json:"encryption_mode"` // "none" | "blowfish" | "aes", udp only
	HashMode             string        `json:"hash_mode"`       // "none" | "md5" | "sha1", udp only
	OTP                  OTP           `json:"otp"`
	FragmentationLatency time.Duration `json:"fragmentation_latency"`
	PeerTCPSocketSndbuf  int           `json:"peer_tcp_socket_sndbuf"` // tcp only, 0 = OS default
}

// OTP is the one-time-pad seed rotation knob.
type OTP struct {
	Enabled bool   `json:"enabled"`
	Cipher  string `json:"cipher"` // "blowfish" | "aes"
	N       uint32 `json:"n"`
	Warn    uint32 `json:"warn"`
}

// TLS covers both the server-connection TLS and the optional peer-to-peer
// TLS.
type TLS struct {
	Enabled                 bool   `json:"ssl"`
	NSSDB                   string `json:"nssdb"`
	ClientCertName          string `json:"client_cert_name"`
	PeerSSL                 bool   `json:"peer_ssl"` // tcp only, requires Enabled
	AllowPeerTalkWithoutSSL bool   `json:"allow_peer_talk_without_ssl"`
}

// Binding declares the local endpoints this node binds on and the
// external addresses/scopes it advertises.
type Binding struct {
	Addrs         []BindAddr `json:"bind_addrs"`
	TrustedScopes []string   `json:"scopes"`
}

// BindAddr is one local-bind / external-advertisement declaration.
type BindAddr struct {
	Addr     string    `json:"addr"`
	NumPorts int       `json:"num_ports"`
	ExtAddrs []ExtAddr `json:"ext_addrs"`
}

// ExtAddr is one externally-advertised address, tagged with the scope it
// is reachable from. Addr of "{server_reported}" means "use our
// server-observed IP with this port".
type ExtAddr struct {
	Addr  string `json:"addr"`
	Port  int    `json:"port"`
	Scope string `json:"scope"`
}

// Buffers bounds per-flow buffer depths.
type Buffers struct {
	SendSize      int `json:"send_buffer_size"`
	SendRelaySize int `json:"send_buffer_relay_size"`
}

// DataPlane bounds the frame decider's tables and IGMP timing.
type DataPlane struct {
	MaxMacs                     int           `json:"max_macs"`
	MaxGroups                   int           `json:"max_groups"`
	MaxPeers                    int           `json:"max_peers"`
	IGMPGroupMembershipInterval time.Duration `json:"igmp_group_membership_interval"`
	IGMPLastMemberQueryTime     time.Duration `json:"igmp_last_member_query_time"`
}

// Default returns the configuration used when no option overrides it.
func Default() Config {
	return Config{
		Server: Server{Addr: "127.0.0.1:9527"},
		Transport: Transport{
			Mode:           "udp",
			EncryptionMode: "none",
			HashMode:       "none",
			OTP: OTP{
				Enabled: false,
				Cipher:  "blowfish",
				N:       1024,
				Warn:    64,
			},
			FragmentationLatency: 100 * time.Millisecond,
		},
		TLS: TLS{
			Enabled:                 false,
			AllowPeerTalkWithoutSSL: true,
		},
		Binding: Binding{},
		Buffers: Buffers{
			SendSize:      32,
			SendRelaySize: 64,
		},
		DataPlane: DataPlane{
			MaxMacs:                     64,
			MaxGroups:                   32,
			MaxPeers:                    256,
			IGMPGroupMembershipInterval: 260 * time.Second,
			IGMPLastMemberQueryTime:     2 * time.Second,
		},
	}
}

// Validate checks the invariants implied by option table.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.server_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.server_addr must be host:port: %w", err)
	}

	switch c.Transport.Mode {
	case "udp", "tcp":
	default:
		return errors.New("transport.transport_mode must be udp or tcp")
	}
	switch c.Transport.EncryptionMode {
	case "none", "blowfish", "aes":
	default:
		return errors.New("transport.encryption_mode must be none, blowfish, or aes")
	}
	if c.Transport.EncryptionMode != "none" && c.Transport.Mode != "udp" {
		return errors.New("transport.encryption_mode is udp only")
	}
	switch c.Transport.HashMode {
	case "none", "md5", "sha1":
	default:
		return errors.New("transport.hash_mode must be none, md5, or sha1")
	}
	if c.Transport.HashMode != "none" && c.Transport.Mode != "udp" {
		return errors.New("transport.hash_mode is udp only")
	}
	if c.Transport.OTP.Enabled {
		if c.Transport.Mode != "udp" {
			return errors.New("transport.otp is udp only")
		}
		switch c.Transport.OTP.Cipher {
		case "blowfish", "aes":
		default:
			return errors.New("transport.otp.cipher must be blowfish or aes")
		}
		if c.Transport.OTP.N == 0 {
			return errors.New("transport.otp.n must be > 0")
		}
		if c.Transport.OTP.Warn >= c.Transport.OTP.N {
			return errors.New("transport.otp.warn must be < transport.otp.n")
		}
	}
	if c.Transport.PeerTCPSocketSndbuf < 0 {
		return errors.New("transport.peer_tcp_socket_sndbuf must be >= 0")
	}

	if c.TLS.PeerSSL && !c.TLS.Enabled {
		return errors.New("tls.peer_ssl requires tls.ssl=true")
	}
	if c.TLS.PeerSSL && c.Transport.Mode != "tcp" {
		return errors.New("tls.peer_ssl is tcp only")
	}

	for i, ba := range c.Binding.Addrs {
		if _, _, err := net.SplitHostPort(ba.Addr); err != nil {
			return fmt.Errorf("binding.bind_addrs[%d].addr must be host:port: %w", i, err)
		}
		if ba.NumPorts < 0 {
			return fmt.Errorf("binding.bind_addrs[%d].num_ports must be >= 0", i)
		}
	}

	if c.Buffers.SendSize <= 0 {
		return errors.New("buffers.send_buffer_size must be > 0")
	}
	if c.Buffers.SendRelaySize <= 0 {
		return errors.New("buffers.send_buffer_relay_size must be > 0")
	}

	if c.DataPlane.MaxMacs <= 0 {
		return errors.New("dataplane.max_macs must be > 0")
	}
	if c.DataPlane.MaxGroups <= 0 {
		return errors.New("dataplane.max_groups must be > 0")
	}
	if c.DataPlane.MaxPeers <= 0 {
		return errors.New("dataplane.max_peers must be > 0")
	}

	return nil
}

// Load reads and validates a JSON configuration file, starting from
// Default() so that fields the file omits stay at their defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, after validating it.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads the config at path if present, otherwise writes and
// returns a default one. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
