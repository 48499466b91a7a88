package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Server.Addr = "rendezvous.example.org:8443"
	return cfg
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingServerAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for missing server_addr")
	}
}

func TestValidateRejectsBadTransportMode(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Mode = "quic"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for unknown transport_mode")
	}
}

func TestValidateRejectsEncryptionModeOverTCP(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Mode = "tcp"
	cfg.Transport.EncryptionMode = "aes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for encryption_mode over tcp")
	}
}

func TestValidateRejectsOTPOverTCP(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Mode = "tcp"
	cfg.Transport.OTP.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for otp over tcp")
	}
}

func TestValidateRejectsOTPWarnAtOrAboveN(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.OTP.Enabled = true
	cfg.Transport.OTP.N = 64
	cfg.Transport.OTP.Warn = 64
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when otp.warn >= otp.n")
	}
}

func TestValidateRejectsPeerSSLWithoutSSL(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Mode = "tcp"
	cfg.TLS.PeerSSL = true
	cfg.TLS.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for peer_ssl without ssl")
	}
}

func TestValidateRejectsPeerSSLOverUDP(t *testing.T) {
	cfg := validConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.PeerSSL = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for peer_ssl over udp")
	}
}

func TestValidateRejectsZeroBuffersAndTableBounds(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Buffers.SendSize = 0 },
		func(c *Config) { c.Buffers.SendRelaySize = 0 },
		func(c *Config) { c.DataPlane.MaxMacs = 0 },
		func(c *Config) { c.DataPlane.MaxGroups = 0 },
		func(c *Config) { c.DataPlane.MaxPeers = 0 },
	}
	for i, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected a validation error", i)
		}
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshvpn.json")

	cfg := validConfig()
	cfg.Binding.Addrs = []BindAddr{{Addr: "0.0.0.0:4000", NumPorts: 4}}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Addr != cfg.Server.Addr {
		t.Fatalf("server addr = %q, want %q", loaded.Server.Addr, cfg.Server.Addr)
	}
	if len(loaded.Binding.Addrs) != 1 || loaded.Binding.Addrs[0].NumPorts != 4 {
		t.Fatalf("binding addrs = %+v", loaded.Binding.Addrs)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshvpn.json")

	cfg := Default()
	cfg.Server.Addr = ""
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected Save to reject a config missing server_addr")
	}
}

func TestEnsureCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshvpn.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected Ensure to report the file as newly created")
	}
	if cfg.Server.Addr != Default().Server.Addr {
		t.Fatalf("server addr = %q, want default", cfg.Server.Addr)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist on disk: %v", err)
	}
}

func TestEnsureLoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshvpn.json")

	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if created {
		t.Fatal("expected Ensure to report the file as pre-existing")
	}
	if loaded.Server.Addr != cfg.Server.Addr {
		t.Fatalf("server addr = %q, want %q", loaded.Server.Addr, cfg.Server.Addr)
	}
}
