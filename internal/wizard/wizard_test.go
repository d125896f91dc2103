package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/p2p-node/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() did not set theme")
	}
}

func TestDefaultAnswers(t *testing.T) {
	a := DefaultAnswers()
	if a.ListenAddr != "0.0.0.0:30303" {
		t.Errorf("ListenAddr = %s, want 0.0.0.0:30303", a.ListenAddr)
	}
	if a.Transport != "tcp" || !a.Encryption || a.MaxPeers != 50 {
		t.Errorf("DefaultAnswers() = %+v", a)
	}
	if err := BuildConfig(a).Validate(); err != nil {
		t.Errorf("config from defaults is invalid: %v", err)
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Answers)
		check func(*testing.T, *config.Config)
	}{
		{
			name: "tcp defaults",
			edit: func(a *Answers) {},
			check: func(t *testing.T, c *config.Config) {
				if c.Listen.Transport != "tcp" || c.Listen.Address != "0.0.0.0:30303" {
					t.Errorf("Listen = %+v", c.Listen)
				}
				if c.Dial.InsecureSkipVerify {
					t.Error("tcp should not skip TLS verification")
				}
				if !c.Health.Enabled {
					t.Error("health should be enabled")
				}
			},
		},
		{
			name: "websocket with path",
			edit: func(a *Answers) {
				a.Transport = "ws"
				a.ListenAddr = "0.0.0.0:8443"
				a.ListenPath = "/mesh"
			},
			check: func(t *testing.T, c *config.Config) {
				if c.Listen.Transport != "ws" || c.Listen.Path != "/mesh" {
					t.Errorf("Listen = %+v", c.Listen)
				}
				if !c.Dial.InsecureSkipVerify {
					t.Error("ws without certificate should skip verification")
				}
			},
		},
		{
			name: "quic with certificate",
			edit: func(a *Answers) {
				a.Transport = "quic"
				a.TLS = config.TLSConfig{Cert: "/certs/node.crt", Key: "/certs/node.key"}
			},
			check: func(t *testing.T, c *config.Config) {
				if c.Listen.TLS.Cert != "/certs/node.crt" || c.Listen.TLS.Key != "/certs/node.key" {
					t.Errorf("TLS = %+v", c.Listen.TLS)
				}
				if c.Dial.InsecureSkipVerify {
					t.Error("quic with certificate should verify")
				}
			},
		},
		{
			name: "bootstrap and limits",
			edit: func(a *Answers) {
				a.Bootstrap = []config.BootstrapConfig{
					{Address: "10.0.0.2:30303", ID: "0123456789abcdef0123456789abcdef", Persistent: true},
					{Address: "seed.example.net:30303"},
				}
				a.MaxPeers = 8
				a.Encryption = false
				a.LogLevel = "debug"
				a.HealthEnabled = false
			},
			check: func(t *testing.T, c *config.Config) {
				if len(c.Bootstrap) != 2 || !c.Bootstrap[0].Persistent {
					t.Errorf("Bootstrap = %+v", c.Bootstrap)
				}
				if c.Peers.MaxPeers != 8 || c.Handshake.Encryption {
					t.Errorf("limits = %d/%v", c.Peers.MaxPeers, c.Handshake.Encryption)
				}
				if c.Node.LogLevel != "debug" || c.Health.Enabled {
					t.Errorf("advanced = %s/%v", c.Node.LogLevel, c.Health.Enabled)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := DefaultAnswers()
			tt.edit(&a)
			cfg := BuildConfig(a)
			tt.check(t, cfg)
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	a := DefaultAnswers()
	a.DataDir = "/var/lib/p2p-node"
	a.LogLevel = "warn"
	a.Bootstrap = []config.BootstrapConfig{{Address: "10.0.0.2:30303", Persistent: true}}
	cfg := BuildConfig(a)

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# p2p-node configuration") {
		t.Error("config file missing header comment")
	}
	if !strings.Contains(content, "data_dir: /var/lib/p2p-node") {
		t.Error("config file missing data_dir value")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if loaded.Node.LogLevel != "warn" || loaded.Listen.Address != cfg.Listen.Address {
		t.Errorf("loaded config differs: %+v", loaded.Node)
	}
	if len(loaded.Bootstrap) != 1 || loaded.Bootstrap[0].Address != "10.0.0.2:30303" {
		t.Errorf("Bootstrap = %+v", loaded.Bootstrap)
	}
	if loaded.Mux.StreamWindow != cfg.Mux.StreamWindow {
		t.Errorf("StreamWindow = %d, want %d", loaded.Mux.StreamWindow, cfg.Mux.StreamWindow)
	}
}

func TestNormalizePeerID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"0123456789ABCDEF0123456789ABCDEF", "0123456789abcdef0123456789abcdef"},
		{"  0x0123456789abcdef0123456789abcdef ", "0123456789abcdef0123456789abcdef"},
		{"01:23:45:67:89:ab:cd:ef:01:23:45:67:89:ab:cd:ef", "0123456789abcdef0123456789abcdef"},
	}
	for _, tt := range tests {
		if got := NormalizePeerID(tt.in); got != tt.want {
			t.Errorf("NormalizePeerID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidators(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(existing, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		fn      func(string) error
		in      string
		wantErr bool
	}{
		{"host port", validateHostPort, "0.0.0.0:30303", false},
		{"host port missing port", validateHostPort, "localhost", true},
		{"host port empty", validateHostPort, "", true},
		{"config yaml", validateConfigPath, "./config.yaml", false},
		{"config json", validateConfigPath, "./config.json", true},
		{"path", validatePath, "/p2p", false},
		{"path relative", validatePath, "p2p", true},
		{"peer id empty", validatePeerID, "", false},
		{"peer id upper", validatePeerID, "0123456789ABCDEF0123456789ABCDEF", false},
		{"peer id short", validatePeerID, "abc", true},
		{"positive", validatePositiveInt, "12", false},
		{"zero", validatePositiveInt, "0", true},
		{"not a number", validatePositiveInt, "ten", true},
		{"file exists", validateFileExists, existing, false},
		{"file missing", validateFileExists, existing + ".missing", true},
		{"required", required("name"), " ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePositiveInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"50", 50, false},
		{" 5 ", 5, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"5o", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePositiveInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePositiveInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parsePositiveInt(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
