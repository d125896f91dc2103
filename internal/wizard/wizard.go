// Package wizard provides an interactive setup wizard for the node.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/p2p-node/internal/config"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/transport"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
	PeerID     identity.PeerID
}

// Answers collects everything asked by the wizard.
type Answers struct {
	DataDir    string
	ConfigPath string

	Transport  string
	ListenAddr string
	ListenPath string
	TLS        config.TLSConfig

	Bootstrap []config.BootstrapConfig

	MaxPeers   int
	Encryption bool

	LogLevel      string
	HealthEnabled bool
}

// DefaultAnswers returns the values pre-filled in the forms.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		DataDir:       def.Node.DataDir,
		ConfigPath:    "./config.yaml",
		Transport:     def.Listen.Transport,
		ListenAddr:    def.Listen.Address,
		ListenPath:    def.Listen.Path,
		MaxPeers:      def.Peers.MaxPeers,
		Encryption:    def.Handshake.Encryption,
		LogLevel:      def.Node.LogLevel,
		HealthEnabled: true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askNetworkConfig(&a); err != nil {
		return nil, err
	}
	if err := w.askTLSSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askBootstrapPeers(&a); err != nil {
		return nil, err
	}
	if err := w.askLimits(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kp, _, err := identity.LoadOrCreate(a.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node identity: %w", err)
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(kp.ID(), a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DataDir:    a.DataDir,
		PeerID:     kp.ID(),
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
        ____                            _
  _ __ |___ \ _ __        _ __   ___   __| | ___
 | '_ \  __) | '_ \ _____| '_ \ / _ \ / _' |/ _ \
 | |_) |/ __/| |_) |_____| | | | (_) | (_| |  __/
 | .__/|_____| .__/      |_| |_|\___/ \__,_|\___|
 |_|         |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Peer-to-Peer Node - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your node."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the node key").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Configure how this node listens for peers."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("TCP is the default; all peers must share a transport").
				Options(transportOptions()...).
				Value(&a.Transport),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port to listen on").
				Placeholder(fmt.Sprintf("0.0.0.0:%d", config.DefaultPort)).
				Value(&a.ListenAddr).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Transport != string(transport.TransportWebSocket) {
		return nil
	}
	pathForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Path").
				Description("URL path for the WebSocket endpoint").
				Placeholder("/p2p").
				Value(&a.ListenPath).
				Validate(validatePath),
		),
	).WithTheme(w.theme)

	return pathForm.Run()
}

func (w *Wizard) askTLSSetup(a *Answers) error {
	if a.Transport == string(transport.TransportTCP) {
		return nil
	}

	choice := "generate"
	if a.Transport == string(transport.TransportWebSocket) {
		choice = "none"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("Peers are authenticated by the handshake; TLS only wraps the transport."),

			huh.NewSelect[string]().
				Title("TLS Certificate").
				Options(
					huh.NewOption("Generate a self-signed certificate", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
					huh.NewOption("None (QUIC generates one at startup)", "none"),
				).
				Value(&choice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	switch choice {
	case "generate":
		return w.generateCertificate(a)
	case "existing":
		return w.useExistingCertificate(a)
	}
	return nil
}

func (w *Wizard) generateCertificate(a *Answers) error {
	commonName := "p2p-node"
	validDays := "365"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Value(&validDays).
				Validate(validatePositiveInt),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	days, err := parsePositiveInt(validDays)
	if err != nil {
		return fmt.Errorf("validity: %w", err)
	}
	certsDir := filepath.Join(a.DataDir, "certs")
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	certPath := filepath.Join(certsDir, "node.crt")
	keyPath := filepath.Join(certsDir, "node.key")
	if err := transport.GenerateAndSaveCert(certPath, keyPath, commonName, time.Duration(days)*24*time.Hour); err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated certificate: %s\n\n", certPath)
	a.TLS = config.TLSConfig{Cert: certPath, Key: keyPath}
	return nil
}

func (w *Wizard) useExistingCertificate(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Value(&a.TLS.Cert).
				Validate(validateFileExists),

			huh.NewInput().
				Title("Private Key File").
				Value(&a.TLS.Key).
				Validate(validateFileExists),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askBootstrapPeers(a *Answers) error {
	addPeers := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Bootstrap Peers").
				Description("Peers this node dials at startup."),

			huh.NewConfirm().
				Title("Add bootstrap peers now?").
				Value(&addPeers),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	for n := 1; addPeers; n++ {
		b, err := w.askSinglePeer(a.Transport, n)
		if err != nil {
			return err
		}
		a.Bootstrap = append(a.Bootstrap, b)

		more := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another peer?").
					Value(&addPeers),
			),
		).WithTheme(w.theme)
		if err := more.Run(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wizard) askSinglePeer(defaultTransport string, peerNum int) (config.BootstrapConfig, error) {
	b := config.BootstrapConfig{
		Transport:  defaultTransport,
		Persistent: true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Peer #%d", peerNum)),

			huh.NewInput().
				Title("Peer Address").
				Description("Address of the peer (host:port)").
				Placeholder(fmt.Sprintf("peer.example.com:%d", config.DefaultPort)).
				Value(&b.Address).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Expected Peer ID").
				Description("Pin the peer identity (hex); leave empty to accept any").
				Value(&b.ID).
				Validate(validatePeerID),

			huh.NewSelect[string]().
				Title("Transport").
				Options(transportOptions()...).
				Value(&b.Transport),

			huh.NewConfirm().
				Title("Keep reconnecting?").
				Description("Redial with backoff whenever the connection is lost").
				Value(&b.Persistent),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return b, err
	}
	b.ID = NormalizePeerID(b.ID)
	if b.Transport == defaultTransport {
		b.Transport = ""
	}
	return b, nil
}

func (w *Wizard) askLimits(a *Answers) error {
	maxPeers := strconv.Itoa(a.MaxPeers)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Limits and Security"),

			huh.NewInput().
				Title("Maximum Peers").
				Description("Connected peers kept at once; the least active is evicted beyond it").
				Value(&maxPeers).
				Validate(validatePositiveInt),

			huh.NewConfirm().
				Title("Encrypt sessions?").
				Description("Used when both peers support it").
				Value(&a.Encryption),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	n, err := parsePositiveInt(maxPeers)
	if err != nil {
		return fmt.Errorf("maximum peers: %w", err)
	}
	a.MaxPeers = n
	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /readyz, /metrics, /peers)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns answers into a configuration based on the defaults.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Node.DataDir = a.DataDir
	cfg.Node.LogLevel = a.LogLevel
	cfg.Node.LogFormat = "text"

	cfg.Listen.Transport = a.Transport
	cfg.Listen.Address = a.ListenAddr
	if a.Transport == string(transport.TransportWebSocket) {
		cfg.Listen.Path = a.ListenPath
	}
	cfg.Listen.TLS = a.TLS

	cfg.Bootstrap = append([]config.BootstrapConfig{}, a.Bootstrap...)

	if a.MaxPeers > 0 {
		cfg.Peers.MaxPeers = a.MaxPeers
	}
	cfg.Handshake.Encryption = a.Encryption

	cfg.Health.Enabled = a.HealthEnabled
	if a.Transport != string(transport.TransportTCP) && a.TLS.Cert == "" {
		cfg.Dial.InsecureSkipVerify = true
	}

	return cfg
}

// WriteConfig writes cfg as YAML with a header comment, creating the
// parent directory.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# p2p-node configuration\n# Generated by setup wizard\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(id identity.PeerID, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Peer ID:      %s\n", id.String())
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Node.DataDir)
	fmt.Printf("  Listener:     %s://%s\n", cfg.Listen.Transport, cfg.Listen.Address)
	fmt.Printf("  Bootstrap:    %d peer(s)\n", len(cfg.Bootstrap))
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the node:")
	fmt.Printf("    p2p-node run -c %s\n", configPath)
	fmt.Println()
}

func transportOptions() []huh.Option[string] {
	return []huh.Option[string]{
		huh.NewOption("TCP (default)", string(transport.TransportTCP)),
		huh.NewOption("WebSocket (TCP, proxy-friendly)", string(transport.TransportWebSocket)),
		huh.NewOption("QUIC (UDP)", string(transport.TransportQUIC)),
	}
}

// NormalizePeerID lowercases a pasted peer ID and strips spaces, colons
// and a 0x prefix.
func NormalizePeerID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	return strings.NewReplacer(" ", "", ":", "").Replace(s)
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validatePath(s string) error {
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validatePeerID(s string) error {
	s = NormalizePeerID(s)
	if s == "" {
		return nil
	}
	if _, err := identity.ParsePeerID(s); err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	return nil
}

func validatePositiveInt(s string) error {
	_, err := parsePositiveInt(s)
	return err
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("must be a positive number")
	}
	return n, nil
}

func validateFileExists(s string) error {
	if s == "" {
		return fmt.Errorf("file path is required")
	}
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
