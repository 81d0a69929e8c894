// Package wizard provides an interactive setup wizard for adbridge.
package wizard

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/config"
	"gopkg.in/yaml.v3"
)

// Result contains the wizard output.
type Result struct {
	Config      *config.Config
	ConfigPath  string
	Fingerprint string
	KeyCreated  bool
}

// Answers holds everything the forms collect.
type Answers struct {
	ConfigPath string
	KeyDir     string
	Identity   string

	Transport  string
	Address    string
	Proxy      string
	KillServer bool

	LogLevel        string
	BindMode        string
	AddressMode     string
	VerifyChecksums bool
	HealthEnabled   bool
}

// DefaultAnswers returns the values the forms start with.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:  "./adbridge.yaml",
		KeyDir:      def.Auth.KeyDir,
		Transport:   def.Device.Transport,
		Address:     def.Device.Address,
		LogLevel:    def.Logging.Level,
		BindMode:    def.Session.BindMode,
		AddressMode: def.Session.AddressMode,
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
	if err := w.askDevice(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identity := cfg.Auth.Identity
	if identity == "" {
		identity = adbkey.Identity()
	}
	key, created, err := adbkey.LoadOrCreate(config.ExpandHome(cfg.Auth.KeyDir), identity)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize adb key: %w", err)
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	result := &Result{
		Config:      cfg,
		ConfigPath:  a.ConfigPath,
		Fingerprint: key.Fingerprint(),
		KeyCreated:  created,
	}
	w.printSummary(result)

	return result, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _ _          _     _
   __ _  __| | |__  _ __(_) __| | __ _  ___
  / _' |/ _' | '_ \| '__| |/ _' |/ _' |/ _ \
 | (_| | (_| | |_) | |  | | (_| | (_| |  __/
  \__,_|\__,_|_.__/|_|  |_|\__,_|\__, |\___|
                                 |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  ADB device bridge - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the configuration and the adb key live."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./adbridge.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Key Directory").
				Description("Holds adbkey and adbkey.pub; ~/.android shares the key with the adb tool").
				Placeholder("~/.android").
				Value(&a.KeyDir).
				Validate(required("key directory")),

			huh.NewInput().
				Title("Identity").
				Description("Name shown in the device's authorization prompt (empty for user@host)").
				Placeholder(adbkey.Identity()).
				Value(&a.Identity),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askDevice(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Device").
				Description("Configure how the device is reached."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP (adb tcpip)", "tcp"),
					huh.NewOption("WebSocket (relay)", "ws"),
				).
				Value(&a.Transport),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Transport == "ws" && !strings.HasPrefix(a.Address, "ws") {
		a.Address = "ws://127.0.0.1:8000/adb"
	}

	group := []huh.Field{
		huh.NewInput().
			Title("Device Address").
			Description(addressHint(a.Transport)).
			Value(&a.Address).
			Validate(func(s string) error { return validateAddress(a.Transport, s) }),
	}
	if a.Transport == "tcp" {
		group = append(group,
			huh.NewInput().
				Title("SOCKS5 Proxy").
				Description("Optional socks5://host:port to reach the device through").
				Value(&a.Proxy).
				Validate(validateProxy),
			huh.NewConfirm().
				Title("Stop a local adb server before connecting?").
				Description("adb server keeps USB devices claimed while it runs").
				Value(&a.KillServer),
		)
	}

	return huh.NewForm(huh.NewGroup(group...)).WithTheme(w.theme).Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure protocol checks, monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Stream Binding").
				Description("How device replies are matched to opened streams").
				Options(
					huh.NewOption("First unclaimed (compatible)", "first-unclaimed"),
					huh.NewOption("By local id (concurrent opens)", "local-id"),
				).
				Value(&a.BindMode),

			huh.NewSelect[string]().
				Title("Reply Addressing").
				Description("Which id outbound OKAY, WRTE and CLSE carry in arg1").
				Options(
					huh.NewOption("Local id (compatible)", "local"),
					huh.NewOption("Device id", "remote"),
				).
				Value(&a.AddressMode),

			huh.NewConfirm().
				Title("Verify payload checksums?").
				Description("Newer devices send zero checksums; leave off unless the device fills them in").
				Value(&a.VerifyChecksums),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Device.Transport = a.Transport
	cfg.Device.Address = strings.TrimSpace(a.Address)
	cfg.Device.KillServer = a.KillServer
	if a.Transport == "tcp" {
		cfg.Device.Proxy = strings.TrimSpace(a.Proxy)
	}

	if a.KeyDir != "" {
		cfg.Auth.KeyDir = a.KeyDir
	}
	cfg.Auth.Identity = strings.TrimSpace(a.Identity)

	if a.LogLevel != "" {
		cfg.Logging.Level = a.LogLevel
	}
	cfg.Logging.Format = "text"

	if a.BindMode != "" {
		cfg.Session.BindMode = a.BindMode
	}
	if a.AddressMode != "" {
		cfg.Session.AddressMode = a.AddressMode
	}
	cfg.Session.VerifyChecksums = a.VerifyChecksums

	cfg.Health.Enabled = a.HealthEnabled

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# adbridge configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(r *Result) {
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

	keyNote := "existing"
	if r.KeyCreated {
		keyNote = "generated"
	}
	fmt.Printf("  Config file:  %s\n", r.ConfigPath)
	fmt.Printf("  Device:       %s (%s)\n", r.Config.Device.Address, r.Config.Device.Transport)
	fmt.Printf("  Key:          %s (%s)\n", r.Fingerprint, keyNote)

	if r.Config.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", r.Config.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To check the device:")
	fmt.Printf("    adbridge probe -c %s\n", r.ConfigPath)
	fmt.Println()
	if r.KeyCreated {
		fmt.Println("  Accept the authorization prompt on the device the first time you connect.")
		fmt.Println()
	}
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
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

func addressHint(transport string) string {
	if transport == "ws" {
		return "WebSocket URL of the relay (ws:// or wss://)"
	}
	return "host:port where adbd listens (usually port 5555)"
}

func validateAddress(transport, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("device address is required")
	}
	if transport == "ws" {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("address must be a ws:// or wss:// URL")
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validateProxy(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || !strings.HasPrefix(u.Scheme, "socks5") || u.Host == "" {
		return fmt.Errorf("proxy must be a socks5://host:port URL")
	}
	return nil
}
