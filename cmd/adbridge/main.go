// Package main provides the CLI entry point for adbridge.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/adbridge/internal/adbkey"
	"github.com/postalsys/adbridge/internal/agent"
	"github.com/postalsys/adbridge/internal/config"
	"github.com/postalsys/adbridge/internal/device"
	"github.com/postalsys/adbridge/internal/logging"
	"github.com/postalsys/adbridge/internal/probe"
	"github.com/postalsys/adbridge/internal/shell"
	"github.com/postalsys/adbridge/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// globalFlags are shared by every command that talks to a device.
type globalFlags struct {
	configPath string
	address    string
	logLevel   string
	logFormat  string
}

// exitError carries a remote exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "adbridge",
		Short: "adbridge - ADB host-side client",
		Long: `adbridge talks the ADB wire protocol to an Android device over TCP
or a WebSocket relay, without the adb server.

It authenticates with an adb RSA key, opens streams to device services
and runs shell commands, property queries and reboots.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "./adbridge.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.address, "address", "a", "", "Device address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text or json (overrides config)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keygenCmd(&g))
	rootCmd.AddCommand(probeCmd(&g))
	rootCmd.AddCommand(infoCmd(&g))
	rootCmd.AddCommand(shellCmd(&g))
	rootCmd.AddCommand(propsCmd(&g))
	rootCmd.AddCommand(rebootCmd(&g))
	rootCmd.AddCommand(killServerCmd(&g))
	rootCmd.AddCommand(serveCmd(&g))

	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist, and applies flag overrides.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = config.Default()
	}

	if g.address != "" {
		cfg.Device.Address = g.address
		if strings.HasPrefix(g.address, "ws://") || strings.HasPrefix(g.address, "wss://") {
			cfg.Device.Transport = "ws"
		}
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) logger(cfg *config.Config) *slog.Logger {
	return logging.NewLoggerWithWriter(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
}

// connect loads config and starts an agent connected to the device.
func (g *globalFlags) connect(cmd *cobra.Command) (*agent.Agent, *config.Config, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	a, err := agent.New(cfg, g.logger(cfg))
	if err != nil {
		return nil, nil, err
	}
	if _, created := a.Key(); created {
		fmt.Fprintln(os.Stderr, "Generated a new adb key; accept the authorization prompt on the device.")
	}

	if err := a.Start(cmd.Context()); err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Create a configuration file and an adb key with an interactive wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func keygenCmd(g *globalFlags) *cobra.Command {
	var keyDir, identity string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or show the adb key",
		Long:  "Generate an adb RSA key pair in the key directory, or show the existing one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyDir == "" {
				cfg, err := g.loadConfig(cmd)
				if err != nil {
					return err
				}
				keyDir = cfg.Auth.KeyDir
				if identity == "" {
					identity = cfg.Auth.Identity
				}
			}
			if identity == "" {
				identity = adbkey.Identity()
			}

			dir := config.ExpandHome(keyDir)
			key, created, err := adbkey.LoadOrCreate(dir, identity)
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("Key generated in %s\n", dir)
			} else {
				fmt.Printf("Key already exists in %s\n", dir)
			}
			fmt.Printf("Fingerprint: %s\n", key.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyDir, "key-dir", "k", "", "Key directory (default from config)")
	cmd.Flags().StringVar(&identity, "identity", "", "Identity stored with the public key (default user@host)")

	return cmd
}

func probeCmd(g *globalFlags) *cobra.Command {
	var (
		timeout     time.Duration
		jsonOutput  bool
		listen      string
		banner      string
		requireAuth bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that a device answers the handshake",
		Long: `Dial the device and complete the CNXN/AUTH handshake, then report what
the device announced. With --listen, act as a device instead and report
every client that connects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				return runProbeListener(listen, banner, requireAuth, jsonOutput)
			}

			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}

			opts := probe.Options{
				Transport: cfg.Device.Transport,
				Address:   cfg.Device.Address,
				Proxy:     cfg.Device.Proxy,
				Timeout:   timeout,
				Identity:  cfg.Auth.Identity,
				Logger:    g.logger(cfg),
			}
			if key, err := adbkey.Load(config.ExpandHome(cfg.Auth.KeyDir)); err == nil {
				opts.Key = key
			}

			res := probe.Probe(cmd.Context(), opts)

			if jsonOutput {
				out := map[string]any{
					"success":         res.Success,
					"transport":       res.Transport,
					"address":         res.Address,
					"environment":     res.Environment,
					"protocol":        fmt.Sprintf("0x%08x", res.ProtocolVersion),
					"max_data":        res.MaxData,
					"features":        res.Features,
					"auth_challenged": res.AuthChallenged,
					"rtt_ms":          float64(res.RTT.Microseconds()) / 1000,
				}
				if res.Error != nil {
					out["error"] = res.ErrorDetail
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else if res.Success {
				fmt.Printf("OK  %s://%s  %s  protocol 0x%08x  rtt %s\n",
					res.Transport, res.Address, res.Environment, res.ProtocolVersion, res.RTT.Round(time.Millisecond))
				fmt.Printf("    features: %s\n", strings.Join(res.Features, ","))
				if res.AuthChallenged {
					fmt.Println("    device requested authentication")
				}
			} else {
				fmt.Printf("FAIL  %s://%s  %s\n", res.Transport, res.Address, res.ErrorDetail)
			}

			if !res.Success {
				return exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Probe timeout")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&listen, "listen", "", "Act as a device on this address instead of probing")
	cmd.Flags().StringVar(&banner, "banner", probe.DefaultBanner, "CNXN banner to send with --listen")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "Challenge clients with AUTH before CNXN with --listen")

	return cmd
}

func runProbeListener(addr, banner string, requireAuth, jsonOutput bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	events := make(chan probe.ConnectionEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- probe.Listen(ctx, probe.ListenOptions{
			Address:     addr,
			Banner:      banner,
			RequireAuth: requireAuth,
		}, events)
	}()

	fmt.Fprintf(os.Stderr, "Listening on %s\n", addr)
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case ev := <-events:
			if jsonOutput {
				enc.Encode(ev)
				continue
			}
			if ev.Success {
				fmt.Printf("%s  %s  OK  %s", ev.Timestamp.Format(time.TimeOnly), ev.RemoteAddr, ev.Banner)
				if ev.Identity != "" {
					fmt.Printf("  key %d bits (%s)", ev.KeyBits, ev.Identity)
				}
				fmt.Println()
			} else {
				fmt.Printf("%s  %s  FAIL  %s\n", ev.Timestamp.Format(time.TimeOnly), ev.RemoteAddr, ev.Error)
			}
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func infoCmd(g *globalFlags) *cobra.Command {
	var showVars bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show what the device announced",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			sess, _ := a.Session()
			env, _ := sess.Environment()
			version, _ := sess.ProtocolVersion()
			maxData, _ := sess.MaxData()
			features, _ := sess.Features()
			vars, _ := sess.Variables()

			fmt.Printf("Address:      %s (%s)\n", cfg.Device.Address, cfg.Device.Transport)
			fmt.Printf("Environment:  %s\n", env)
			fmt.Printf("Protocol:     0x%08x\n", version)
			fmt.Printf("Max payload:  %s\n", humanize.IBytes(uint64(maxData)))
			if model := vars["ro.product.model"]; model != "" {
				fmt.Printf("Model:        %s\n", model)
			}
			fmt.Printf("Features:     %s\n", strings.Join(features, ", "))

			if showVars {
				keys := make([]string, 0, len(vars))
				for k := range vars {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println()
				for _, k := range keys {
					fmt.Printf("  %s=%s\n", k, vars[k])
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showVars, "vars", false, "Print every banner variable")

	return cmd
}

func shellCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell [command...]",
		Short: "Run a command or an interactive shell",
		Long: `Run a shell command on the device and print its output, or start an
interactive shell when no command is given. The remote exit status
becomes adbridge's exit status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()
			dev, _ := a.Device()

			ctx, cancel := signalContext()
			defer cancel()

			var code int
			if len(args) > 0 {
				res, err := dev.Exec(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Print(res.Stdout)
				fmt.Fprint(os.Stderr, res.Stderr)
				code = res.ExitCode
			} else {
				code, err = runInteractive(ctx, dev)
				if err != nil {
					return err
				}
			}

			if code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().SetInterspersed(false)

	return cmd
}

func runInteractive(ctx context.Context, dev *device.Device) (int, error) {
	restore, err := shell.MakeRaw(os.Stdin)
	if err != nil {
		return -1, fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer restore()

	sigCh := make(chan os.Signal, 1)
	shell.NotifyResize(sigCh)
	defer signal.Stop(sigCh)

	resize := make(chan shell.Size, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				select {
				case resize <- shell.TerminalSize(os.Stdout):
				default:
				}
			}
		}
	}()

	return dev.Shell(ctx, device.ShellIO{
		In:     os.Stdin,
		Out:    os.Stdout,
		Err:    os.Stderr,
		Size:   shell.TerminalSize(os.Stdout),
		Resize: resize,
	})
}

func propsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "props [name]",
		Short: "Print system properties",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()
			dev, _ := a.Device()

			if len(args) == 1 {
				v, err := dev.Prop(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			}

			props, err := dev.Props(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("[%s]: [%s]\n", k, props[k])
			}
			return nil
		},
	}
}

func rebootCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reboot [bootloader|recovery|fastboot|sideload|sideload-auto-reboot|edl]",
		Short: "Reboot the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := ""
			if len(args) == 1 {
				mode = args[0]
			}
			if !slices.Contains(device.RebootModes, mode) {
				return fmt.Errorf("%w: %q", device.ErrUnknownRebootMode, mode)
			}

			a, _, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()
			dev, _ := a.Device()

			return dev.Reboot(cmd.Context(), mode)
		},
	}
}

func killServerCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-server",
		Short: "Stop a local adb server",
		Long:  "Ask the adb server on the host to exit so it releases the device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return device.KillServer(ctx, cfg.Device.ServerAddress)
		},
	}
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Hold the device connection and serve health endpoints",
		Long: `Connect to the device and keep the session open, serving /health,
/healthz, /ready and /metrics when the health server is enabled.
Exits when the session ends or on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			cmd.SetContext(ctx)

			a, cfg, err := g.connect(cmd)
			if err != nil {
				return err
			}

			stats := a.Stats()
			fmt.Printf("Connected to %s (%s, protocol %s)\n", cfg.Device.Address, stats.Environment, stats.ProtocolVersion)
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Health server: http://%s/healthz\n", addr)
			}

			var sessErr error
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
			case <-a.Done():
				if sess, err := a.Session(); err == nil {
					sessErr = sess.Err()
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := a.StopWithContext(stopCtx); err != nil {
				return err
			}
			if sessErr != nil {
				return fmt.Errorf("session ended: %w", sessErr)
			}
			return nil
		},
	}
}
