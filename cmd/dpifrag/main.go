// Command dpifrag is the DPI-evasion proxy's CLI: it can run the proxy
// directly, drive a standalone bypass/fragmentation listener, exercise the
// packet-level transform pipeline over loopback, or talk to an
// already-running instance through its control socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/havenwall/dpifrag/pkg/bypass"
	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/control"
	"github.com/havenwall/dpifrag/pkg/engine"
	"github.com/havenwall/dpifrag/pkg/flow"
	"github.com/havenwall/dpifrag/pkg/logging"
	"github.com/havenwall/dpifrag/pkg/pipeline"
	"github.com/havenwall/dpifrag/pkg/stats"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagJSONLogs   bool
	flagSocket     string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dpifrag",
		Short:         "DPI-evading HTTP/HTTPS proxy",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a TOML or JSON config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "trace|debug|info|warn|error")
	root.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit logs as JSON instead of text")
	root.PersistentFlags().StringVar(&flagSocket, "socket", control.DefaultSocketPath, "control-plane UNIX socket path")

	root.AddCommand(
		newBypassCmd(),
		newRunCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newHealthCmd(),
		newStatsCmd(),
		newResetStatsCmd(),
		newValidateCmd(),
		newReloadCmd(),
		newGenConfigCmd(),
	)
	return root
}

func loadConfigOrDefault() (config.Config, error) {
	if flagConfigPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(flagConfigPath)
}

func logger() *slog.Logger {
	return logging.New(flagLogLevel, flagJSONLogs)
}

// newBypassCmd reproduces the reference CLI's standalone fragmentation
// listener applying one ISP preset, with no DoH resolution or rule pipeline
// involved. Each accepted connection's first read is fragmented and the
// result logged; no upstream connection is opened and nothing is forwarded.
func newBypassCmd() *cobra.Command {
	var listenAddr, preset string
	var verbose, runPipeline bool

	cmd := &cobra.Command{
		Use:   "bypass",
		Short: "Run a standalone fragmentation listener using a fixed ISP preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			bypassCfg, err := presetConfig(preset)
			if err != nil {
				return err
			}

			if runPipeline {
				return runPipelineHarness(log, bypassCfg)
			}

			return runBypassListener(cmd.Context(), log, listenAddr, bypassCfg, verbose)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8443", "address to listen on")
	cmd.Flags().StringVar(&preset, "preset", "turk-telekom", "turk-telekom|vodafone|superonline|aggressive")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log the fragmentation result for each connection (at debug level)")
	cmd.Flags().BoolVar(&runPipeline, "pipeline", false, "exercise the packet-level transform pipeline over loopback instead of listening on TCP")
	return cmd
}

func presetConfig(name string) (bypass.Config, error) {
	switch name {
	case "turk-telekom":
		return bypass.TurkTelekom(), nil
	case "vodafone":
		return bypass.VodafoneTR(), nil
	case "superonline":
		return bypass.Superonline(), nil
	case "aggressive":
		return bypass.Aggressive(), nil
	default:
		return bypass.Config{}, fmt.Errorf("unknown preset %q", name)
	}
}

func runBypassListener(ctx context.Context, log *slog.Logger, addr string, bypassCfg bypass.Config, verbose bool) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer listener.Close()
	log.Info("bypass listener started", "addr", addr)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		listener.Close()
	}()

	eng := bypass.New(bypassCfg)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-sigCtx.Done():
				return nil
			default:
				return err
			}
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 4096)
			n, err := c.Read(buf)
			if err != nil || n == 0 {
				return
			}
			result := eng.ProcessOutgoing(buf[:n])
			if verbose {
				log.Debug("fragmented outgoing buffer",
					"protocol", result.Protocol.String(),
					"hostname", result.Hostname,
					"fragments", len(result.Fragments))
			}
		}(conn)
	}
}

// runPipelineHarness drives the packet-level transform pipeline (E/F)
// directly over a synthetic loopback flow, rather than over TCP — the
// alternate backend SPEC_FULL.md describes for packet-level delivery
// mechanisms, exercised here from the CLI rather than from a TUN device.
func runPipelineHarness(log *slog.Logger, bypassCfg bypass.Config) error {
	cfg := config.Default()
	st := stats.New()
	pipe, err := pipeline.New(cfg, st, log)
	if err != nil {
		return err
	}
	defer pipe.Cleanup()

	loopback := netip.MustParseAddr("127.0.0.1")
	key := flow.New(loopback, loopback, 54321, 443, flow.ProtocolTCP)

	sample := syntheticClientHello()
	out := pipe.Process(key, sample)

	log.Info("pipeline harness result",
		"dropped", out.Dropped,
		"matched_rule", out.MatchedRule,
		"primary_len", len(out.Primary),
		"additional_fragments", len(out.Additional),
		"delay", out.Delay)

	_ = bypassCfg
	return nil
}

func syntheticClientHello() []byte {
	// A minimal, not-cryptographically-valid ClientHello shape: enough of
	// the record/handshake header for pkg/sniff's detector to recognize it
	// as TLS, used only to exercise the pipeline end to end.
	return []byte{
		0x16, 0x03, 0x01, 0x00, 0x05,
		0x01, 0x00, 0x00, 0x01, 0x00,
	}
}

// newRunCmd brings up the full proxy (HTTP CONNECT and/or SOCKS5
// frontends) plus its control plane, blocking until interrupted.
func newRunCmd() *cobra.Command {
	var proxyListen, socks5Listen string
	var enableProxy bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			settings := engine.Settings{
				ProxyListenAddr:  proxyListen,
				SOCKS5ListenAddr: socks5Listen,
				ConnectTimeout:   10 * time.Second,
				IdleTimeout:      30 * time.Second,
				MaxConnections:   1000,
			}
			if !enableProxy {
				settings.ProxyListenAddr = ""
			}

			eng := engine.New(settings, cfg, log)
			server := control.New(flagSocket, control.DefaultMaxClients, eng, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := server.ListenAndServe(ctx); err != nil {
					log.Error("control plane exited", "error", err)
				}
			}()

			<-ctx.Done()
			return eng.Stop(5 * time.Second)
		},
	}

	cmd.Flags().BoolVar(&enableProxy, "proxy", true, "enable the HTTP CONNECT frontend")
	cmd.Flags().StringVar(&proxyListen, "listen", "127.0.0.1:8080", "HTTP CONNECT frontend listen address")
	cmd.Flags().StringVar(&socks5Listen, "socks5-listen", "", "SOCKS5 frontend listen address (disabled if empty)")
	return cmd
}

func controlCommand(use, short string, cmdType control.CommandType, render func(control.Response) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := control.Dial(flagSocket)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(cmdType, nil)
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s", resp.Payload)
			}
			return render(resp)
		},
	}
}

func printResult(resp control.Response) error {
	if len(resp.Result) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty interface{}
	if err := json.Unmarshal(resp.Result, &pretty); err != nil {
		fmt.Println(string(resp.Result))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newStartCmd() *cobra.Command {
	return controlCommand("start", "Start a running, idle engine", control.CommandStart, printResult)
}

func newStopCmd() *cobra.Command {
	return controlCommand("stop", "Stop a running engine", control.CommandStop, printResult)
}

func newStatusCmd() *cobra.Command {
	return controlCommand("status", "Report engine lifecycle state", control.CommandGetStatus, printResult)
}

func newHealthCmd() *cobra.Command {
	return controlCommand("health", "Report API version, state, and uptime", control.CommandHealth, printResult)
}

func newStatsCmd() *cobra.Command {
	return controlCommand("stats", "Print the engine's counters", control.CommandGetStats, printResult)
}

func newResetStatsCmd() *cobra.Command {
	return controlCommand("reset-stats", "Reset the engine's counters to zero", control.CommandResetStats, printResult)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a config file without running the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config valid")
			return nil
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload FILE",
		Short: "Push a new config to a running engine over the control socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			raw, err := json.Marshal(cfg)
			if err != nil {
				return err
			}

			c, err := control.Dial(flagSocket)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(control.CommandReload, raw)
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s", resp.Payload)
			}
			fmt.Println("reloaded")
			return nil
		},
	}
}

func newGenConfigCmd() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Print the engine's default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()

			var out []byte
			var err error
			switch format {
			case "json":
				out, err = json.MarshalIndent(cfg, "", "  ")
			case "toml":
				out, err = marshalTOML(cfg)
			default:
				return fmt.Errorf("unknown format %q (want toml or json)", format)
			}
			if err != nil {
				return err
			}

			if output == "" {
				fmt.Println(string(out))
				return nil
			}
			return os.WriteFile(output, out, 0o644)
		},
	}

	cmd.Flags().StringVar(&format, "format", "toml", "toml|json")
	cmd.Flags().StringVar(&output, "output", "", "write to this file instead of stdout")
	return cmd
}

func marshalTOML(cfg config.Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
