// Switchboard relays chat turns to a hosted conversational backend and
// turns the agents' replies into safe, display-ready message fragments.
//
// Usage:
//
//	switchboard init [dir]         Initialize a working directory (default: .)
//	switchboard serve              Start the web server
//	switchboard render [file]      Format text as an agent reply (stdin when no file)
//	switchboard version            Print version and build information
//	switchboard -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/broker"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/chat"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/messages"
	"github.com/nugget/switchboard/internal/usage"
	"github.com/nugget/switchboard/internal/web"
)

// brokerRatePerMinute caps events forwarded to MQTT and AMQP.
const brokerRatePerMinute = 600

// main only builds the OS environment and hands off to [run], which
// keeps os.Exit and the std streams out of testable code.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because
// the flag package's globals get in the way of calling run from
// parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case args[i] == "-" && command != "":
			cmdArgs = append(cmdArgs, args[i])
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "render":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: switchboard render [file]")
		}
		src := "-"
		if len(cmdArgs) == 1 {
			src = cmdArgs[0]
		}
		return runRender(stdin, stdout, src, outputFmt)
	case "init":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: switchboard init [dir]")
		}
		dir := "."
		if len(cmdArgs) == 1 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runRender formats text the way an agent reply would be shown, with
// no backend and no storage. In text mode each fragment is printed on
// its own, separated by a blank line.
func runRender(stdin io.Reader, stdout io.Writer, src, outputFmt string) error {
	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	svc := chat.New(config.BackendConfig{}, config.RenderConfig{}, chat.Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	frags, err := svc.Preview(string(data))
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(frags)
	}
	for i, f := range frags {
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		fmt.Fprintln(stdout, f.Content)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Switchboard - multi-agent chat relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchboard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]     Initialize a working directory (default: .)")
	fmt.Fprintln(w, "  serve          Start the web server")
	fmt.Fprintln(w, "  render [file]  Format text as an agent reply (reads stdin without a file)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// stores bundles the SQLite stores opened for serve.
type stores struct {
	agents   *agents.Store
	messages *messages.Store
	usage    *usage.Store
}

func openStores(dataDir string) (*stores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &stores{}
	var err error
	if s.agents, err = agents.NewStore(filepath.Join(dataDir, "agents.db")); err != nil {
		return nil, fmt.Errorf("open agent registry: %w", err)
	}
	if s.messages, err = messages.NewStore(filepath.Join(dataDir, "messages.db")); err != nil {
		s.Close()
		return nil, fmt.Errorf("open message store: %w", err)
	}
	if s.usage, err = usage.NewStore(filepath.Join(dataDir, "usage.db")); err != nil {
		s.Close()
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	return s, nil
}

func (s *stores) Close() error {
	var errs []error
	if s.agents != nil {
		errs = append(errs, s.agents.Close())
	}
	if s.messages != nil {
		errs = append(errs, s.messages.Close())
	}
	if s.usage != nil {
		errs = append(errs, s.usage.Close())
	}
	return errors.Join(errs...)
}

// runServe loads config, opens the stores, connects any configured
// brokers and serves HTTP until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Switchboard", "build", buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Level was checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"backend", cfg.Backend.BaseURL,
	)
	if !cfg.Backend.Configured() {
		logger.Warn("no backend configured; chat turns will be rejected")
	}

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	chatSvc := chat.New(cfg.Backend, cfg.Render, chat.Deps{
		Messages: st.messages,
		Agents:   st.agents,
		Usage:    st.usage,
		Bus:      bus,
		Logger:   logger,
	})

	if cfg.Backend.Configured() {
		go func() {
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			defer pingCancel()
			if err := chatSvc.CheckBackend(pingCtx); err != nil {
				logger.Warn("backend unreachable at startup", "base_url", cfg.Backend.BaseURL, "error", err)
				return
			}
			logger.Info("backend reachable", "base_url", cfg.Backend.BaseURL)
		}()
	}

	pubs, stopBrokers, err := startBrokers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopBrokers()
	if len(pubs) > 0 {
		go broker.NewForwarder(bus, pubs, brokerRatePerMinute, logger).Run(ctx)
	}

	server := web.NewServer(web.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		BrandName: cfg.BrandName,
	}, web.Deps{
		Chat:     chatSvc,
		Messages: st.messages,
		Agents:   st.agents,
		Usage:    st.usage,
		Bus:      bus,
		Logger:   logger,
	})

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	<-shutdownDone

	logger.Info("Switchboard stopped")
	return nil
}

// startBrokers connects the configured brokers. A broker that cannot be
// reached at startup is logged and skipped rather than failing serve.
// The returned stop function disconnects everything that was started.
func startBrokers(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]broker.Publisher, func(), error) {
	if !cfg.MQTT.Configured() && !cfg.AMQP.Configured() {
		logger.Info("broker forwarding disabled (not configured)")
		return nil, func() {}, nil
	}

	instanceID, err := broker.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load instance id: %w", err)
	}
	logger.Info("instance ID loaded", "instance_id", instanceID)

	var pubs []broker.Publisher
	var stops []func()

	if cfg.MQTT.Configured() {
		m := broker.NewMQTT(cfg.MQTT, instanceID, logger)
		if err := m.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed", "error", err)
		} else {
			pubs = append(pubs, m)
			stops = append(stops, func() {
				offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := m.Stop(offlineCtx); err != nil {
					logger.Error("mqtt shutdown failed", "error", err)
				}
			})
			logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
		}
	}

	if cfg.AMQP.Configured() {
		a, err := broker.DialAMQP(ctx, cfg.AMQP, instanceID, logger)
		if err != nil {
			logger.Error("amqp publisher failed", "error", err)
		} else {
			pubs = append(pubs, a)
			stops = append(stops, func() {
				if err := a.Close(); err != nil {
					logger.Error("amqp shutdown failed", "error", err)
				}
			})
			logger.Info("amqp forwarding enabled", "exchange", cfg.AMQP.Exchange)
		}
	}

	return pubs, func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

// loadConfig finds, parses and validates the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
