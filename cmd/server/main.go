// Command server boots the okcvm kernel: Tool Registry, optional
// Conversation Persistence, Session Store, HTTP Surface, and Background
// Reaper, wired together through a cobra.OnInitialize chain and a single
// server subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"okcvm/internal/config"
	"okcvm/internal/convstore"
	"okcvm/internal/httpapi"
	"okcvm/internal/logging"
	"okcvm/internal/reaper"
	"okcvm/internal/sessionstore"
	"okcvm/internal/toolregistry"
	"okcvm/internal/version"
	"okcvm/pkg/llm/testdriver"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "okcvm",
	Short:   "okcvm - the OK Computer VM session-orchestration kernel",
	Version: version.GetFullVersionString(),
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the okcvm HTTP surface",
	RunE:  runServer,
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	serverCmd.Flags().String("host", "", "bind host (overrides config)")
	serverCmd.Flags().Int("port", 0, "bind port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/okcvm/okcvm.yaml)")
	serverCmd.Flags().Bool("reload", false, "watch SIGHUP and hot-reload the config snapshot instead of requiring a restart")

	viper.BindPFlag("host", serverCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", serverCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(serverCmd)
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		logging.Initialize(false)
		return
	}
	logging.Initialize(cfg.Debug)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCodeError lets runServer report a specific exit code (1 config
// invalid, 2 port in use) instead of cobra's default 1.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}
	if cfg.Host == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return &exitCodeError{code: 1, err: fmt.Errorf("invalid host/port %q:%d", cfg.Host, cfg.Port)}
	}

	// Register a process-wide TracerProvider so internal/vm's spans
	// (tracer.Start(ctx, "vm.respond", ...)) have somewhere to go even
	// without a configured exporter; an operator wires a real exporter by
	// swapping this provider's options, not by changing vm.go.
	otel.SetTracerProvider(sdktrace.NewTracerProvider())

	registry := toolregistry.New()
	if err := registry.LoadManifestFile(cfg.ToolManifestPath); err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("load tool manifest: %w", err)}
	}
	registry.Register("shell", toolregistry.ShellHandler())
	registry.Register("read_file", toolregistry.ReadFileHandler())
	registry.Register("write_file", toolregistry.WriteFileHandler())
	registry.Register("list_files", toolregistry.ListFilesHandler())
	if execCode, err := toolregistry.ExecuteCodeHandler(); err != nil {
		logging.Info("execute_code tool disabled: %v", err)
	} else {
		registry.Register("execute_code", execCode)
	}

	driver := testdriver.New(testdriver.TextStep("this deployment has no production LLM driver configured"))

	store, err := newSessionStore(cfg)
	if err != nil {
		return &exitCodeError{code: 1, err: err}
	}

	srv := httpapi.New(cfg, store, registry, driver)

	var convRepo *convstore.ConversationRepo
	if cfg.DatabaseURL != "" {
		db, err := convstore.Open(cfg.DatabaseURL)
		if err != nil {
			return &exitCodeError{code: 1, err: fmt.Errorf("open conversation store: %w", err)}
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return &exitCodeError{code: 1, err: fmt.Errorf("migrate conversation store: %w", err)}
		}
		convRepo = convstore.NewConversationRepo(db.Conn())
		srv = srv.WithConversationStore(convRepo)
	}

	if err := probeListen(cfg.Host, cfg.Port); err != nil {
		return &exitCodeError{code: 2, err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	liveConvIDs := func() map[string]bool { return nil }
	if convRepo != nil {
		liveConvIDs = func() map[string]bool {
			ids, err := convRepo.AllConversationIDs(ctx)
			if err != nil {
				return nil
			}
			out := make(map[string]bool, len(ids))
			for _, id := range ids {
				out[id] = true
			}
			return out
		}
	}

	r := reaper.New(store, cfg.DeploymentsRoot, liveConvIDs)
	if err := r.Start(); err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("start reaper: %w", err)}
	}
	defer r.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if watchReload, _ := cmd.Flags().GetBool("reload"); watchReload {
		reloadCh := make(chan os.Signal, 1)
		signal.Notify(reloadCh, syscall.SIGHUP)
		go watchReloads(reloadCh)
	}

	go func() {
		<-sigCh
		cancel()
	}()

	logging.Info("okcvm server listening on %s:%d", cfg.Host, cfg.Port)
	return srv.Start(ctx)
}

func watchReloads(ch <-chan os.Signal) {
	for range ch {
		cfg, err := config.Reload()
		if err != nil {
			logging.Info("config reload failed: %v", err)
			continue
		}
		logging.Initialize(cfg.Debug)
		logging.Info("config reloaded")
	}
}

func newSessionStore(cfg *config.Config) (sessionstore.Store, error) {
	switch strings.ToLower(cfg.SessionStoreBackend) {
	case "", "memory":
		return sessionstore.NewMemoryStore(), nil
	case "nats":
		if cfg.NATSUrl == "" {
			return nil, fmt.Errorf("session_store_backend=nats requires nats_url to be set")
		}
		nc, err := nats.Connect(cfg.NATSUrl)
		if err != nil {
			return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATSUrl, err)
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("obtain jetstream context: %w", err)
		}
		return sessionstore.NewNATSStore(js)
	default:
		return nil, fmt.Errorf("unknown session_store_backend %q", cfg.SessionStoreBackend)
	}
}

// probeListen confirms the configured address is free before starting the
// real listener inside http.Server.ListenAndServe, so a port conflict is
// reported as exit code 2 rather than buried in a background goroutine's
// error channel.
func probeListen(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port in use: %w", err)
	}
	return ln.Close()
}
