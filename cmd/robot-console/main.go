// Command robot-console runs the voice gateway that robots connect to over
// websocket.
//
// Usage:
//
//	robot-console [serve] [--config robot.yaml]
//	robot-console config [--config robot.yaml]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/MediaRise-Robot-Console/internal/dotenv"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/config"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/handlers"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/lifecycle"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
	gatewayserver "github.com/digkill/MediaRise-Robot-Console/pkg/gateway/server"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/tools"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/upstream"
)

const serverName = "robot-console"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// forceCloseWait bounds how long shutdown waits after closing connections
// that outlived the grace period.
const forceCloseWait = 2 * time.Second

type serveDeps struct {
	loadConfig     func(path string) (config.Config, error)
	buildProviders func(ctx context.Context, cfg config.Config, reg *registry.Registry) (handlers.Providers, error)
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig:     config.Load,
		buildProviders: buildProviders,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("ROBOT_CONFIG_FILE")
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: device connections are long-lived websockets.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func buildProviders(ctx context.Context, cfg config.Config, reg *registry.Registry) (handlers.Providers, error) {
	factory := upstream.Factory{HTTPClient: upstream.NewHTTPClient(cfg.UpstreamConnectTimeout)}

	transcriber, err := factory.Transcriber(cfg.STT)
	if err != nil {
		return handlers.Providers{}, fmt.Errorf("stt: %w", err)
	}
	responder, err := factory.Responder(ctx, cfg.LLM)
	if err != nil {
		return handlers.Providers{}, fmt.Errorf("llm: %w", err)
	}
	synthesizer, err := factory.Synthesizer(cfg.TTS)
	if err != nil {
		return handlers.Providers{}, fmt.Errorf("tts: %w", err)
	}

	info := tools.ServerInfo{Name: serverName, Version: version}
	builtins, err := tools.Builtins(info, reg, time.Now())
	if err != nil {
		return handlers.Providers{}, fmt.Errorf("tools: %w", err)
	}
	toolRegistry, err := tools.NewRegistry(info, builtins...)
	if err != nil {
		return handlers.Providers{}, fmt.Errorf("tools: %w", err)
	}

	return handlers.Providers{
		Transcriber: transcriber,
		Responder:   responder,
		Synthesizer: synthesizer,
		Tools:       toolRegistry,
	}, nil
}

func runServe(ctx context.Context, stderr io.Writer, path string, deps serveDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildProviders == nil {
		return errors.New("missing buildProviders dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)
	for _, issue := range cfg.Issues() {
		logger.Warn("configuration issue", "issue", issue)
	}

	reg := registry.New(registry.Config{
		IdleTTL:       cfg.Registry.IdleTTL,
		SweepInterval: cfg.Registry.SweepInterval,
	}, logger)
	lc := lifecycle.New()

	providers, err := deps.buildProviders(ctx, cfg, reg)
	if err != nil {
		return err
	}

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Registry:  reg,
		Lifecycle: lc,
		Providers: providers,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting robot console",
		"addr", cfg.Addr,
		"version", version,
		"stt", cfg.STT.Provider,
		"llm", cfg.LLM.Provider,
		"tts", cfg.TTS.Provider,
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()

	g, gctx := errgroup.WithContext(sweepCtx)
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error { return reg.Run(gctx) })

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case <-gctx.Done():
		// The listener failed before any signal arrived.
		return g.Wait()
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)
	warned := reg.WarnAll(string(registry.ReasonShutdown), "server is shutting down")
	logger.Info("draining", "warned_sessions", warned, "grace_period", cfg.ShutdownGracePeriod)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Shutdown does not track hijacked websocket connections.
	if !reg.Wait(shutdownCtx) {
		closed := reg.CloseAll(registry.ReasonShutdown)
		logger.Warn("grace period elapsed, closing sessions", "closed", closed)
		forceCtx, forceCancel := context.WithTimeout(context.Background(), forceCloseWait)
		defer forceCancel()
		if !reg.Wait(forceCtx) {
			logger.Warn("sessions still attached after close")
		}
	}

	stopSweep()
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("robot console stopped")
	return nil
}

func runConfig(w io.Writer, path string, load func(string) (config.Config, error)) error {
	cfg, err := load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out, err := cfg.Redacted().YAML()
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return err
	}
	for _, issue := range cfg.Issues() {
		fmt.Fprintf(w, "# issue: %s\n", issue)
	}
	return nil
}

func newRootCmd(ctx context.Context, deps serveDeps) *cobra.Command {
	var cfgFlag string

	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(ctx, cmd.ErrOrStderr(), configPath(cfgFlag), deps)
	}

	root := &cobra.Command{
		Use:           serverName,
		Short:         "Voice gateway for robot devices",
		Long:          "robot-console accepts robot websocket connections and answers speech with speech.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&cfgFlag, "config", "", "YAML config file (overrides ROBOT_CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfig(cmd.OutOrStdout(), configPath(cfgFlag), deps.loadConfig)
		},
	})
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps serveDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	res, err := dotenv.Load(".env")
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", serverName, err)
		return 1
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(stderr, "%s: %s: skipped malformed lines %v\n", serverName, res.Path, res.Skipped)
	}

	root := newRootCmd(ctx, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", serverName, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultServeDeps()))
}
