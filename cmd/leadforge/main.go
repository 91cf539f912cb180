// Command leadforge is the operator shell around the lead pipeline: it
// loads configuration, wires the components, and runs the pipeline or
// one of the operator entry points.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/observability"
	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher; split out so tests can drive it.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "run", "serve":
		return runServe(args[2:], stdout, stderr)
	case "run-once":
		return runOnce(args[2:], stdout, stderr)
	case "export-now":
		return runExportNow(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "leadforge - construction lead acquisition pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  leadforge <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run         Run the pipeline (default)")
	fmt.Fprintln(w, "  run-once    Process one source (or all) synchronously and exit")
	fmt.Fprintln(w, "  export-now  Run one export batch and exit")
	fmt.Fprintln(w, "  status      Query a running instance's status endpoint")
	fmt.Fprintln(w, "  validate    Check the configuration file and exit")
	fmt.Fprintln(w, "  help        Show this help")
}

func loadConfig(path string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newObservability(ctx context.Context, logger *slog.Logger) *observability.Provider {
	obsCfg := observability.DefaultConfig()
	if ep := os.Getenv("LEADFORGE_OTLP_ENDPOINT"); ep != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = ep
		obsCfg.Environment = os.Getenv("LEADFORGE_ENV")
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Warn("observability init failed, continuing without", "error", err)
		obs, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	return obs
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "leadforge.yaml", "Path to the configuration file")
	listen := fs.String("listen", ":8081", "Health/status listen address")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	logger := newLogger(*logLevel)
	obs := newObservability(ctx, logger)
	defer func() { _ = obs.Shutdown(context.Background()) }()

	sys, err := buildSystem(cfg, &secrets.Env{Prefix: "LEADFORGE"}, obs, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer sys.close()

	if err := sys.pipeline.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           adminMux(sys),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("admin server listening", "addr", *listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "leadforge running, %d sources configured\n", len(cfg.Sources))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	_ = srv.Shutdown(context.Background())
	report := sys.pipeline.Shutdown(context.Background())
	printJSON(stdout, report)
	if !report.Clean {
		return 1
	}
	return 0
}

// adminMux exposes the operator entry points over local HTTP, in the
// spirit of the usual sidecar health server.
func adminMux(sys *system) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sys.pipeline.Status())
	})
	mux.HandleFunc("POST /pause", func(w http.ResponseWriter, r *http.Request) {
		sys.pipeline.Pause()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /resume", func(w http.ResponseWriter, r *http.Request) {
		sys.pipeline.Resume()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /export-now", func(w http.ResponseWriter, r *http.Request) {
		report, err := sys.pipeline.ExportNow(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("POST /run-once", func(w http.ResponseWriter, r *http.Request) {
		report, err := sys.pipeline.RunOnce(r.Context(), r.URL.Query().Get("source"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

func runOnce(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run-once", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "leadforge.yaml", "Path to the configuration file")
	sourceID := fs.String("source", "", "Source id to process (empty = all active sources)")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	logger := newLogger(*logLevel)
	obs := newObservability(ctx, logger)
	defer func() { _ = obs.Shutdown(context.Background()) }()

	sys, err := buildSystem(cfg, &secrets.Env{Prefix: "LEADFORGE"}, obs, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer sys.close()

	report, err := sys.pipeline.RunOnce(ctx, *sourceID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, report)
	if report.SourceErrors > 0 {
		return 1
	}
	return 0
}

func runExportNow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export-now", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "leadforge.yaml", "Path to the configuration file")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	logger := newLogger(*logLevel)
	obs := newObservability(ctx, logger)
	defer func() { _ = obs.Shutdown(context.Background()) }()

	sys, err := buildSystem(cfg, &secrets.Env{Prefix: "LEADFORGE"}, obs, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer sys.close()

	report, err := sys.pipeline.ExportNow(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, report)
	return 0
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "leadforge.yaml", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d sources, %d enrichment providers\n",
		len(cfg.Sources), len(cfg.Enrich.Providers))
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8081", "Admin address of the running instance")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	resp, err := http.Get(*addr + "/status")
	if err != nil {
		fmt.Fprintf(stderr, "Status check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Status check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	return 0
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
