package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/initializ/skillhost/host"
	"github.com/initializ/skillhost/server"
	"github.com/initializ/skillhost/telemetry"
)

var (
	servePort     int
	serveHost     string
	serveManifest string
	serveEventLog string
	serveVerbose  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the skill host daemon",
	Long: `Run the skill host daemon.

Loads the skill manifest, serves the operator JSON-RPC API over HTTP and
streams telemetry events to websocket clients on /events. Skills are
spawned on demand when their tools are first called.

Examples:
  skillhost serve                       # Serve on 127.0.0.1:8080
  skillhost serve --port 9090           # Custom port
  skillhost serve --manifest skills.yaml --events events.ndjson`,
	RunE: serveRun,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP server port (overrides config file)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (use 0.0.0.0 for containers)")
	serveCmd.Flags().StringVar(&serveManifest, "manifest", "", "path to skill manifest (overrides config file)")
	serveCmd.Flags().StringVar(&serveEventLog, "events", "", "append telemetry events to this NDJSON file")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "enable debug logging")
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadHostConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if serveManifest != "" {
		cfg.ManifestPath = serveManifest
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "skills.yaml"
	}

	logger := telemetry.NewJSONLogger(os.Stderr, serveVerbose)

	events := telemetry.NewFanoutSink()
	if serveEventLog != "" {
		f, err := os.OpenFile(serveEventLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		events.Add(telemetry.NewNDJSONSink(f))
	}

	h, err := host.New(host.Config{
		HostConfig: *cfg,
		Logger:     logger,
		Sink:       events,
	})
	if err != nil {
		return err
	}
	defer h.Shutdown()

	srv := server.New(server.Config{
		Port:            cfg.Port,
		Host:            cfg.Host,
		ShutdownTimeout: 10 * time.Second,
		Runtime:         h,
		Logger:          logger,
		Events:          events,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("skill host starting", map[string]any{
		"manifest": cfg.ManifestPath,
		"max":      cfg.MaxConcurrent,
	})
	return srv.Start(ctx)
}
