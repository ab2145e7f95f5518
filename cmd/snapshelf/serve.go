package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/snapshelf/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the snapshelf server",
	Long: `Start the snapshelf HTTP server and its stage workers.

Unfinished tasks from a previous run are re-enqueued on start. On Ctrl+C
or SIGTERM the server stops accepting uploads, drains the workers and
stops DefraDB if it started it.

The server provides:
  - /health        - Basic server health check
  - /ready         - Readiness check (includes store status)
  - /status        - Queue counters and stage list
  - /api/uploads   - Submit and poll cover photos
  - /api/books/:id - Fetch a verified book and its excerpt

Examples:
  snapshelf serve                    # Start on the configured address
  snapshelf serve --port 3000        # Start on custom port
  snapshelf serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		h, err := getHome()
		if err != nil {
			return err
		}
		cm, err := loadConfig(h)
		if err != nil {
			return err
		}
		if f := cm.ConfigFile(); f != "" {
			logger.Info("config loaded", "file", f)
			cm.WatchConfig()
		}
		cfg := cm.Get()

		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		rt, err := server.Build(ctx, cfg, h, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Runtime:       rt,
			PresignTTL:    cfg.Blob.PresignTTL,
			Home:          h,
			ConfigManager: cm,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (overrides server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on (overrides server.port)")

	rootCmd.AddCommand(serveCmd)
}
