package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jarvis-ops/jarvis/internal/toolserver"
)

func buildMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry over a transport",
	}
	cmd.AddCommand(buildMCPServerCmd())
	return cmd
}

func buildMCPServerCmd() *cobra.Command {
	var (
		transport string
		address   string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve tools/list and tools/call over stdio or WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch transport {
			case "stdio", "ws":
			default:
				return badArgsf("unknown --transport %q, want stdio or ws", transport)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.startMesh(ctx); err != nil {
				a.logger.Warn("mesh failed to start, continuing without it", "error", err)
			}

			switch transport {
			case "stdio":
				server := toolserver.NewStdioServer(a.tools, a.logger, os.Stdout, a.audit, a.metrics)
				return server.Serve(ctx, os.Stdin)
			default:
				if address == "" {
					address = a.cfg.MetricsAddr
				}
				server := toolserver.NewWSServer(a.tools, a.logger, a.audit, a.metrics)
				mux := http.NewServeMux()
				mux.Handle("/", server)
				mux.Handle("/metrics", a.metrics.Handler())
				mux.HandleFunc("/audit/tail", auditTailHandler(a))
				a.logger.Info("serving tool registry", "transport", "ws", "address", address)
				httpServer := &http.Server{Addr: address, Handler: mux}
				go func() {
					<-ctx.Done()
					_ = httpServer.Close()
				}()
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("ws server: %w", err)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport to serve on: stdio or ws")
	cmd.Flags().StringVar(&address, "address", "", "Listen address for --transport ws (default: config metrics_addr)")
	return cmd
}

// auditTailHandler serves the last N audit records as JSON, N taken from
// the ?n= query param and defaulting to the logger's own TailSize.
func auditTailHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if raw := r.URL.Query().Get("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				n = parsed
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(a.audit.Tail(n)); err != nil {
			a.logger.Error("encode audit tail", "error", err)
		}
	}
}
