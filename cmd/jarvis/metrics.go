package main

import (
	"net/http/httptest"

	"github.com/spf13/cobra"

	"github.com/jarvis-ops/jarvis/internal/agents"
)

func buildMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the current Prometheus exposition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.metrics.SetAgentsReady(countReady(a.supervisor.List()))
			a.metrics.SetPeersConnected(len(a.mesh.Discover()))

			req := httptest.NewRequest("GET", "/metrics", nil)
			rec := httptest.NewRecorder()
			a.metrics.Handler().ServeHTTP(rec, req)
			cmd.Print(rec.Body.String())
			return nil
		},
	}
}

func countReady(records []agents.AgentRecord) int {
	n := 0
	for _, r := range records {
		if r.State == agents.StateReady {
			n++
		}
	}
	return n
}
