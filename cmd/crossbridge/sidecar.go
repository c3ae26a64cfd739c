package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossstack-ai/crossbridge/internal/health"
	"github.com/crossstack-ai/crossbridge/internal/orchestrator"
	"github.com/crossstack-ai/crossbridge/internal/sidecar"
)

func (a *app) sidecarCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "sidecar", Short: "Observer runtime for in-test event producers"}

	var mode, host string
	var port int
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the sidecar until SIGTERM, then drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				a.cfg.Sidecar.Mode = mode
			}
			if host != "" {
				a.cfg.Sidecar.Host = host
			}
			if port != 0 {
				a.cfg.Sidecar.Port = port
			}
			if err := a.cfg.Validate(); err != nil {
				return a.fail(err)
			}
			return a.runSidecar(cmd.Context())
		},
	}
	startCmd.Flags().StringVar(&mode, "mode", "", "observer|embedded")
	startCmd.Flags().StringVar(&host, "host", "", "listen host")
	startCmd.Flags().IntVar(&port, "port", 0, "listen port")

	var probeHost string
	var probePort int
	probeCmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Probe a running sidecar's /health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if probeHost != "" {
				a.cfg.Sidecar.Host = probeHost
			}
			if probePort != 0 {
				a.cfg.Sidecar.Port = probePort
			}
			return a.testConnection(cmd.Context())
		},
	}
	probeCmd.Flags().StringVar(&probeHost, "host", "", "sidecar host")
	probeCmd.Flags().IntVar(&probePort, "port", 0, "sidecar port")

	cmd.AddCommand(startCmd, probeCmd)
	return cmd
}

func (a *app) runSidecar(ctx context.Context) error {
	st, err := a.openStore()
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	srv := sidecar.NewServer(a.cfg, a.configPath, st, a.logger.Named("sidecar"))
	srv.RegisterHealthCheck("persistence", func() (health.ComponentStatus, bool) {
		status := health.ComponentStatus{Name: "persistence", Status: health.StatusHealthy}
		probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h := st.Health(probeCtx)
		if !h.OK {
			status.Status = health.StatusDegraded
			status.Detail = "backend unreachable, spooling"
		}
		if !st.Healthy() {
			status.Status = health.StatusUnhealthy
			status.Detail = "writes stale and spool aging"
		}
		return status, true
	})

	if err := srv.Run(ctx); err != nil {
		return a.fail(err)
	}
	return nil
}

func (a *app) testConnection(ctx context.Context) error {
	url := a.cfg.SidecarEndpoint() + "/health"
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return a.fail(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return a.fail(fmt.Errorf("sidecar unreachable at %s: %w", url, err))
	}
	defer resp.Body.Close()

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return a.fail(fmt.Errorf("malformed health response: %w", err))
	}
	if a.jsonOut {
		return printJSON(report)
	}
	fmt.Printf("sidecar %s: %s (version %s, uptime %.0fs)\n",
		a.cfg.SidecarEndpoint(), report.Status, report.Version, report.UptimeSeconds)
	for _, c := range report.Components {
		fmt.Printf("  %-12s %s", c.Name, c.Status)
		if c.Detail != "" {
			fmt.Printf("  (%s)", c.Detail)
		}
		fmt.Println()
	}
	if report.Status == health.StatusUnhealthy {
		a.exit = orchestrator.ExitExecution
	}
	return nil
}
