package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisdesk/aegis/internal/app"
	"github.com/aegisdesk/aegis/internal/config"
	"github.com/aegisdesk/aegis/internal/health"
	"github.com/aegisdesk/aegis/internal/logging"
)

func loadConfig() (*config.Config, error) {
	path := configPath()
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the aegis daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			if err := a.Start(); err != nil {
				return err
			}

			fmt.Printf("aegis v%s running - gateway http://%s:%d\n", version, cfg.Gateway.Host, cfg.Gateway.Port)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Println("\nShutting down...")

			return a.Stop()
		},
	}
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and tracked tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Status output is parsed by scripts; keep log lines out of it.
			logging.Suppress()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s:%d/api/v1/status", cfg.Gateway.Host, cfg.Gateway.Port)
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				fmt.Println("Status: not running")
				return nil
			}
			defer resp.Body.Close()

			var status struct {
				UptimeSeconds float64           `json:"uptime_seconds"`
				TasksRunning  int               `json:"tasks_running"`
				TasksTracked  int               `json:"tasks_tracked"`
				Subsystems    map[string]string `json:"subsystems"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			if jsonOutput {
				out, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			uptime := time.Duration(status.UptimeSeconds * float64(time.Second)).Round(time.Second)
			fmt.Println("Aegis Status")
			fmt.Println("────────────")
			fmt.Printf("Uptime:  %s\n", uptime)
			fmt.Printf("Tasks:   %d running, %d tracked\n", status.TasksRunning, status.TasksTracked)
			for name, state := range status.Subsystems {
				fmt.Printf("  %-12s %s\n", name, state)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			report := health.RunChecks(cfg)

			fmt.Println("Checks")
			for _, c := range report.Checks {
				fmt.Printf("  %s %-10s %s\n", c.Status.Symbol(), c.Name, c.Message)
				if c.Fix != "" && c.Status != health.StatusOK {
					fmt.Printf("      fix: %s\n", c.Fix)
				}
			}

			fmt.Println("Subsystems")
			for _, s := range report.Subsystems {
				note := s.Note
				if note == "" {
					note = "ready"
				}
				fmt.Printf("  %s %-12s %s\n", s.Status.Symbol(), s.Name, note)
			}

			if !report.Healthy() {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})

	return cmd
}
