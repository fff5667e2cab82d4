package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-ai/mnemo/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query the running daemon's health endpoint and print a summary.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 3 * time.Second}
	url := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("Status: stopped")
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Status          string  `json:"status"`
		Uptime          float64 `json:"uptime"`
		LiveMemories    int     `json:"liveMemories"`
		ProviderHealthy bool    `json:"providerHealthy"`
		JobQueueDepth   int     `json:"jobQueueDepth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("unexpected health response: %w", err)
	}

	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %s\n", formatDuration(time.Duration(health.Uptime)*time.Second))
	fmt.Printf("Memories: %d\n", health.LiveMemories)
	fmt.Printf("Queue depth: %d\n", health.JobQueueDepth)
	if !health.ProviderHealthy {
		fmt.Println("Warning: completion provider is unreachable")
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := d - m*time.Minute

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s/time.Second)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s/time.Second)
	}
	return fmt.Sprintf("%ds", s/time.Second)
}
