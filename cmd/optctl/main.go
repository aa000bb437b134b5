package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteloop/optimizer/internal/api"
)

var (
	// Global flags
	serverURL string
	siteID    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "optctl",
		Short: "Admin CLI for the optimizer server",
		Long: `Operator tool for the conversion optimizer.
Inspect site status, flip the optimizer switch, and trigger optimization cycles.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Optimizer server base URL")
	rootCmd.PersistentFlags().StringVar(&siteID, "site", "", "Site ID")

	// Subcommands
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(enableCmd())
	rootCmd.AddCommand(disableCmd())
	rootCmd.AddCommand(cycleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// statusCmd shows a site's experiment status
func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show site status: running experiment, variant counters, confidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if siteID == "" {
				return fmt.Errorf("--site is required")
			}

			resp, err := httpGet(serverURL + "/v1/status?site_id=" + url.QueryEscape(siteID))
			if err != nil {
				return err
			}

			var status api.SiteStatus
			if err := json.Unmarshal(resp, &status); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			fmt.Printf("=== Site %s ===\n", status.SiteID)
			fmt.Printf("Optimizer enabled: %v\n", status.Enabled)
			fmt.Printf("Backlog size: %d\n", status.BacklogSize)

			if status.Running == nil {
				fmt.Printf("No running experiment\n")
			} else {
				exp := status.Running
				fmt.Printf("\nRunning experiment: %s\n", exp.ID)
				fmt.Printf("  Hypothesis: %s (%s)\n", exp.Hypothesis, exp.ChangeType)
				if exp.StartedAt != nil {
					fmt.Printf("  Started: %s\n", exp.StartedAt.Format(time.RFC3339))
				}
				for _, v := range status.Variants {
					arm := "treatment"
					if v.IsControl {
						arm = "control"
					}
					fmt.Printf("  %-9s %d visitors, %d conversions (%.2f%%), $%.2f revenue\n",
						arm, v.Visitors, v.Conversions, v.Rate()*100, v.Revenue)
				}
				if status.Confidence != nil {
					fmt.Printf("  Treatment confidence: %.1f%% (computed %s)\n",
						status.Confidence.ProbTreatment*100,
						status.Confidence.ComputedAt.Format(time.RFC3339))
				}
			}

			if len(status.Learnings) > 0 {
				fmt.Printf("\nRecent learnings:\n")
				for _, l := range status.Learnings {
					fmt.Printf("  [%s] %q (%s): %.1f%% (%.2f%% vs %.2f%%)\n",
						l.Result, l.Hypothesis, l.ChangeType,
						l.Probability*100, l.ControlRate*100, l.TreatmentRate*100)
				}
			}

			return nil
		},
	}

	return cmd
}

// enableCmd turns the optimizer on for a site
func enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Enable the optimizer for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggle(true)
		},
	}
}

// disableCmd turns the optimizer off for a site
func disableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the optimizer for a site (a running experiment keeps collecting data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggle(false)
		},
	}
}

func toggle(enabled bool) error {
	if siteID == "" {
		return fmt.Errorf("--site is required")
	}

	_, err := httpPost(serverURL+"/v1/toggle", map[string]any{
		"site_id": siteID,
		"enabled": enabled,
	})
	if err != nil {
		return err
	}

	word := "disabled"
	if enabled {
		word = "enabled"
	}
	fmt.Printf("Optimizer %s for site %s\n", word, siteID)
	return nil
}

// cycleCmd triggers an optimization cycle
func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Trigger an optimization cycle for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			if siteID == "" {
				return fmt.Errorf("--site is required")
			}

			_, err := httpPost(serverURL+"/v1/cycle", map[string]string{"site_id": siteID})
			if err != nil {
				return err
			}

			fmt.Printf("Cycle complete for site %s\n", siteID)
			return nil
		},
	}
}

func httpGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func httpPost(url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
