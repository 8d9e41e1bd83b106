package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborlight/fieldnotes/internal/orchestrator"
	"github.com/harborlight/fieldnotes/internal/preference"
	"github.com/harborlight/fieldnotes/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show campaign status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.get(ctx, "/status")
		if err != nil {
			printStatus("Campaign", "stopped")
			return nil
		}
		var status orchestrator.Status
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		if status.Running {
			printStatus("Campaign", "running")
			printStatus("Active strategy", "%s", status.ActiveStrategy)
			printStatus("Elapsed", "%s", status.Elapsed.Round(time.Second))
			if !status.NextFireTime.IsZero() {
				printStatus("Next post", "%s", status.NextFireTime.Format(time.RFC3339))
			}
		} else {
			printStatus("Campaign", "not running")
		}

		metricsResp, err := client.get(ctx, "/metrics/latest")
		if err == nil && metricsResp.StatusCode == 200 {
			var snap storage.MetricsSnapshot
			if decodeJSON(metricsResp, &snap) == nil {
				printStatus("Followers", "%d", snap.Followers)
				printStatus("Posts", "%d (%d likes, %d reposts)", snap.TotalPosts, snap.TotalLikes, snap.TotalReposts)
			}
		} else if metricsResp != nil {
			metricsResp.Body.Close()
		}

		deployResp, err := client.get(ctx, "/deployment")
		if err == nil {
			var dep preference.DeploymentStatus
			if decodeJSON(deployResp, &dep) == nil {
				printStatus("Active profiles", "%d", len(dep.ActiveProfiles))
				printStatus("Training sessions", "%d (%d deployed)", dep.TotalSessions, dep.DeployedSessions)
			}
		}
		return nil
	},
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Upload a batch of rated post candidates",
	Long: `Upload a batch of rated post candidates to a training session.

The ratings file is a JSON array of {"candidate_text": ..., "rating": 1-5}
objects. Repeated uploads to the same session accumulate.

Example:
  fieldnotes train --session sess-1 --strategy preference_selection --file ratings.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		strategyID, _ := cmd.Flags().GetString("strategy")
		file, _ := cmd.Flags().GetString("file")

		if session == "" || strategyID == "" || file == "" {
			return fmt.Errorf("--session, --strategy, and --file are required")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading ratings file: %w", err)
		}
		var examples []preference.RatedExample
		if err := json.Unmarshal(data, &examples); err != nil {
			return fmt.Errorf("parsing ratings file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"strategy_id": strategyID,
			"examples":    examples,
		}
		resp, err := client.post(cmd.Context(), "/sessions/"+session, req)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Saved %d rated examples to session %s", len(examples), session)
		return nil
	},
}

// --- deploy ---

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Derive and activate a preference profile from a training session",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		strategyID, _ := cmd.Flags().GetString("strategy")

		if session == "" || strategyID == "" {
			return fmt.Errorf("--session and --strategy are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+session+"/deploy",
			map[string]string{"strategy_id": strategyID})
		if err != nil {
			return err
		}
		var profile preference.Profile
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		printSuccess("Deployed profile for %s from session %s", profile.StrategyID, session)
		printStatus("Examples", "%d", profile.ExampleCount)
		printStatus("Avg preferred length", "%d", profile.AvgPreferredLength)
		return nil
	},
}

func init() {
	trainCmd.Flags().String("session", "", "training session id")
	trainCmd.Flags().String("strategy", "", "strategy id the ratings apply to")
	trainCmd.Flags().String("file", "", "path to the JSON ratings file")

	deployCmd.Flags().String("session", "", "training session id to deploy from")
	deployCmd.Flags().String("strategy", "", "strategy id to deploy the profile for")
}
