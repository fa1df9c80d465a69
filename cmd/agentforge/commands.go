package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ausmarton/agentforge/internal/app"
	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/llm"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// buildApp loads configuration and constructs an *app.App with whichever
// chat providers have API keys available in the environment. A deployment
// with neither key set still constructs successfully (submit will simply
// fail once it needs to talk to a model), matching the teacher's pattern
// of deferring provider errors to first use rather than blocking startup.
func buildApp(configPath string) (*app.App, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	policy := cfg.ToBackoffPolicy()
	attempts := cfg.RetryAttempts()

	var opts []app.Option
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		local, err := llm.NewAnthropicClient(key, defaultModel(cfg, "fast", "local"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, app.WithLocalChat(llm.NewRetryingChatClient(local, policy, attempts)))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cloud, err := llm.NewOpenAIClient(key, defaultModel(cfg, "quality", "cloud"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, app.WithCloudChat(llm.NewRetryingChatClient(cloud, policy, attempts)))
	}

	return app.New(cfg, opts...)
}

func defaultModel(cfg *config.Config, tier, side string) string {
	t, ok := cfg.Models.Tiers[tier]
	if !ok {
		return ""
	}
	if side == "cloud" {
		return t.Cloud
	}
	return t.Local
}

func buildSubmitCmd() *cobra.Command {
	var (
		configPath     string
		specialistID   string
		modelTier      string
		networkAllowed bool
		jsonOutput     bool
	)

	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a task and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			task := runtypes.Task{
				Prompt:         args[0],
				SpecialistID:   specialistID,
				ModelTier:      modelTier,
				NetworkAllowed: networkAllowed,
			}

			runID, outcome, err := a.Submit(cmd.Context(), task)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s failed: %v\n", runID, err)
				return err
			}
			return printOutcome(cmd.OutOrStdout(), jsonOutput, runID, outcome)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $AGENTFORGE_CONFIG)")
	cmd.Flags().StringVar(&specialistID, "specialist", "", "Force a single specialist instead of planning")
	cmd.Flags().StringVar(&modelTier, "model-tier", "fast", "Model tier key (fast, quality, ...)")
	cmd.Flags().BoolVar(&networkAllowed, "network", false, "Allow network-using tools (web_search, fetch_url)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the run outcome as JSON")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var configPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			outcome, err := a.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), jsonOutput, args[0], outcome)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the run outcome as JSON")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Report a run's status (completed, running, or not_found)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			status, err := a.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func buildListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resumable runs (checkpoint present, run_complete absent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			ids, err := a.ListResumable()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no resumable runs")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func buildSearchCmd() *cobra.Command {
	var (
		configPath string
		topK       int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the cross-run index for similar past runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			entries, err := a.Search(cmd.Context(), args[0], topK)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVar(&topK, "top-k", 5, "Maximum number of results")
	return cmd
}

func buildStreamCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stream <run-id>",
		Short: "Stream a currently in-flight run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			ch, cancel, ok := a.Stream(args[0])
			if !ok {
				return fmt.Errorf("run %s is not currently open in this process", args[0])
			}
			defer cancel()
			return streamEvents(cmd.Context(), cmd.OutOrStdout(), ch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func streamEvents(ctx context.Context, w io.Writer, ch <-chan *runtypes.Event) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, open := <-ch:
			if !open {
				return nil
			}
			if ev.Kind == "_run_done_" || ev.Kind == "_run_error_" {
				return nil
			}
			_ = enc.Encode(ev)
		case <-time.After(5 * time.Minute):
			return fmt.Errorf("stream timed out waiting for events")
		}
	}
}

func printOutcome(w io.Writer, asJSON bool, runID string, outcome any) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"run_id": runID, "outcome": outcome})
	}
	fmt.Fprintf(w, "run %s finished\n", runID)
	payload, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(payload))
	return nil
}
