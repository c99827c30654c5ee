package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cklxx/all4you/internal/checkpoint"
	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/registry"
	"github.com/cklxx/all4you/internal/writer"
)

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List pipeline and dataset presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Pipeline presets:")
			for _, name := range config.PresetNames() {
				p := config.PipelinePresets[name]
				fmt.Fprintf(out, "  %-20s %s\n", name, p.Description)
				fmt.Fprintf(out, "  %-20s dataset=%s model=%s device=%s judge=%s fallback=%s eval_ratio=%g\n",
					"", p.ModaDataset, p.Model, p.Device, p.JudgeModel, p.FallbackJudgeModel, p.EvalRatio)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Dataset presets:")
			for _, name := range dataset.PresetNames() {
				d := dataset.PresetDatasets[name]
				fmt.Fprintf(out, "  %-20s %-45s %s\n", name, d.DatasetID, d.Description)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var format, fileType string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Load, format and validate a dataset file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := dataset.ParseFormat(format)
			if err != nil {
				return err
			}
			samples, err := dataset.LoadAndFormat(args[0], fileType, f, consoleLogger())
			if err != nil {
				return err
			}
			report := dataset.Validate(samples, f)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("dataset has %d issue(s)", len(report.Issues))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "data-format", string(dataset.FormatAlpaca), "Dataset format: alpaca, sharegpt or raw")
	cmd.Flags().StringVar(&fileType, "data-type", "", "File type override: json, jsonl, csv or txt")
	return cmd
}

func newJudgeCmd() *cobra.Command {
	judgeCmd := &cobra.Command{
		Use:   "judge",
		Short: "Inspect judge backends",
	}
	judgeCmd.AddCommand(&cobra.Command{
		Use:   "probe <name>",
		Short: "Check whether a judge backend is reachable",
		Long: `Check whether a judge backend is reachable. Names prefixed with
"ollama:" are probed on the Ollama server; other names on the generation server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := loadAppConfig(cmd)
			if err != nil {
				return err
			}
			factory := newJudgeFactory(cfg, secrets, consoleLogger())

			backend, err := factory.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is available\n", backend.Name())
			return nil
		},
	})
	return judgeCmd
}

func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, store registry.Store) error) error {
	cfg, _, err := loadAppConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Registry.Driver != config.RegistrySQLite {
		return fmt.Errorf("task commands need a persistent registry: set registry.driver = %q in %s", config.RegistrySQLite, appConfigPath)
	}
	ctx := cmd.Context()
	store, err := openRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open task registry: %w", err)
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

func newTasksCmd() *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel registered pipeline runs",
	}

	tasksCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, store registry.Store) error {
				tasks, err := store.List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, "No tasks registered.")
					return nil
				}
				fmt.Fprintf(out, "%-36s %-10s %-12s %-8s %s\n", "ID", "STATUS", "STAGE", "PROGRESS", "NAME")
				fmt.Fprintln(out, strings.Repeat("-", 90))
				for _, t := range tasks {
					fmt.Fprintf(out, "%-36s %-10s %-12s %7d%% %s\n", t.ID, t.Status, t.Stage, t.Progress, t.Name)
				}
				return nil
			})
		},
	})

	tasksCmd.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, store registry.Store) error {
				t, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printTask(cmd, t)
				return nil
			})
		},
	})

	tasksCmd.AddCommand(&cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cancellation of a running task",
		Long: `Request cancellation of a running task. The run stops before its next
stage or evaluation sample; work already in flight is not interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, store registry.Store) error {
				t, err := store.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s marked %s\n", t.ID, t.Status)
				return nil
			})
		},
	})

	return tasksCmd
}

func printTask(cmd *cobra.Command, t *registry.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:        %s\n", t.ID)
	fmt.Fprintf(out, "Name:        %s\n", t.Name)
	fmt.Fprintf(out, "Status:      %s\n", t.Status)
	fmt.Fprintf(out, "Stage:       %s\n", t.Stage)
	fmt.Fprintf(out, "Progress:    %d%% (%d/%d stages)\n", t.Progress, t.CompletedSteps, t.TotalSteps)
	fmt.Fprintf(out, "Created At:  %s\n", t.CreatedAt.Format(time.DateTime))
	fmt.Fprintf(out, "Updated At:  %s\n", t.UpdatedAt.Format(time.DateTime))
	if t.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", t.Error)
	}
}

func newCheckpointCmd() *cobra.Command {
	var outputDir string

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect run checkpoints",
		Long:  "Inspect the per-session checkpoints recorded by pipeline runs",
	}
	checkpointCmd.PersistentFlags().StringVar(&outputDir, "output-dir", config.DefaultRunOptions().OutputDir, "Run output directory holding session_* folders")

	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sessions with a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			sessions, err := checkpoint.List(outputDir, consoleLogger())
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(out, "No output directory found. Run the pipeline first.")
					return nil
				}
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No session directories found.")
				return nil
			}

			fmt.Fprintf(out, "%-35s %-10s %-12s %s\n", "SESSION", "PROGRESS", "NEXT STAGE", "TASK")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, s := range sessions {
				next := string(checkpoint.ResumePoint(s.Checkpoint))
				if next == "" {
					next = "complete"
				}
				fmt.Fprintf(out, "%-35s %8d%% %-12s %s\n",
					filepath.Base(s.Dir), checkpoint.GetProgressPercentage(s.Checkpoint), next, s.Checkpoint.TaskID)
			}
			return nil
		},
	})

	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Inspect a checkpoint",
		Long:  "Display detailed information about the checkpoint of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionDir := args[0]

			// SECURITY: Validate session path to prevent path traversal (CWE-22)
			if err := writer.ValidateSessionPath(outputDir, sessionDir); err != nil {
				return fmt.Errorf("invalid session directory: %w", err)
			}
			fullPath := filepath.Join(outputDir, sessionDir)
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				return fmt.Errorf("session directory not found: %s", sessionDir)
			}

			cp, err := checkpoint.Load(fullPath, consoleLogger())
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checkpoint Information for: %s\n", sessionDir)
			fmt.Fprintln(out, strings.Repeat("=", 80))
			fmt.Fprintf(out, "Session ID:          %s\n", cp.SessionID)
			fmt.Fprintf(out, "Task ID:             %s\n", cp.TaskID)
			fmt.Fprintf(out, "Preset:              %s\n", cp.Preset)
			fmt.Fprintf(out, "Created At:          %s\n", cp.CreatedAt.Format(time.DateTime))
			fmt.Fprintf(out, "Last Saved At:       %s\n", cp.LastSavedAt.Format(time.DateTime))
			fmt.Fprintf(out, "Config Hash:         %s\n", cp.ConfigHash)
			fmt.Fprintf(out, "Progress:            %d%%\n", checkpoint.GetProgressPercentage(cp))
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Stages:")
			for _, s := range cp.Stages {
				line := fmt.Sprintf("  %-12s %s", s.Name, s.Status)
				if s.StartedAt != nil && s.FinishedAt != nil {
					line += fmt.Sprintf(" (%s)", s.FinishedAt.Sub(*s.StartedAt).Round(time.Millisecond))
				}
				if s.Error != "" {
					line += ": " + s.Error
				}
				fmt.Fprintln(out, line)
			}

			if len(cp.Artifacts) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Artifacts:")
				for _, name := range slices.Sorted(maps.Keys(cp.Artifacts)) {
					fmt.Fprintf(out, "  %-18s %s\n", name, cp.Artifacts[name])
				}
			}

			fmt.Fprintln(out)
			if failed := checkpoint.FailedStage(cp); failed != nil {
				fmt.Fprintf(out, "Run failed at %s.\n", failed.Name)
			} else if checkpoint.IsComplete(cp) {
				fmt.Fprintln(out, "This session is complete.")
			} else {
				fmt.Fprintf(out, "Run stopped before %s.\n", checkpoint.ResumePoint(cp))
			}
			return nil
		},
	})

	return checkpointCmd
}
