package main

import (
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/storage"
	"github.com/polisai/panelflow/pkg/summarize"
	"github.com/spf13/cobra"
)

func newSummarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize a folder incrementally",
		Long: `Summarize runs one summarization pass over a folder and prints the reduced
summary. Only files whose content changed since the previous pass are sent to
the agent; the per-file summaries are kept in the configured storage.`,
		Args: cobra.NoArgs,
		RunE: runSummarize,
	}
	cmd.Flags().StringP("dir", "d", "", "Folder to summarize (required)")
	cmd.Flags().StringP("agent", "a", "", "Agent that summarizes chunks and reduces them (required)")
	cmd.Flags().StringSlice("ext", nil, "File extensions to include, e.g. .md,.go")
	cmd.Flags().String("instructions", "", "Instructions for the final reduce step")
	cmd.Flags().String("workspace", "", "Workspace the summary cache belongs to")
	cmd.Flags().Int("node", 0, "Node the summary cache belongs to")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func runSummarize(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	dir, _ := cmd.Flags().GetString("dir")
	agentID, _ := cmd.Flags().GetString("agent")
	extensions, _ := cmd.Flags().GetStringSlice("ext")
	instructions, _ := cmd.Flags().GetString("instructions")
	workspace, _ := cmd.Flags().GetString("workspace")
	node, _ := cmd.Flags().GetInt("node")

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error("Failed to close summary store", "error", err)
		}
	}()

	res, err := comps.summarizer.Run(ctx, summarize.Request{
		Key:          storage.SummaryKey{WorkspaceID: workspace, NodeID: domain.NodeID(node)},
		FolderPath:   abs,
		Extensions:   extensions,
		AgentID:      agentID,
		Instructions: instructions,
	})
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			return fmt.Errorf("summarization gave up after repeated rate limiting: %w", err)
		}
		return err
	}

	logger.Info("Summarization finished",
		"folder", abs,
		"fast_path", res.FastPath,
		"changed", res.Changed,
		"unchanged", res.Unchanged,
		"removed", res.Removed,
		"chunks", res.Chunks,
		"agent_calls", res.Calls,
	)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
	return err
}
