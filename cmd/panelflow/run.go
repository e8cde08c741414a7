package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/polisai/panelflow/pkg/config"
	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/engine"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline to completion",
		Long: `Run executes a pipeline from a pipeline file once and prints the final
run state as JSON. With --simulate agent calls are answered from --response
values instead of the agent gateway, and the trace of lifecycle callbacks is
printed as well.`,
		Args: cobra.NoArgs,
		RunE: runPipeline,
	}
	cmd.Flags().StringP("pipeline", "f", "", "Pipeline file; defaults to pipeline.file")
	cmd.Flags().String("id", "", "Pipeline to run; may be omitted when the file declares one")
	cmd.Flags().Bool("simulate", false, "Stub agent calls and skip retry waits")
	cmd.Flags().StringToString("response", nil, "Simulated agent response as agent=text (repeatable)")
	cmd.Flags().StringToInt("fail", nil, "Simulated failures before success as agent=count (repeatable)")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	file, _ := cmd.Flags().GetString("pipeline")
	if file == "" {
		file = cfg.Pipeline.File
	}
	if file == "" {
		return errors.New("no pipeline file given: pass --pipeline or set pipeline.file")
	}
	snaps, err := config.LoadPipelineFile(file)
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetString("id")
	snap, err := selectPipeline(snaps, id)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if simulate, _ := cmd.Flags().GetBool("simulate"); simulate {
		responses, _ := cmd.Flags().GetStringToString("response")
		failures, _ := cmd.Flags().GetStringToInt("fail")
		result, err := engine.NewSimulator(logger).Simulate(ctx, engine.SimulationRequest{
			Snapshot:  snap,
			Responses: responses,
			Failures:  failures,
		})
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		return runError(result.Run)
	}

	comps, err := buildComponents(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Error("Failed to close summary store", "error", err)
		}
	}()

	run, _ := comps.executor.Run(ctx, snap)
	state := run.State()
	if err := writeJSON(cmd.OutOrStdout(), struct {
		Run     engine.RunState          `json:"run"`
		Outputs map[domain.NodeID]string `json:"outputs"`
	}{state, comps.executor.Outputs().Snapshot()}); err != nil {
		return err
	}
	return runError(state)
}

// selectPipeline picks the pipeline named id, or the only one when id is
// empty.
func selectPipeline(snaps []domain.Snapshot, id string) (*domain.Snapshot, error) {
	if id == "" {
		switch len(snaps) {
		case 0:
			return nil, errors.New("pipeline file declares no pipelines")
		case 1:
			return &snaps[0], nil
		}
		ids := make([]string, len(snaps))
		for i := range snaps {
			ids[i] = snaps[i].ID
		}
		return nil, fmt.Errorf("pipeline file declares %d pipelines, choose one with --id: %s", len(snaps), strings.Join(ids, ", "))
	}
	for i := range snaps {
		if snaps[i].ID == id {
			return &snaps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
}

func runError(state engine.RunState) error {
	if state.Status == domain.RunStatusCompleted {
		return nil
	}
	if state.Error != "" {
		return fmt.Errorf("run %s %s: %s", state.RunID, state.Status, state.Error)
	}
	return fmt.Errorf("run %s %s", state.RunID, state.Status)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
