package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"docflow"
	"docflow/internal/config"
	"docflow/internal/daemon"
	"docflow/pkg/api"
)

func newStatusCmd(configPath *string) *cobra.Command {
	var stageFilter string
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow instances and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer d.Close()

			opts := docflow.InstanceListOptions{
				Stage:  docflow.Stage(stageFilter),
				Status: docflow.Status(statusFilter),
			}
			workflows, err := d.Workflows(cmd.Context(), opts)
			if err != nil {
				return err
			}
			stats, err := d.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderWorkflows(workflows))
			fmt.Fprintln(out, renderQueueStats(stats))
			return nil
		},
	}
	cmd.Flags().StringVar(&stageFilter, "stage", "", "only show workflows at this stage")
	cmd.Flags().StringVar(&statusFilter, "status", "", "only show workflows with this status")
	return cmd
}

func renderWorkflows(workflows []*docflow.WorkflowInstance) string {
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	rows := make([][]string, 0, len(workflows))
	for _, w := range workflows {
		confidence := "-"
		if w.Confidence != nil {
			confidence = strconv.Itoa(*w.Confidence)
		}
		detail := ""
		if w.TerminalError != nil {
			detail = fmt.Sprintf("%s: %s", w.TerminalError.Kind, w.TerminalError.Message)
		}
		rows = append(rows, []string{
			w.ID,
			w.SourceUploadID,
			string(w.Stage),
			string(w.Status),
			confidence,
			detail,
		})
	}
	return renderTable(
		[]string{"Workflow", "Upload", "Stage", "Status", "Confidence", "Detail"},
		rows,
		map[int]bool{4: true},
	)
}

func renderQueueStats(stats map[docflow.Stage]docflow.QueueStats) string {
	rows := make([][]string, 0, len(stats))
	for _, stage := range api.PipelineStages {
		s := stats[stage]
		rows = append(rows, []string{
			string(stage),
			strconv.Itoa(s.Waiting),
			strconv.Itoa(s.Active),
			strconv.Itoa(s.Delayed),
			strconv.Itoa(s.Failed),
		})
	}
	return renderTable(
		[]string{"Stage", "Waiting", "Active", "Delayed", "Failed"},
		rows,
		map[int]bool{1: true, 2: true, 3: true, 4: true},
	)
}
