package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/retry"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show worker status records",
	Long:  `List every worker status record, or show one record with its state transitions.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusView is the printable form of a record
type statusView struct {
	Name        string                   `json:"name" yaml:"name"`
	Status      string                   `json:"status" yaml:"status"`
	ExitCode    int                      `json:"exit_code" yaml:"exit_code"`
	Labels      map[string]string        `json:"labels,omitempty" yaml:"labels,omitempty"`
	CreatedAt   time.Time                `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at" yaml:"updated_at"`
	Transitions []models.StateTransition `json:"state_transitions,omitempty" yaml:"-"`
	History     []string                 `json:"-" yaml:"history,omitempty"`
}

func newStatusView(rec *models.StatusRecord) statusView {
	v := statusView{
		Name:        rec.Name,
		Status:      string(rec.Status),
		ExitCode:    rec.ExitCode,
		Labels:      rec.Labels,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		Transitions: rec.Transitions,
	}
	for _, tr := range rec.Transitions {
		v.History = append(v.History, formatTransition(tr))
	}
	return v
}

func formatTransition(tr models.StateTransition) string {
	s := fmt.Sprintf("%s %s -> %s", tr.Timestamp.Format(time.RFC3339), tr.From, tr.To)
	if tr.Reason != "" {
		s += " (" + tr.Reason + ")"
	}
	return s
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(); err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := store.Open(ctx, cfg.Store, retry.Config{MaxRetries: 0})
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rec, err := st.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", args[0], err)
		}
		return printRecord(out, newStatusView(rec))
	}

	records, err := st.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list status records: %w", err)
	}
	views := make([]statusView, 0, len(records))
	for _, rec := range records {
		views = append(views, newStatusView(rec))
	}
	return printRecords(out, views)
}

func printRecords(out io.Writer, views []statusView) error {
	switch outputFormat {
	case "json":
		return printJSON(out, map[string]interface{}{"records": views, "count": len(views)})
	case "yaml":
		return yaml.NewEncoder(out).Encode(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No workers recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Name", "Status", "Exit", "Job", "Attempt", "Updated")
	for _, v := range views {
		table.Append(
			v.Name,
			v.Status,
			fmt.Sprintf("%d", v.ExitCode),
			v.Labels["job_id"],
			v.Labels["attempt_id"],
			v.UpdatedAt.Format(time.RFC3339),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal workers: %d\n", len(views))
	return nil
}

func printRecord(out io.Writer, v statusView) error {
	switch outputFormat {
	case "json":
		return printJSON(out, v)
	case "yaml":
		return yaml.NewEncoder(out).Encode(v)
	}

	fmt.Fprintf(out, "Name:      %s\n", v.Name)
	fmt.Fprintf(out, "Status:    %s\n", v.Status)
	fmt.Fprintf(out, "Exit code: %d\n", v.ExitCode)
	fmt.Fprintf(out, "Created:   %s\n", v.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:   %s\n", v.UpdatedAt.Format(time.RFC3339))
	if len(v.History) > 0 {
		fmt.Fprintln(out, "\nState transitions:")
		for _, h := range v.History {
			fmt.Fprintf(out, "  %s\n", h)
		}
	}
	return nil
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
