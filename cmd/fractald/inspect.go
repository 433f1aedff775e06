package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fractalmem/internal/agent"
	"fractalmem/internal/memtypes"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <level>",
	Short: "Print the memories at one tier (l0, l1, l2, or l3)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "emit JSON instead of a table")
}

// inspectRow is one printed memory.
type inspectRow struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	level, ok := memtypes.ParseLevel(args[0])
	if !ok {
		return &exitError{code: exitValidation, msg: "level must be one of l0, l1, l2, l3"}
	}
	ctx := cmd.Context()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var rows []inspectRow
	switch level {
	case memtypes.LevelL0:
		turns, err := a.Memory().Volatile().AllTurns(ctx)
		if err != nil {
			return err
		}
		for _, t := range turns {
			rows = append(rows, inspectRow{
				ID: t.ID, Label: t.Role, Content: t.Content,
				Importance: t.Importance, CreatedAt: t.Timestamp,
			})
		}
	case memtypes.LevelL1:
		summaries, err := a.Memory().Volatile().RecentSummaries(ctx, 50)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			rows = append(rows, inspectRow{
				ID: s.SessionID, Label: "summary", Content: s.Summary,
				Importance: s.Importance, CreatedAt: s.CreatedAt,
			})
		}
	default:
		episodes, err := a.Memory().Graph().ListEpisodes(ctx, level, 500)
		if err != nil {
			return err
		}
		for _, ep := range episodes {
			rows = append(rows, inspectRow{
				ID: ep.ID, Label: ep.Name, Content: ep.Content,
				Importance: ep.ImportanceScore, CreatedAt: ep.CreatedAt,
			})
		}
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tIMPORTANCE\tCREATED\tCONTENT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n",
			truncate(r.ID, 24), truncate(r.Label, 24), r.Importance,
			r.CreatedAt.Format(time.RFC3339), truncate(r.Content, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
