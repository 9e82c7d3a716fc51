package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog and usage statistics",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	views := d.Registry.List()
	fmt.Printf("models registered: %d (capacity %d)\n", len(views), d.Config.Registry.Capacity)

	stats, err := d.DB.ListStats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("no recorded usage")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tINFERENCES\tTOKENS\tAVG LATENCY\tERRORS")
	for _, s := range stats {
		m := s.Snapshot()
		fmt.Fprintf(w, "%s\t%d\t%d\t%.0fms\t%d\n",
			s.ModelID, m.InferenceCount, m.TotalTokens, m.AvgLatencyMs, m.ErrorCount)
	}
	return w.Flush()
}
