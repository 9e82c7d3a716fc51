package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/daemon"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered models",
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	views := d.Registry.List()
	if len(views) == 0 {
		fmt.Println("No models registered. Run 'llmrd register <id> <source>' to get started.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFORMAT\tSTATUS\tCAPABILITIES\tINFERENCES\tLAST USED")
	for _, v := range views {
		caps := make([]string, len(v.Descriptor.Capabilities))
		for i, c := range v.Descriptor.Capabilities {
			caps[i] = string(c)
		}
		lastUsed := "never"
		if !v.Metrics.LastUsedAt.IsZero() {
			lastUsed = v.Metrics.LastUsedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			v.Descriptor.ID,
			v.Descriptor.Format,
			v.Status,
			strings.Join(caps, ","),
			v.Metrics.InferenceCount,
			lastUsed,
		)
	}
	return w.Flush()
}
