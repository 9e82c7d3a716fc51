package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/daemon"
)

func init() {
	rootCmd.AddCommand(rmCmd)
}

var rmCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"remove", "unregister"},
	Short:   "Remove a model from the catalog",
	Args:    cobra.ExactArgs(1),
	RunE:    runRm,
}

func runRm(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Registry.Unregister(args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}
