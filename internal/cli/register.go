package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/daemon"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

func init() {
	registerCmd.Flags().StringVar(&registerFormat, "format", "", "Model format (auto-detected when omitted)")
	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name (defaults to the ID)")
	registerCmd.Flags().StringVar(&registerCaps, "capabilities", "", "Comma-separated capability tags")
	registerCmd.Flags().Float64Var(&registerQuality, "quality", 0, "Declared quality score in (0, 1]")
	rootCmd.AddCommand(registerCmd)
}

var (
	registerFormat  string
	registerName    string
	registerCaps    string
	registerQuality float64
)

var registerCmd = &cobra.Command{
	Use:   "register ID SOURCE",
	Short: "Register a model with the catalog",
	Long: `Register a model. SOURCE is a file path for local formats, or an
endpoint/model reference for hosted ones.`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	id, source := args[0], args[1]
	name := registerName
	if name == "" {
		name = id
	}

	var caps []domain.Capability
	for _, tag := range strings.Split(registerCaps, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			caps = append(caps, domain.Capability(tag))
		}
	}

	desc := domain.Descriptor{
		ID:           id,
		Name:         name,
		Format:       domain.Format(registerFormat),
		Source:       source,
		Capabilities: domain.NewCapabilitySet(caps...),
		Parameters:   domain.Parameters{QualityScore: registerQuality},
	}
	if err := d.Registry.Register(desc); err != nil {
		return err
	}

	v, err := d.Registry.Get(id)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (format: %s)\n", id, v.Descriptor.Format)
	return nil
}
