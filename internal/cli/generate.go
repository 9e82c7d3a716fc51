package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/daemon"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

func init() {
	generateCmd.Flags().StringVar(&genModel, "model", "", "Route to this model explicitly")
	generateCmd.Flags().StringVar(&genStrategy, "strategy", "", "Routing strategy (default from config)")
	generateCmd.Flags().BoolVar(&genStream, "stream", false, "Stream tokens as they arrive")
	generateCmd.Flags().IntVar(&genMaxTokens, "max-tokens", 0, "Max tokens to generate")
	generateCmd.Flags().Float64Var(&genTemperature, "temperature", -1, "Sampling temperature in [0, 2]")
	rootCmd.AddCommand(generateCmd)
}

var (
	genModel       string
	genStrategy    string
	genStream      bool
	genMaxTokens   int
	genTemperature float64
)

var generateCmd = &cobra.Command{
	Use:   "generate PROMPT",
	Short: "Run one generation through the router",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	opts := domain.DefaultOptions()
	if genMaxTokens > 0 {
		opts.MaxTokens = genMaxTokens
	}
	if genTemperature >= 0 {
		opts.Temperature = genTemperature
	}

	req := domain.Request{
		Prompt:   args[0],
		Options:  opts,
		Strategy: domain.Strategy(genStrategy),
	}
	if genModel != "" {
		req.Strategy = domain.StrategyExplicit
		req.ModelID = genModel
	}

	if genStream {
		ch, modelID, err := d.Pipeline.ExecuteStream(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "[%s]\n", modelID)
		for chunk := range ch {
			fmt.Print(chunk.Delta)
		}
		fmt.Println()
		return nil
	}

	res, err := d.Pipeline.Execute(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	fmt.Fprintf(os.Stderr, "\n[%s] %d tokens in %dms\n", res.ModelID, res.Tokens, res.LatencyMs)
	return nil
}
