package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/internal/providers"
)

func modelsCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available at the endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				cfgPath = config.DefaultPath(profile)
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
			snap := cfg.Snapshot()
			if endpoint != "" {
				snap.Model.Endpoint = endpoint
			}

			client := providers.NewClient(providers.Config{
				Endpoint: snap.Model.Endpoint,
				Model:    snap.Model.Name,
			})
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			models, err := client.ListModels(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(models) == 0 {
				fmt.Printf("no models installed at %s\n", snap.Model.Endpoint)
				return
			}
			for _, m := range models {
				marker := "  "
				if m.Name == snap.Model.Name {
					marker = "* "
				}
				fmt.Printf("%s%-40s %8s  %s\n", marker, m.Name, humanSize(m.Size), m.ModifiedAt.Format("2006-01-02"))
			}
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "model endpoint URL (overrides config)")
	return cmd
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
