package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/allydev/ally/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	profile string
	verbose bool
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "ally",
	Short: "ally: local-LLM pair-programming assistant",
	Long:  "Ally drives a conversational coding agent against a local model endpoint: tool use, sub-agent delegation, background shells, and persistent sessions.",
	Run: func(cmd *cobra.Command, args []string) {
		runChat(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.ally/profiles/<profile>/config/config.json)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "profile name (default: \"default\" or $ALLY_PROFILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug diagnostics")

	addChatFlags(rootCmd)

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(taskCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ally version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ally %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ALLY_CONFIG"); v != "" {
		return v
	}
	return ""
}

func setupLogging(verboseOn bool) {
	level := slog.LevelInfo
	if verboseOn {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
