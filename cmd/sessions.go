package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage saved sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		Run: func(cmd *cobra.Command, args []string) {
			withSessionStore(func(ctx context.Context, s store.SessionStore) error {
				infos, err := s.List(ctx)
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Println("no saved sessions")
					return nil
				}
				for _, info := range infos {
					name := info.Name
					if name == "" {
						name = "-"
					}
					fmt.Printf("%s  %-20s %4d msgs  %s\n",
						info.ID, name, info.MessageCount, info.Updated.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withSessionStore(func(ctx context.Context, s store.SessionStore) error {
				if err := s.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// withSessionStore opens the configured backend, runs fn, and exits non-zero
// on failure.
func withSessionStore(fn func(context.Context, store.SessionStore) error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSessionStore(ctx, cfg.Snapshot().Sessions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := fn(ctx, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
