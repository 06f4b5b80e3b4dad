package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/allydev/ally/internal/config"
	"github.com/allydev/ally/pkg/protocol"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect background tasks of a running ally session",
		Long:  "Talks to the event gateway of a running ally process. Requires gateway.enabled in the config.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List background tasks and shells",
		Run: func(cmd *cobra.Command, args []string) {
			runGatewayCommand("/task list")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a background task or shell",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runGatewayCommand("/task kill " + args[0])
		},
	})
	return cmd
}

// runGatewayCommand sends one slash command to the running process through
// its gateway and prints the reply.
func runGatewayCommand(line string) {
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
	port := cfg.Snapshot().Gateway.Port

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: no running ally gateway at %s (%v)\n", url, err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameInput, Text: line}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		switch frame.Type {
		case protocol.FrameReply:
			if frame.Text != "" {
				fmt.Println(frame.Text)
			}
			return
		case protocol.FrameError:
			fmt.Fprintf(os.Stderr, "Error: %s\n", frame.Text)
			os.Exit(1)
		default:
			// Broadcast events from the live session; not ours.
		}
	}
}
