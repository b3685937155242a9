package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/lzjever/crawlhub/internal/core"
)

var watchUntilReady bool

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Spider workspace commands",
}

func workspacePath(spiderID, action string) string {
	return "/v1/spiders/" + spiderID + "/workspace" + action
}

// workspaceAction builds a command that POSTs to a workspace endpoint and
// prints the resulting state.
func workspaceAction(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <spider-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var ws core.Workspace
			if err := NewClient(apiURL).Post(workspacePath(args[0], action), nil, &ws); err != nil {
				fail(err)
			}
			printResult(ws)
		},
	}
}

var wsGetCmd = &cobra.Command{
	Use:   "get <spider-id>",
	Short: "Show the stored workspace state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ws core.Workspace
		if err := NewClient(apiURL).Get(workspacePath(args[0], ""), &ws); err != nil {
			fail(err)
		}
		printResult(ws)
	},
}

var wsWatchCmd = &cobra.Command{
	Use:   "watch <spider-id>",
	Short: "Stream workspace state changes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var last string
		err := NewClient(apiURL).Stream(ctx, workspacePath(args[0], ":watch"), func(_ string, data []byte) bool {
			var ev struct {
				Workspace  core.Workspace `json:"workspace"`
				Exists     bool           `json:"exists"`
				Stale      bool           `json:"stale"`
				NextPollMS int64          `json:"next_poll_ms"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				fmt.Fprintf(os.Stderr, "bad event: %v\n", err)
				return true
			}
			ws := ev.Workspace
			line := fmt.Sprintf("%s ready=%t sync=%s", ws.Phase(), ws.Ready(), ws.CodeSyncStatus)
			if output != "table" {
				printResult(ev)
			} else if line != last {
				stale := ""
				if ev.Stale {
					stale = " (stale)"
				}
				fmt.Fprintf(stdout, "%s  %s%s  next poll in %s\n",
					time.Now().Format("15:04:05"), line, stale, time.Duration(ev.NextPollMS)*time.Millisecond)
			}
			last = line
			return !(watchUntilReady && ws.Phase() == core.PhaseReady)
		})
		if err != nil {
			fail(err)
		}
	},
}

func init() {
	wsWatchCmd.Flags().BoolVar(&watchUntilReady, "until-ready", false, "Exit once the workspace is ready")
	workspaceCmd.AddCommand(
		wsGetCmd,
		workspaceAction("create", "Get or create the spider's workspace", ""),
		workspaceAction("start", "Start the workspace", ":start"),
		workspaceAction("stop", "Stop the workspace", ":stop"),
		workspaceAction("refresh", "Query the provider now", ":refresh"),
		wsWatchCmd,
	)
	rootCmd.AddCommand(workspaceCmd)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
