package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lzjever/crawlhub/internal/core"
)

var (
	deployNote string
	pruneKeep  int
)

var deployCmd = &cobra.Command{
	Use:     "deploy",
	Aliases: []string{"deployment"},
	Short:   "Deployment commands",
}

func deploymentsPath(spiderID string) string {
	return "/v1/spiders/" + spiderID + "/deployments"
}

var deployCreateCmd = &cobra.Command{
	Use:   "create <spider-id>",
	Short: "Package the workspace code as a new active deployment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var d core.Deployment
		body := map[string]string{"deploy_note": deployNote}
		if err := NewClient(apiURL).Post(deploymentsPath(args[0]), body, &d); err != nil {
			fail(err)
		}
		printResult(&d)
	},
}

var deployListCmd = &cobra.Command{
	Use:   "list <spider-id>",
	Short: "List deployments, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var resp struct {
			Deployments []*core.Deployment `json:"deployments"`
			Active      *core.Deployment   `json:"active"`
		}
		if err := NewClient(apiURL).Get(deploymentsPath(args[0]), &resp); err != nil {
			fail(err)
		}
		printResult(resp.Deployments)
	},
}

var deployRollbackCmd = &cobra.Command{
	Use:   "rollback <spider-id> <deployment-id>",
	Short: "Make an earlier deployment active",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var d core.Deployment
		if err := NewClient(apiURL).Post(deploymentsPath(args[0])+"/"+args[1]+":rollback", nil, &d); err != nil {
			fail(err)
		}
		printResult(&d)
	},
}

var deployRestoreCmd = &cobra.Command{
	Use:   "restore <spider-id>",
	Short: "Overwrite the workspace with the active deployment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var d core.Deployment
		if err := NewClient(apiURL).Post(deploymentsPath(args[0])+":restore", nil, &d); err != nil {
			fail(err)
		}
		printResult(&d)
	},
}

var deployDeleteCmd = &cobra.Command{
	Use:   "delete <spider-id> <deployment-id>",
	Short: "Delete an archived deployment",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := NewClient(apiURL).Delete(deploymentsPath(args[0])+"/"+args[1], nil); err != nil {
			fail(err)
		}
		fmt.Fprintf(stdout, "Deployment %s deleted.\n", args[1])
	},
}

var deployPruneCmd = &cobra.Command{
	Use:   "prune <spider-id>",
	Short: "Delete archived deployments beyond the newest --keep",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var resp struct {
			Removed []*core.Deployment `json:"removed"`
		}
		body := map[string]int{"keep": pruneKeep}
		if err := NewClient(apiURL).Post(deploymentsPath(args[0])+":prune", body, &resp); err != nil {
			fail(err)
		}
		if output != "table" {
			printResult(resp.Removed)
			return
		}
		fmt.Fprintf(stdout, "Removed %d deployment(s).\n", len(resp.Removed))
	},
}

func init() {
	deployCreateCmd.Flags().StringVarP(&deployNote, "note", "m", "", "Deploy note")
	deployPruneCmd.Flags().IntVar(&pruneKeep, "keep", 10, "Archived deployments to keep")
	deployCmd.AddCommand(deployCreateCmd, deployListCmd, deployRollbackCmd, deployRestoreCmd, deployDeleteCmd, deployPruneCmd)
	rootCmd.AddCommand(deployCmd)
}
