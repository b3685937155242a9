package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL string
	output string
)

var rootCmd = &cobra.Command{
	Use:   "crawlhubctl",
	Short: "CrawlHub CLI - spider workspaces, deployments and runs",
	Long:  `crawlhubctl drives the CrawlHub orchestration API: spider workspaces, code deployments and task runs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return checkOutput(output)
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", envOr("CRAWLHUB_API_URL", "http://localhost:8080"), "CrawlHub API URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
