package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/spf13/cobra"
)

var obsCmd = &cobra.Command{
	Use:   "obs",
	Short: "Observability commands (query a Prometheus-compatible server)",
}

var promURL string

type PromResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Value  []interface{}     `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

var obsQueries = map[string]map[string]string{
	"summary": {
		"Task Failure Rate": `sum(rate(crawlhub_task_total{status="failed"}[5m])) / sum(rate(crawlhub_task_total[5m])) * 100`,
		"HTTP Request Rate": `sum(rate(crawlhub_http_requests_total[5m]))`,
		"Queue Depth":       `crawlhub_task_queue_depth`,
		"Watched Spiders":   `crawlhub_poll_active_spiders`,
	},
	"latency": {
		"HTTP P50":     `histogram_quantile(0.5, sum(rate(crawlhub_http_request_duration_seconds_bucket[5m])) by (le))`,
		"HTTP P95":     `histogram_quantile(0.95, sum(rate(crawlhub_http_request_duration_seconds_bucket[5m])) by (le))`,
		"Provider P95": `histogram_quantile(0.95, sum(rate(crawlhub_provider_call_duration_seconds_bucket[5m])) by (le))`,
	},
	"queue": {
		"Queue Depth":     `crawlhub_task_queue_depth`,
		"Empty Poll Rate": `rate(crawlhub_dequeue_empty_total[5m])`,
		"Dispatch Rate":   `sum(rate(crawlhub_dispatch_total[5m])) by (result)`,
		"Lock Wait P95":   `histogram_quantile(0.95, sum(rate(crawlhub_spider_lock_wait_seconds_bucket[5m])) by (le))`,
	},
	"deploy": {
		"Deploy Rate":      `sum(rate(crawlhub_deploy_total[5m])) by (op, result)`,
		"Archive Size P95": `histogram_quantile(0.95, sum(rate(crawlhub_deploy_archive_bytes_bucket[5m])) by (le))`,
		"Pruned (1h)":      `increase(crawlhub_pruned_deployments_total[1h])`,
	},
}

func obsCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			queries := obsQueries[name]
			names := make([]string, 0, len(queries))
			for n := range queries {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintf(stdout, "%s: %s\n", n, queryProm(promURL, queries[n]))
			}
		},
	}
}

func queryProm(baseURL, query string) string {
	resp, err := http.Get(baseURL + "/api/v1/query?query=" + url.QueryEscape(query))
	if err != nil {
		return "error: " + err.Error()
	}
	defer resp.Body.Close()

	var pr PromResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "parse error"
	}
	if len(pr.Data.Result) == 0 {
		return "no data"
	}

	result := pr.Data.Result[0]
	if len(result.Value) >= 2 {
		return fmt.Sprintf("%v", result.Value[1])
	}
	return "no value"
}

func init() {
	obsCmd.PersistentFlags().StringVar(&promURL, "prom-url", "http://localhost:8428", "Prometheus or VictoriaMetrics URL")
	obsCmd.AddCommand(
		obsCommand("summary", "Show system summary metrics"),
		obsCommand("latency", "Show latency metrics"),
		obsCommand("queue", "Show dispatch queue metrics"),
		obsCommand("deploy", "Show deployment metrics"),
	)
	rootCmd.AddCommand(obsCmd)
}
