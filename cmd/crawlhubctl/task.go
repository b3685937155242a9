package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lzjever/crawlhub/internal/core"
)

var (
	runTest     bool
	runSchedule bool
	listSpider  string
	listStatus  string
	listLimit   int
	watchEvery  time.Duration
)

type TaskListResponse struct {
	Tasks []*core.Task `json:"tasks"`
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task commands",
}

var taskRunCmd = &cobra.Command{
	Use:   "run <spider-id>",
	Short: "Run the spider's active deployment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		trigger := core.TriggerManual
		if runSchedule {
			trigger = core.TriggerSchedule
		}
		var resp struct {
			Task       *core.Task `json:"task"`
			StatusHref string     `json:"status_href"`
		}
		body := map[string]interface{}{"trigger_type": string(trigger), "is_test": runTest}
		if err := NewClient(apiURL).Post("/v1/spiders/"+args[0]+"/tasks", body, &resp); err != nil {
			fail(err)
		}
		if output != "table" {
			printResult(resp.Task)
			return
		}
		if resp.Task.Status == core.TaskFailed {
			fmt.Fprintf(stdout, "Task %s failed: %s\n", resp.Task.ID, resp.Task.ErrorMessage)
			return
		}
		fmt.Fprintf(stdout, "Task %s queued.\n", resp.Task.ID)
		fmt.Fprintf(stdout, "Check status: crawlhubctl task get %s\n", resp.Task.ID)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		q := url.Values{}
		if listSpider != "" {
			q.Set("spider_id", listSpider)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var resp TaskListResponse
		if err := NewClient(apiURL).Get(path, &resp); err != nil {
			fail(err)
		}
		printResult(resp.Tasks)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var t core.Task
		if err := NewClient(apiURL).Get("/v1/tasks/"+args[0], &t); err != nil {
			fail(err)
		}
		printResult(&t)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var t core.Task
		if err := NewClient(apiURL).Post("/v1/tasks/"+args[0]+":cancel", nil, &t); err != nil {
			fail(err)
		}
		if output != "table" {
			printResult(&t)
			return
		}
		if t.Status == core.TaskRunning {
			fmt.Fprintf(stdout, "Cancellation of task %s requested.\n", t.ID)
			return
		}
		fmt.Fprintf(stdout, "Task %s status: %s\n", t.ID, t.Status)
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Print a task's captured output",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var logs core.TaskLogs
		if err := NewClient(apiURL).Get("/v1/tasks/"+args[0]+"/logs", &logs); err != nil {
			fail(err)
		}
		printResult(logs)
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Poll a task until it finishes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(apiURL)
		var last string
		for {
			var t core.Task
			if err := client.Get("/v1/tasks/"+args[0], &t); err != nil {
				fail(err)
			}
			line := fmt.Sprintf("%s %d%% (%d ok, %d failed)", t.Status, t.Progress, t.SuccessCount, t.FailedCount)
			if line != last {
				fmt.Fprintf(stdout, "Task %s: %s\n", t.ID, line)
				last = line
			}
			if t.IsTerminal() {
				if t.ErrorMessage != "" {
					fmt.Fprintf(stdout, "Error: %s\n", t.ErrorMessage)
				}
				return
			}
			time.Sleep(watchEvery)
		}
	},
}

func init() {
	taskRunCmd.Flags().BoolVar(&runTest, "test", false, "Mark the run as a test run")
	taskRunCmd.Flags().BoolVar(&runSchedule, "scheduled", false, "Record the run as schedule-triggered")
	taskListCmd.Flags().StringVar(&listSpider, "spider", "", "Only tasks of this spider")
	taskListCmd.Flags().StringVar(&listStatus, "status", "", "Only tasks in this status")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum tasks to list")
	taskWatchCmd.Flags().DurationVar(&watchEvery, "interval", time.Second, "Poll interval")
	taskCmd.AddCommand(taskRunCmd, taskListCmd, taskGetCmd, taskCancelCmd, taskLogsCmd, taskWatchCmd)
	rootCmd.AddCommand(taskCmd)
}
