package core

import (
	"regexp"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return st, true
	}
	return "", false
}

type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
)

func ParseTriggerType(s string) (TriggerType, bool) {
	switch t := TriggerType(strings.ToLower(strings.TrimSpace(s))); t {
	case TriggerManual, TriggerSchedule:
		return t, true
	case "":
		return TriggerManual, true
	}
	return "", false
}

type ErrorCategory string

const (
	CategoryNetwork ErrorCategory = "network"
	CategoryAuth    ErrorCategory = "auth"
	CategoryParse   ErrorCategory = "parse"
	CategorySystem  ErrorCategory = "system"
)

func ParseErrorCategory(s string) (ErrorCategory, bool) {
	switch c := ErrorCategory(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryNetwork, CategoryAuth, CategoryParse, CategorySystem:
		return c, true
	}
	return "", false
}

// classifier patterns, checked in order against the lower-cased message.
// Auth goes first so "401 from proxy connection" is triaged as a credentials
// problem; its words are bounded so "author" or "unexpected token" fall
// through to parse.
var classifier = []struct {
	category ErrorCategory
	pattern  *regexp.Regexp
}{
	{CategoryAuth, regexp.MustCompile(`\b40[13]\b|unauthori[sz]ed|forbidden|\bauth(?:entication|orization|enticate|orize|orized)?\b|\blog-?in\b|credential|captcha|\b(?:invalid|expired|access|bearer|refresh|csrf) token\b|\btoken (?:expired|invalid|revoked)\b`)},
	{CategoryNetwork, regexp.MustCompile(`timeout|timed out|connection|\bdns\b|no such host|refused|reset by peer|unreachable|proxy|\btls\b|\bssl\b|network|\beof\b|\b50[234]\b`)},
	{CategoryParse, regexp.MustCompile(`pars(?:e|ing)|selector|xpath|json|decode|unmarshal|syntax|unexpected token|keyerror|indexerror|attributeerror`)},
	{CategorySystem, regexp.MustCompile(`memory|\boom\b|killed|\bdisk\b|no space|permission denied|panic|segmentation|exit code|internal`)},
}

// ClassifyError makes a best-effort guess at the category of a failure
// message. The second result is false when nothing matched.
func ClassifyError(msg string) (ErrorCategory, bool) {
	m := strings.ToLower(msg)
	if m == "" {
		return "", false
	}
	for _, c := range classifier {
		if c.pattern.MatchString(m) {
			return c.category, true
		}
	}
	return "", false
}

type Task struct {
	ID              string         `json:"id"`
	SpiderID        string         `json:"spider_id"`
	DeploymentID    *string        `json:"deployment_id"`
	Status          TaskStatus     `json:"status"`
	TriggerType     TriggerType    `json:"trigger_type"`
	IsTest          bool           `json:"is_test"`
	Progress        int            `json:"progress"`
	SuccessCount    int            `json:"success_count"`
	FailedCount     int            `json:"failed_count"`
	TotalCount      int            `json:"total_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorCategory   *ErrorCategory `json:"error_category"`
	CancelRequested bool           `json:"cancel_requested"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DispatchedAt    *time.Time     `json:"dispatched_at,omitempty"`
}

// IsTerminal returns true if task is in a final state.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// Progress is an executor progress report.
type Progress struct {
	Progress     int `json:"progress"`
	SuccessCount int `json:"success_count"`
	FailedCount  int `json:"failed_count"`
	TotalCount   int `json:"total_count"`
}

// Outcome is an executor terminal report. Counts are optional; nil keeps the
// last reported value.
type Outcome struct {
	Status        TaskStatus     `json:"status"`
	SuccessCount  *int           `json:"success_count,omitempty"`
	FailedCount   *int           `json:"failed_count,omitempty"`
	TotalCount    *int           `json:"total_count,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorCategory *ErrorCategory `json:"error_category,omitempty"`
}

type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

func ParseLogStream(s string) (LogStream, bool) {
	switch st := LogStream(strings.ToLower(strings.TrimSpace(s))); st {
	case StreamStdout, StreamStderr:
		return st, true
	}
	return "", false
}

// TaskLogs is the log side channel of a task. HasLogs false is the explicit
// "no logs" state.
type TaskLogs struct {
	TaskID  string `json:"task_id"`
	HasLogs bool   `json:"has_logs"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

type TaskFilter struct {
	SpiderID string
	Status   TaskStatus
	Limit    int
}
