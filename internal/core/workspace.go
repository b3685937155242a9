package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type WorkspaceStatus string

const (
	WorkspacePending  WorkspaceStatus = "pending"
	WorkspaceStarting WorkspaceStatus = "starting"
	WorkspaceRunning  WorkspaceStatus = "running"
	WorkspaceStopping WorkspaceStatus = "stopping"
	WorkspaceStopped  WorkspaceStatus = "stopped"
	WorkspaceFailed   WorkspaceStatus = "failed"
	WorkspaceUnknown  WorkspaceStatus = "unknown"
)

// ParseWorkspaceStatus maps a stored or reported status string onto the known
// states. Anything unrecognized becomes WorkspaceUnknown.
func ParseWorkspaceStatus(s string) WorkspaceStatus {
	switch st := WorkspaceStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case WorkspacePending, WorkspaceStarting, WorkspaceRunning,
		WorkspaceStopping, WorkspaceStopped, WorkspaceFailed:
		return st
	}
	return WorkspaceUnknown
}

// IsTransitional reports whether the provider is still working towards a
// settled state.
func (s WorkspaceStatus) IsTransitional() bool {
	switch s {
	case WorkspacePending, WorkspaceStarting, WorkspaceStopping:
		return true
	}
	return false
}

type CodeSyncStatus string

const (
	CodeSyncIdle    CodeSyncStatus = "idle"
	CodeSyncSyncing CodeSyncStatus = "syncing"
)

func ParseCodeSyncStatus(s string) CodeSyncStatus {
	if CodeSyncStatus(strings.ToLower(strings.TrimSpace(s))) == CodeSyncSyncing {
		return CodeSyncSyncing
	}
	return CodeSyncIdle
}

// Phase is the caller-facing summary of a workspace. It splits "running but
// not usable" into code sync and environment bootstrap, which progress
// independently inside the workspace.
type Phase string

const (
	PhaseAbsent       Phase = "absent"
	PhasePending      Phase = "pending"
	PhaseStarting     Phase = "starting"
	PhaseInitializing Phase = "initializing"
	PhaseSyncingCode  Phase = "syncing_code"
	PhaseReady        Phase = "ready"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
	PhaseFailed       Phase = "failed"
	PhaseUnknown      Phase = "unknown"
)

// Workspace is the orchestrator's record of a spider's remote development
// environment. Readiness and URL are only reachable through accessors that
// enforce ready => running and url => ready, so a record can never expose a
// ready workspace that is not running.
type Workspace struct {
	SpiderID            string
	ProviderWorkspaceID string
	Status              WorkspaceStatus
	CodeSyncStatus      CodeSyncStatus
	Revision            int64
	CreatedAt           time.Time
	UpdatedAt           time.Time

	ready bool
	url   string
}

// RestoreWorkspace rebuilds a record from persisted columns, dropping any
// readiness or URL the status does not allow.
func RestoreWorkspace(spiderID, providerID string, status WorkspaceStatus, ready bool, sync CodeSyncStatus, url string, revision int64, createdAt, updatedAt time.Time) Workspace {
	w := Workspace{
		SpiderID:            spiderID,
		ProviderWorkspaceID: providerID,
		Status:              status,
		CodeSyncStatus:      sync,
		Revision:            revision,
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
		ready:               ready,
		url:                 url,
	}
	return w.normalize()
}

func (w Workspace) Ready() bool { return w.ready && w.Status == WorkspaceRunning }

func (w Workspace) URL() string {
	if !w.Ready() {
		return ""
	}
	return w.url
}

func (w Workspace) Phase() Phase {
	if w.ProviderWorkspaceID == "" {
		return PhaseAbsent
	}
	switch w.Status {
	case WorkspacePending:
		return PhasePending
	case WorkspaceStarting:
		return PhaseStarting
	case WorkspaceRunning:
		if w.Ready() {
			return PhaseReady
		}
		if w.CodeSyncStatus == CodeSyncSyncing {
			return PhaseSyncingCode
		}
		return PhaseInitializing
	case WorkspaceStopping:
		return PhaseStopping
	case WorkspaceStopped:
		return PhaseStopped
	case WorkspaceFailed:
		return PhaseFailed
	}
	return PhaseUnknown
}

func (w Workspace) normalize() Workspace {
	if w.CodeSyncStatus == "" {
		w.CodeSyncStatus = CodeSyncIdle
	}
	if w.Status != WorkspaceRunning {
		w.ready = false
	}
	if !w.ready {
		w.url = ""
	}
	return w
}

// Observation is a normalized provider status report.
type Observation struct {
	Status   WorkspaceStatus
	Ready    bool
	CodeSync CodeSyncStatus
	URL      string
}

// WorkspaceEvent is an input to Workspace.Apply.
type WorkspaceEvent interface{ isWorkspaceEvent() }

// Provisioned records the provider handle of a freshly created workspace.
type Provisioned struct{ ProviderWorkspaceID string }

type StartRequested struct{}

type StopRequested struct{}

// Observed applies a provider status report.
type Observed struct{ Observation }

func (Provisioned) isWorkspaceEvent()    {}
func (StartRequested) isWorkspaceEvent() {}
func (StopRequested) isWorkspaceEvent()  {}
func (Observed) isWorkspaceEvent()       {}

// Apply is the single transition function for workspace state. It returns the
// next state and whether anything changed; an unchanged result with a nil
// error is an idempotent no-op.
func (w Workspace) Apply(ev WorkspaceEvent) (Workspace, bool, error) {
	next := w
	switch e := ev.(type) {
	case Provisioned:
		if w.ProviderWorkspaceID != "" {
			return w, false, nil
		}
		if e.ProviderWorkspaceID == "" {
			return w, false, NewAppError(ErrProvisioning, "provider returned an empty workspace id")
		}
		next.ProviderWorkspaceID = e.ProviderWorkspaceID
		next.Status = WorkspacePending
		next.ready = false
		next.CodeSyncStatus = CodeSyncIdle

	case StartRequested:
		switch w.Status {
		case WorkspacePending, WorkspaceStarting, WorkspaceRunning:
			return w, false, nil
		case WorkspaceStopped, WorkspaceFailed, WorkspaceUnknown:
			next.Status = WorkspaceStarting
			next.ready = false
		default:
			return w, false, invalidTransition("start", w.Status)
		}

	case StopRequested:
		switch w.Status {
		case WorkspaceStopping, WorkspaceStopped:
			return w, false, nil
		case WorkspaceRunning, WorkspaceStarting:
			next.Status = WorkspaceStopping
			next.ready = false
		default:
			return w, false, invalidTransition("stop", w.Status)
		}

	case Observed:
		next.Status = e.Status
		next.ready = e.Ready
		next.CodeSyncStatus = e.CodeSync
		next.url = e.URL

	default:
		return w, false, fmt.Errorf("unknown workspace event %T", ev)
	}

	next = next.normalize()
	if next.sameState(w) {
		return w, false, nil
	}
	return next, true, nil
}

func (w Workspace) sameState(o Workspace) bool {
	return w.ProviderWorkspaceID == o.ProviderWorkspaceID &&
		w.Status == o.Status &&
		w.Ready() == o.Ready() &&
		w.CodeSyncStatus == o.CodeSyncStatus &&
		w.URL() == o.URL()
}

func invalidTransition(op string, from WorkspaceStatus) *AppError {
	return NewAppError(ErrInvalidTransition, fmt.Sprintf("cannot %s workspace in %s state", op, from))
}

type workspaceJSON struct {
	SpiderID            string          `json:"spider_id"`
	ProviderWorkspaceID string          `json:"provider_workspace_id,omitempty"`
	Status              WorkspaceStatus `json:"status"`
	Phase               Phase           `json:"phase"`
	IsReady             bool            `json:"is_ready"`
	CodeSyncStatus      CodeSyncStatus  `json:"code_sync_status"`
	URL                 string          `json:"url,omitempty"`
	Revision            int64           `json:"revision"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (w Workspace) MarshalJSON() ([]byte, error) {
	return json.Marshal(workspaceJSON{
		SpiderID:            w.SpiderID,
		ProviderWorkspaceID: w.ProviderWorkspaceID,
		Status:              w.Status,
		Phase:               w.Phase(),
		IsReady:             w.Ready(),
		CodeSyncStatus:      w.CodeSyncStatus,
		URL:                 w.URL(),
		Revision:            w.Revision,
		CreatedAt:           w.CreatedAt,
		UpdatedAt:           w.UpdatedAt,
	})
}

func (w *Workspace) UnmarshalJSON(b []byte) error {
	var j workspaceJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*w = RestoreWorkspace(j.SpiderID, j.ProviderWorkspaceID, ParseWorkspaceStatus(string(j.Status)),
		j.IsReady, ParseCodeSyncStatus(string(j.CodeSyncStatus)), j.URL, j.Revision, j.CreatedAt, j.UpdatedAt)
	return nil
}
