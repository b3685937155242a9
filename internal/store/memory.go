package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lzjever/crawlhub/internal/core"
)

// Memory is an in-process Store for tests and single-binary dev mode. It
// enforces the same conditional-update and single-active rules as PG.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	workspaces  map[string]core.Workspace
	spiders     map[string]*spiderRow
	tasks       map[string]*core.Task
	taskOrder   []string
	logs        map[string][]logChunk
	deployments map[string]*core.Deployment
	seq         map[string]int
}

type spiderRow struct {
	coderWorkspaceID   string
	activeDeploymentID string
}

type logChunk struct {
	stream core.LogStream
	chunk  string
}

func NewMemory() *Memory {
	return &Memory{
		now:         func() time.Time { return time.Now().UTC() },
		workspaces:  make(map[string]core.Workspace),
		spiders:     make(map[string]*spiderRow),
		tasks:       make(map[string]*core.Task),
		logs:        make(map[string][]logChunk),
		deployments: make(map[string]*core.Deployment),
		seq:         make(map[string]int),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) spider(id string) *spiderRow {
	s, ok := m.spiders[id]
	if !ok {
		s = &spiderRow{}
		m.spiders[id] = s
	}
	return s
}

// ActiveDeploymentID returns the spider join column, for tests.
func (m *Memory) ActiveDeploymentID(spiderID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.spiders[spiderID]; ok {
		return s.activeDeploymentID
	}
	return ""
}

func (m *Memory) GetWorkspace(_ context.Context, spiderID string) (core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[spiderID]
	if !ok {
		return core.Workspace{}, ErrNotFound
	}
	return ws, nil
}

func (m *Memory) InsertWorkspace(_ context.Context, ws core.Workspace) (core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[ws.SpiderID]; ok {
		return core.Workspace{}, ErrConflict
	}
	now := m.now()
	ws.Revision = 1
	ws.CreatedAt, ws.UpdatedAt = now, now
	m.workspaces[ws.SpiderID] = ws
	m.spider(ws.SpiderID).coderWorkspaceID = ws.ProviderWorkspaceID
	return ws, nil
}

func (m *Memory) UpdateWorkspace(_ context.Context, ws core.Workspace, expectedRevision int64) (core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workspaces[ws.SpiderID]
	if !ok {
		return core.Workspace{}, ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return core.Workspace{}, ErrStale
	}
	ws.Revision = expectedRevision + 1
	ws.CreatedAt = cur.CreatedAt
	ws.UpdatedAt = m.now()
	m.workspaces[ws.SpiderID] = ws
	m.spider(ws.SpiderID).coderWorkspaceID = ws.ProviderWorkspaceID
	return ws, nil
}

func cloneTask(t *core.Task) *core.Task {
	c := *t
	if t.DeploymentID != nil {
		v := *t.DeploymentID
		c.DeploymentID = &v
	}
	if t.ErrorCategory != nil {
		v := *t.ErrorCategory
		c.ErrorCategory = &v
	}
	for _, p := range []**time.Time{&c.StartedAt, &c.FinishedAt, &c.DispatchedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}

func (m *Memory) InsertTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrConflict
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	m.tasks[t.ID] = cloneTask(t)
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasks(_ context.Context, f core.TaskFilter) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Task
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if f.SpiderID != "" && t.SpiderID != f.SpiderID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, cloneTask(t))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, t *core.Task, from core.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStale
	}
	next := cloneTask(t)
	next.CreatedAt = cur.CreatedAt
	next.DispatchedAt = cur.DispatchedAt
	next.CancelRequested = next.CancelRequested || cur.CancelRequested
	m.tasks[t.ID] = next
	return nil
}

func (m *Memory) ClaimTask(context.Context) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.Status == core.TaskPending && t.DispatchedAt == nil && !t.CancelRequested {
			now := m.now()
			t.DispatchedAt = &now
			return cloneTask(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) PendingTaskCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == core.TaskPending && t.DispatchedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendTaskLog(_ context.Context, taskID string, stream core.LogStream, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	m.logs[taskID] = append(m.logs[taskID], logChunk{stream: stream, chunk: chunk})
	return nil
}

func (m *Memory) TaskLogs(_ context.Context, taskID string) (core.TaskLogs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return core.TaskLogs{}, ErrNotFound
	}
	out := core.TaskLogs{TaskID: taskID}
	var stdout, stderr strings.Builder
	for _, c := range m.logs[taskID] {
		out.HasLogs = true
		if c.stream == core.StreamStderr {
			stderr.WriteString(c.chunk)
		} else {
			stdout.WriteString(c.chunk)
		}
	}
	out.Stdout, out.Stderr = stdout.String(), stderr.String()
	return out, nil
}

func cloneDeployment(d *core.Deployment) *core.Deployment {
	c := *d
	return &c
}

func (m *Memory) GetDeployment(_ context.Context, deploymentID string) (*core.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (m *Memory) activeLocked(spiderID string) *core.Deployment {
	for _, d := range m.deployments {
		if d.SpiderID == spiderID && d.Status == core.DeploymentActive {
			return d
		}
	}
	return nil
}

func (m *Memory) ActiveDeployment(_ context.Context, spiderID string) (*core.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.activeLocked(spiderID); d != nil {
		return cloneDeployment(d), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) listLocked(spiderID string) []*core.Deployment {
	var out []*core.Deployment
	for _, d := range m.deployments {
		if d.SpiderID == spiderID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

func (m *Memory) ListDeployments(_ context.Context, spiderID string) ([]*core.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.listLocked(spiderID)
	out := make([]*core.Deployment, len(list))
	for i, d := range list {
		out[i] = cloneDeployment(d)
	}
	return out, nil
}

func (m *Memory) LastVersion(_ context.Context, spiderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq[spiderID], nil
}

func (m *Memory) CreateDeployment(_ context.Context, d *core.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; ok {
		return ErrConflict
	}
	m.seq[d.SpiderID]++
	d.Version = m.seq[d.SpiderID]
	d.Status = core.DeploymentActive
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	if prev := m.activeLocked(d.SpiderID); prev != nil {
		prev.Status = core.DeploymentArchived
	}
	m.deployments[d.ID] = cloneDeployment(d)
	m.spider(d.SpiderID).activeDeploymentID = d.ID
	return nil
}

func (m *Memory) ActivateDeployment(_ context.Context, spiderID, deploymentID string) (*core.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.deployments[deploymentID]
	if !ok || target.SpiderID != spiderID {
		return nil, ErrNotFound
	}
	if target.Status == core.DeploymentActive {
		return nil, ErrConflict
	}
	if prev := m.activeLocked(spiderID); prev != nil {
		prev.Status = core.DeploymentArchived
	}
	target.Status = core.DeploymentActive
	m.spider(spiderID).activeDeploymentID = target.ID
	return cloneDeployment(target), nil
}

func (m *Memory) DeleteDeployment(_ context.Context, spiderID, deploymentID string) (*core.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok || d.SpiderID != spiderID {
		return nil, ErrNotFound
	}
	if d.Status == core.DeploymentActive {
		return nil, ErrConflict
	}
	delete(m.deployments, deploymentID)
	return cloneDeployment(d), nil
}

func (m *Memory) PruneDeployments(_ context.Context, spiderID string, keep int) ([]*core.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	var removed []*core.Deployment
	kept := 0
	for _, d := range m.listLocked(spiderID) {
		if d.Status == core.DeploymentActive {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		delete(m.deployments, d.ID)
		removed = append(removed, cloneDeployment(d))
	}
	return removed, nil
}

func (m *Memory) DeploymentSpiders(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, d := range m.deployments {
		seen[d.SpiderID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
