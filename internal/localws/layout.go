// Package localws manages on-disk workspaces for the local development
// provider:
//
//	<root>/<id>/live/<live-id>/   code trees
//	<root>/<id>/current           symlink to the live tree in use
//	<root>/<id>/.crawlhub/        state.json and sync.json
package localws

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("localws: workspace not found")

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type Layout struct {
	Root string
	Log  *zap.Logger
}

func (l Layout) Logger() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}

func (l Layout) Dir(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid workspace id %q", id)
	}
	return filepath.Join(l.Root, id), nil
}

func (l Layout) metaDir(id string) (string, error) {
	dir, err := l.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".crawlhub"), nil
}

// Init creates the directory structure for id. It is a no-op if the current
// link already exists.
func (l Layout) Init(id string) error {
	dir, err := l.Dir(id)
	if err != nil {
		return err
	}
	currentLink := filepath.Join(dir, "current")
	if _, err := os.Lstat(currentLink); err == nil {
		return nil
	}
	for _, d := range []string{filepath.Join(dir, "live", "initial"), filepath.Join(dir, ".crawlhub")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	if err := os.Symlink(filepath.Join("live", "initial"), currentLink); err != nil {
		return fmt.Errorf("symlink current: %w", err)
	}
	l.Logger().Info("local workspace initialized", zap.String("workspace_id", id))
	return nil
}

func (l Layout) Exists(id string) bool {
	dir, err := l.Dir(id)
	if err != nil {
		return false
	}
	_, err = os.Lstat(filepath.Join(dir, "current"))
	return err == nil
}

// CurrentPath resolves the current link to an absolute directory.
func (l Layout) CurrentPath(id string) (string, error) {
	dir, err := l.Dir(id)
	if err != nil {
		return "", err
	}
	p, err := filepath.EvalSymlinks(filepath.Join(dir, "current"))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve current: %w", err)
	}
	return p, nil
}

// NewLiveDir creates an empty live directory and returns its path and the
// link target relative to the workspace dir.
func (l Layout) NewLiveDir(id, liveID string) (string, string, error) {
	dir, err := l.Dir(id)
	if err != nil {
		return "", "", err
	}
	rel := filepath.Join("live", liveID)
	abs := filepath.Join(dir, rel)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return abs, rel, nil
}

// SwitchCurrent atomically repoints the current link via rename(2), then
// removes live trees that are no longer referenced.
func (l Layout) SwitchCurrent(id, relTarget string) error {
	dir, err := l.Dir(id)
	if err != nil {
		return err
	}
	currentLink := filepath.Join(dir, "current")
	tmpLink := currentLink + ".tmp"

	os.Remove(tmpLink)
	if err := os.Symlink(relTarget, tmpLink); err != nil {
		return fmt.Errorf("symlink tmp: %w", err)
	}
	if err := os.Rename(tmpLink, currentLink); err != nil {
		os.Remove(tmpLink)
		return fmt.Errorf("rename symlink: %w", err)
	}
	l.Logger().Info("current switched", zap.String("workspace_id", id), zap.String("target", relTarget))

	entries, err := os.ReadDir(filepath.Join(dir, "live"))
	if err != nil {
		return nil
	}
	keep := filepath.Base(relTarget)
	for _, e := range entries {
		if e.Name() != keep {
			_ = os.RemoveAll(filepath.Join(dir, "live", e.Name()))
		}
	}
	return nil
}

// State is the lifecycle record of a local workspace.
type State struct {
	Phase string    `json:"phase"`
	Since time.Time `json:"since"`
}

func (l Layout) ReadState(id string) (State, error) {
	meta, err := l.metaDir(id)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := readJSON(filepath.Join(meta, "state.json"), &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ErrNotFound
		}
		return State{}, err
	}
	return st, nil
}

func (l Layout) WriteState(id string, st State) error {
	meta, err := l.metaDir(id)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(meta, "state.json"), st)
}

type syncFile struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

const (
	syncActive = "SYNCING"
	syncIdle   = "IDLE"
)

// BeginSync marks a code overwrite in progress; EndSync clears it.
func (l Layout) BeginSync(id string) error { return l.writeSync(id, syncActive) }

func (l Layout) EndSync(id string) error { return l.writeSync(id, syncIdle) }

func (l Layout) Syncing(id string) bool {
	meta, err := l.metaDir(id)
	if err != nil {
		return false
	}
	var sf syncFile
	if err := readJSON(filepath.Join(meta, "sync.json"), &sf); err != nil {
		return false
	}
	return sf.State == syncActive
}

func (l Layout) writeSync(id, state string) error {
	meta, err := l.metaDir(id)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(meta, "sync.json"), syncFile{
		State:     state,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes via a temp file and rename so readers never see a torn file.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
