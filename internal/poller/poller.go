// Package poller keeps watched workspaces fresh by refreshing their status on
// an interval derived from the last observation.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/observability"
	"github.com/lzjever/crawlhub/internal/workspace"
)

const (
	IntervalNoData  = 3 * time.Second
	IntervalWorking = 2 * time.Second
	IntervalSettled = 10 * time.Second
)

// NextInterval returns how long to wait before the next refresh given the
// last observation. nil means nothing has been observed yet.
func NextInterval(ws *core.Workspace) time.Duration {
	if ws == nil {
		return IntervalNoData
	}
	switch {
	case ws.Status.IsTransitional():
		return IntervalWorking
	case ws.Status == core.WorkspaceRunning && !ws.Ready():
		return IntervalWorking
	case ws.CodeSyncStatus == core.CodeSyncSyncing:
		return IntervalWorking
	}
	return IntervalSettled
}

// Refresher is the slice of workspace.Machine the poller needs.
type Refresher interface {
	RefreshStatusIf(ctx context.Context, spiderID string, valid func() bool) (core.Workspace, error)
}

// Update is what a watch delivers after each refresh.
type Update struct {
	Workspace core.Workspace `json:"workspace"`
	// Exists is false while the spider has no workspace.
	Exists bool `json:"exists"`
	// Stale is set when the provider timed out and Workspace is the last
	// known state.
	Stale bool          `json:"stale,omitempty"`
	Next  time.Duration `json:"-"`
}

type afterFunc func(time.Duration) (<-chan time.Time, func() bool)

func realAfter(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Poller runs one refresh loop per watched spider. Watches on the same spider
// share the loop.
type Poller struct {
	ref   Refresher
	log   *zap.Logger
	after afterFunc

	mu     sync.Mutex
	loops  map[string]*loop
	closed bool
	wg     sync.WaitGroup
}

// A loop is current while it is the one registered for its spider; a
// replacement started after the last release is a different pointer.
type loop struct {
	spiderID string
	cancel   context.CancelFunc
	watches  map[*Watch]struct{}
	last     *Update
}

func New(ref Refresher, log *zap.Logger) *Poller {
	return &Poller{
		ref:   ref,
		log:   observability.Component(log, "poller"),
		after: realAfter,
		loops: make(map[string]*loop),
	}
}

// Watch delivers the latest state of a spider's workspace on C until Release.
// C only ever holds the newest update; slow readers miss intermediate ones.
type Watch struct {
	C <-chan Update

	c       chan Update
	p       *Poller
	spider  string
	release sync.Once
}

// Watch subscribes to spiderID, starting its loop if this is the first watch.
// After Close the returned watch is already closed.
func (p *Poller) Watch(spiderID string) *Watch {
	c := make(chan Update, 1)
	w := &Watch{C: c, c: c, p: p, spider: spiderID}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(c)
		w.release.Do(func() {})
		return w
	}
	l, ok := p.loops[spiderID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		l = &loop{
			spiderID: spiderID,
			cancel:   cancel,
			watches:  make(map[*Watch]struct{}),
		}
		p.loops[spiderID] = l
		observability.ActiveWatches.Inc()
		p.wg.Add(1)
		go p.run(ctx, l)
	}
	l.watches[w] = struct{}{}
	if l.last != nil {
		c <- *l.last
	}
	return w
}

// Release unsubscribes. The last release for a spider stops its loop and
// invalidates any refresh still in flight. Safe to call more than once.
func (w *Watch) Release() {
	w.release.Do(func() {
		p := w.p
		p.mu.Lock()
		defer p.mu.Unlock()
		l, ok := p.loops[w.spider]
		if !ok {
			return
		}
		if _, ok := l.watches[w]; !ok {
			return
		}
		delete(l.watches, w)
		close(w.c)
		if len(l.watches) == 0 {
			p.stopLocked(l)
		}
	})
}

func (p *Poller) stopLocked(l *loop) {
	l.cancel()
	delete(p.loops, l.spiderID)
	observability.ActiveWatches.Dec()
}

// Close stops every loop and waits for their goroutines to exit.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	for _, l := range p.loops {
		for w := range l.watches {
			close(w.c)
			w.release.Do(func() {})
		}
		l.watches = nil
		p.stopLocked(l)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Watching reports how many spiders currently have a loop.
func (p *Poller) Watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

func (p *Poller) current(l *loop) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loops[l.spiderID] == l
}

func (p *Poller) publish(l *loop, u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loops[l.spiderID] != l {
		return
	}
	l.last = &u
	for w := range l.watches {
		select {
		case <-w.c:
		default:
		}
		w.c <- u
	}
}

type result struct {
	ws  core.Workspace
	err error
}

func (p *Poller) run(ctx context.Context, l *loop) {
	defer p.wg.Done()
	log := observability.SpiderLogger(p.log, l.spiderID)
	log.Debug("watch loop started")
	defer log.Debug("watch loop stopped")

	var last *core.Workspace
	results := make(chan result, 1)
	inFlight := false

	refresh := func() {
		inFlight = true
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ws, err := p.ref.RefreshStatusIf(ctx, l.spiderID, func() bool {
				return p.current(l)
			})
			select {
			case results <- result{ws: ws, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	refresh()
	tick, stop := p.after(NextInterval(last))
	defer func() { stop() }()

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			if inFlight {
				observability.PollSkippedTotal.Inc()
			} else {
				refresh()
			}
			tick, stop = p.after(NextInterval(last))

		case r := <-results:
			inFlight = false
			u, ok := p.handle(log, r, last)
			if !ok {
				return
			}
			if u.Exists {
				ws := u.Workspace
				last = &ws
			} else {
				last = nil
			}
			stop()
			u.Next = NextInterval(last)
			tick, stop = p.after(u.Next)
			p.publish(l, u)
		}
	}
}

// handle turns a refresh result into an update. ok is false when the loop
// should exit.
func (p *Poller) handle(log *zap.Logger, r result, last *core.Workspace) (Update, bool) {
	switch {
	case r.err == nil:
		observability.PollTotal.WithLabelValues("ok").Inc()
		return Update{Workspace: r.ws, Exists: true}, true
	case errors.Is(r.err, workspace.ErrSuperseded), errors.Is(r.err, context.Canceled):
		return Update{}, false
	case errors.Is(r.err, core.ErrNotFound):
		observability.PollTotal.WithLabelValues("absent").Inc()
		return Update{Workspace: core.Workspace{SpiderID: r.ws.SpiderID}}, true
	case errors.Is(r.err, core.ErrProviderTimeout):
		observability.PollTotal.WithLabelValues("timeout").Inc()
		log.Debug("status refresh timed out, keeping last state")
	default:
		observability.PollTotal.WithLabelValues("error").Inc()
		log.Warn("status refresh failed", zap.Error(r.err))
	}
	if last != nil {
		return Update{Workspace: *last, Exists: true, Stale: true}, true
	}
	return Update{Workspace: r.ws, Exists: r.ws.Revision > 0, Stale: true}, true
}
