package documents

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/core"
)

// Upload states.
type State string

const (
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Default tracker timings.
const (
	DefaultTick         = 500 * time.Millisecond
	DefaultLinger       = 5 * time.Second
	DefaultRefreshDelay = time.Second

	progressStep = 20
	progressCap  = 90
)

// Progress is the visible state of one upload.
type Progress struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Uploader performs a single upload.
type Uploader interface {
	Upload(ctx context.Context, b *core.CredentialBundle, kbID, dsID string, f File) (*core.Document, error)
}

// TrackerOptions configures a Tracker. Zero values take the defaults.
type TrackerOptions struct {
	Tick     time.Duration
	Linger   time.Duration // how long settled entries stay visible
	OnChange func([]Progress)
	Rand     func() float64 // [0,1)

	// RefreshDelay is how long Refresh waits before re-listing.
	RefreshDelay time.Duration
}

// Tracker runs uploads and reports simulated progress while each request
// is in flight. The backend gives no progress, so the bar advances on a
// timer and never passes 90% until the request settles.
type Tracker struct {
	up   Uploader
	opts TrackerOptions

	mu      sync.Mutex
	entries map[string]*Progress
	order   []string
}

// NewTracker creates a Tracker.
func NewTracker(up Uploader, opts TrackerOptions) *Tracker {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Tracker{up: up, opts: opts, entries: map[string]*Progress{}}
}

// Snapshot returns the visible entries in start order.
func (t *Tracker) Snapshot() []Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Progress {
	out := make([]Progress, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.entries[id])
	}
	return out
}

func (t *Tracker) update(id string, fn func(p *Progress)) {
	t.mu.Lock()
	p, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(p)
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if t.opts.OnChange != nil {
		t.opts.OnChange(snap)
	}
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	if _, ok := t.entries[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if t.opts.OnChange != nil {
		t.opts.OnChange(snap)
	}
}

// Upload runs one tracked upload.
func (t *Tracker) Upload(ctx context.Context, b *core.CredentialBundle, kbID, dsID string, f File) (*core.Document, error) {
	if !SupportedUpload(f.Name) {
		return nil, apperr.New(apperr.KindValidation, "Unsupported file type: "+f.Name)
	}

	id := uuid.NewString()
	t.mu.Lock()
	t.entries[id] = &Progress{ID: id, Name: f.Name, State: StateUploading}
	t.order = append(t.order, id)
	t.mu.Unlock()
	t.update(id, func(*Progress) {})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.update(id, func(p *Progress) {
					if p.State != StateUploading {
						return
					}
					p.Progress += int(t.opts.Rand() * progressStep)
					if p.Progress > progressCap {
						p.Progress = progressCap
					}
				})
			}
		}
	}()

	doc, err := t.up.Upload(ctx, b, kbID, dsID, f)
	close(stop)
	wg.Wait()

	t.update(id, func(p *Progress) {
		if err != nil {
			p.State = StateError
			p.Error = apperr.UserMessage(err)
			return
		}
		p.State = StateCompleted
		p.Progress = 100
	})
	time.AfterFunc(t.opts.Linger, func() { t.remove(id) })
	return doc, err
}

// Refresh waits RefreshDelay so the backend can index settled uploads, then
// calls list. A context cancelled during the wait skips the listing.
func (t *Tracker) Refresh(ctx context.Context, list func(context.Context) ([]core.Document, error)) ([]core.Document, error) {
	timer := time.NewTimer(t.opts.RefreshDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return list(ctx)
}

// Result is the outcome of one file in a batch.
type Result struct {
	Name     string         `json:"name"`
	Document *core.Document `json:"document,omitempty"`
	Err      error          `json:"-"`
}

// UploadAll uploads files one after another. A failed file does not stop
// the batch; a cancelled context does.
func (t *Tracker) UploadAll(ctx context.Context, b *core.CredentialBundle, kbID, dsID string, files []File) []Result {
	results := make([]Result, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			results = append(results, Result{Name: f.Name, Err: ctx.Err()})
			continue
		}
		doc, err := t.Upload(ctx, b, kbID, dsID, f)
		results = append(results, Result{Name: f.Name, Document: doc, Err: err})
	}
	return results
}
