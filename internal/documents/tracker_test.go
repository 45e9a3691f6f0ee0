package documents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedUploader struct {
	release chan struct{}
	err     error

	mu    sync.Mutex
	names []string
}

func (g *gatedUploader) Upload(ctx context.Context, b *core.CredentialBundle, kbID, dsID string, f File) (*core.Document, error) {
	g.mu.Lock()
	g.names = append(g.names, f.Name)
	g.mu.Unlock()
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return nil, g.err
	}
	return &core.Document{ID: "id-" + f.Name, Name: f.Name, Status: core.DocumentProcessing}, nil
}

type changes struct {
	mu    sync.Mutex
	snaps [][]Progress
}

func (c *changes) record(p []Progress) {
	c.mu.Lock()
	c.snaps = append(c.snaps, p)
	c.mu.Unlock()
}

func (c *changes) all() [][]Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]Progress(nil), c.snaps...)
}

func TestTrackerProgressAndSettle(t *testing.T) {
	up := &gatedUploader{release: make(chan struct{})}
	ch := &changes{}
	tr := NewTracker(up, TrackerOptions{
		Tick:     2 * time.Millisecond,
		Linger:   30 * time.Millisecond,
		OnChange: ch.record,
		Rand:     func() float64 { return 0.99 },
	})

	done := make(chan *core.Document, 1)
	go func() {
		doc, err := tr.Upload(context.Background(), bundle, "KB1", "DS1", File{Name: "a.pdf"})
		assert.NoError(t, err)
		done <- doc
	}()

	require.Eventually(t, func() bool {
		snap := tr.Snapshot()
		return len(snap) == 1 && snap[0].Progress == 90
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	snap := tr.Snapshot()
	assert.Equal(t, 90, snap[0].Progress, "progress must hold below completion")
	assert.Equal(t, StateUploading, snap[0].State)

	close(up.release)
	doc := <-done
	assert.Equal(t, "id-a.pdf", doc.ID)

	snap = tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateCompleted, snap[0].State)
	assert.Equal(t, 100, snap[0].Progress)

	require.Eventually(t, func() bool { return len(tr.Snapshot()) == 0 }, time.Second, time.Millisecond)

	for _, s := range ch.all() {
		for _, p := range s {
			assert.LessOrEqual(t, p.Progress, 100)
			if p.State == StateUploading {
				assert.LessOrEqual(t, p.Progress, 90)
			}
		}
	}
}

func TestTrackerErrorStopsTicker(t *testing.T) {
	up := &gatedUploader{err: apperr.New(apperr.KindValidation, "Failed to upload document: file too large")}
	tr := NewTracker(up, TrackerOptions{Tick: time.Millisecond, Linger: time.Hour, Rand: func() float64 { return 0.5 }})

	_, err := tr.Upload(context.Background(), bundle, "KB1", "DS1", File{Name: "big.pdf"})
	require.Error(t, err)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateError, snap[0].State)
	assert.Equal(t, "Failed to upload document: file too large", snap[0].Error)

	before := snap[0].Progress
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, tr.Snapshot()[0].Progress)
}

func TestUploadAllSequential(t *testing.T) {
	up := &gatedUploader{}
	tr := NewTracker(up, TrackerOptions{Linger: time.Millisecond})

	results := tr.UploadAll(context.Background(), bundle, "KB1", "DS1", []File{
		{Name: "one.pdf"}, {Name: "two.zip"}, {Name: "three.csv"},
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(results[1].Err))
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "id-three.csv", results[2].Document.ID)
	assert.Equal(t, []string{"one.pdf", "three.csv"}, up.names)
}

func TestUploadAllCancelled(t *testing.T) {
	up := &gatedUploader{err: errors.New("unreachable")}
	tr := NewTracker(up, TrackerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := tr.UploadAll(ctx, bundle, "KB1", "DS1", []File{{Name: "a.pdf"}, {Name: "b.pdf"}})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Empty(t, up.names)
}

func TestRefreshWaitsBeforeListing(t *testing.T) {
	tr := NewTracker(&gatedUploader{}, TrackerOptions{RefreshDelay: 30 * time.Millisecond})

	start := time.Now()
	var listedAfter time.Duration
	docs, err := tr.Refresh(context.Background(), func(ctx context.Context) ([]core.Document, error) {
		listedAfter = time.Since(start)
		return []core.Document{{ID: "d1", Name: "report.pdf"}}, nil
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.GreaterOrEqual(t, listedAfter, 30*time.Millisecond)
}

func TestRefreshCancelledSkipsListing(t *testing.T) {
	tr := NewTracker(&gatedUploader{}, TrackerOptions{RefreshDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	called := false
	_, err := tr.Refresh(ctx, func(ctx context.Context) ([]core.Document, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestRefreshDefaultsDelay(t *testing.T) {
	tr := NewTracker(&gatedUploader{}, TrackerOptions{})
	assert.Equal(t, DefaultRefreshDelay, tr.opts.RefreshDelay)
}
