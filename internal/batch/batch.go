// Package batch groups incoming movies into folders that one MotionCor
// invocation processes in serial mode, and watches the input for new movies.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
)

// Batch is a folder of symlinked movies.
type Batch struct {
	ID    string          `json:"id"`
	Index int             `json:"index"`
	Path  string          `json:"path"`
	Items []*movies.Movie `json:"items"`
}

// MovieIDs returns the ids of the movies in the batch.
func (b Batch) MovieIDs() []int {
	ids := make([]int, len(b.Items))
	for i, m := range b.Items {
		ids[i] = m.ID
	}
	return ids
}

// LinkName is the name a movie gets inside its batch folder.
func LinkName(m *movies.Movie) string {
	return motioncor.MovieRoot(m.ID) + m.Ext()
}

// Manager creates batch folders under Root.
type Manager struct {
	Size int
	Root string
	Log  *slog.Logger

	// Failed is called for movies that could not be linked into a batch.
	Failed func(m *movies.Movie, err error)

	index int
}

// NewManager returns a manager producing batches of size movies.
func NewManager(size int, root string, logger *slog.Logger) *Manager {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Size: size, Root: root, Log: logger}
}

// Generate groups the movies read from in into batches. The last partial
// batch is flushed when in is closed. The returned channel is closed once
// in is drained or ctx is cancelled.
func (bm *Manager) Generate(ctx context.Context, in <-chan *movies.Movie) <-chan Batch {
	out := make(chan Batch)
	go func() {
		defer close(out)
		var pending []*movies.Movie

		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			b, err := bm.create(pending)
			pending = nil
			if err != nil {
				bm.Log.Error("Failed to create batch", "error", err)
				return true
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					flush()
					return
				}
				pending = append(pending, m)
				if len(pending) >= bm.Size && !flush() {
					return
				}
			}
		}
	}()
	return out
}

func (bm *Manager) create(items []*movies.Movie) (Batch, error) {
	bm.index++
	b := Batch{
		ID:    uuid.New().String(),
		Index: bm.index,
		Path:  filepath.Join(bm.Root, fmt.Sprintf("batch_%06d", bm.index)),
	}
	if err := os.MkdirAll(b.Path, 0o755); err != nil {
		for _, m := range items {
			bm.fail(m, err)
		}
		return b, fmt.Errorf("create batch folder: %w", err)
	}
	for _, m := range items {
		src, err := filepath.Abs(m.FileName)
		if err == nil {
			err = os.Symlink(src, filepath.Join(b.Path, LinkName(m)))
		}
		if err != nil {
			bm.fail(m, err)
			continue
		}
		b.Items = append(b.Items, m)
	}
	if len(b.Items) == 0 {
		os.RemoveAll(b.Path)
		return b, fmt.Errorf("batch %d has no linkable movies", b.Index)
	}
	bm.Log.Debug("Created batch", "index", b.Index, "size", len(b.Items), "path", b.Path)
	return b, nil
}

func (bm *Manager) fail(m *movies.Movie, err error) {
	bm.Log.Warn("Skipping movie", "movie", m.FileName, "error", err)
	if bm.Failed != nil {
		bm.Failed(m, err)
	}
}
