package batch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"motioncorr/internal/movies"
)

// DefaultClosedMarker is the file that closes a streaming input.
const DefaultClosedMarker = "STREAM_CLOSED"

// SetMonitor yields the movies matching Pattern, each one once.
type SetMonitor struct {
	Pattern   string
	Blacklist map[string]bool
	// WaitSecs is the polling interval while waiting for new movies.
	WaitSecs int
	// ClosedMarker is the path whose existence closes a streaming input.
	// Empty means DefaultClosedMarker next to the movies.
	ClosedMarker string
	Streaming    bool
	// NextID is the id given to the next discovered movie.
	NextID int
	Log    *slog.Logger

	seen map[string]bool
}

// NewSetMonitor returns a monitor assigning ids from 1.
func NewSetMonitor(pattern string, streaming bool, waitSecs int, logger *slog.Logger) *SetMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SetMonitor{
		Pattern:   pattern,
		Blacklist: map[string]bool{},
		WaitSecs:  waitSecs,
		Streaming: streaming,
		NextID:    1,
		Log:       logger,
	}
}

func (sm *SetMonitor) marker() string {
	if sm.ClosedMarker != "" {
		return sm.ClosedMarker
	}
	return filepath.Join(filepath.Dir(sm.Pattern), DefaultClosedMarker)
}

// Closed reports whether the closed marker exists.
func (sm *SetMonitor) Closed() bool {
	_, err := os.Stat(sm.marker())
	return err == nil
}

// Scan returns the movies that appeared since the previous scan.
func (sm *SetMonitor) Scan() []*movies.Movie {
	if sm.seen == nil {
		sm.seen = map[string]bool{}
	}
	if sm.NextID < 1 {
		sm.NextID = 1
	}
	files, err := filepath.Glob(sm.Pattern)
	if err != nil {
		sm.Log.Error("Bad input pattern", "pattern", sm.Pattern, "error", err)
		return nil
	}
	sort.Strings(files)

	var found []*movies.Movie
	for _, f := range files {
		if sm.seen[f] || sm.Blacklist[f] || !movies.IsMovieFile(f) {
			continue
		}
		info, err := os.Stat(f)
		if err != nil || info.Size() == 0 {
			// not written yet, picked up on a later scan
			continue
		}
		m, err := movies.NewMovie(sm.NextID, f)
		if err != nil {
			sm.Log.Debug("Movie not readable yet", "movie", f, "error", err)
			continue
		}
		sm.seen[f] = true
		sm.NextID++
		found = append(found, m)
	}
	return found
}

// Iter emits new movies until the input is closed or ctx is done.
// Without streaming a single scan is done.
func (sm *SetMonitor) Iter(ctx context.Context) <-chan *movies.Movie {
	out := make(chan *movies.Movie)
	go func() {
		defer close(out)

		var wake <-chan fsnotify.Event
		if sm.Streaming {
			if w, err := fsnotify.NewWatcher(); err != nil {
				sm.Log.Warn("File watcher unavailable, polling only", "error", err)
			} else {
				defer w.Close()
				dir := filepath.Dir(sm.Pattern)
				if err := w.Add(dir); err != nil {
					sm.Log.Warn("Cannot watch input folder", "dir", dir, "error", err)
				} else {
					sm.Log.Info("Watching input folder", "dir", dir)
					wake = w.Events
				}
			}
		}

		wait := time.Duration(sm.WaitSecs) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		for {
			// the marker is checked before scanning so a movie written
			// just before it is never missed
			closed := !sm.Streaming || sm.Closed()
			found := sm.Scan()
			for _, m := range found {
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
			if closed && len(found) == 0 {
				return
			}
			if !sm.Streaming {
				return
			}
			if len(found) > 0 {
				continue
			}
			if !sm.sleep(ctx, wake, wait) {
				return
			}
		}
	}()
	return out
}

// sleep waits for the polling interval or a relevant file event.
func (sm *SetMonitor) sleep(ctx context.Context, wake <-chan fsnotify.Event, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	marker := sm.marker()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ev.Name == marker || movies.IsMovieFile(ev.Name) {
				return true
			}
		}
	}
}
