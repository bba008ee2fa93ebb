package gateway

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TranscriptWatcher turns filesystem changes in the runtime's sessions
// directory into coalesced nudges for Adapter.AwaitReply.
type TranscriptWatcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	nudges   chan struct{}
}

// NewTranscriptWatcher creates a watcher for dir. Call Start to begin.
func NewTranscriptWatcher(dir string, logger *slog.Logger) (*TranscriptWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscriptWatcher{
		dir:      dir,
		watcher:  fsw,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		// Capacity 1: pending nudges coalesce.
		nudges: make(chan struct{}, 1),
	}, nil
}

// Nudges returns the channel signalled after transcript changes.
func (w *TranscriptWatcher) Nudges() <-chan struct{} {
	return w.nudges
}

// Start watches the directory until ctx is cancelled or Stop is called.
func (w *TranscriptWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.processEvents(ctx)

	w.logger.Info("Transcript watcher started", "dir", w.dir)
	return nil
}

// Stop releases the underlying watcher.
func (w *TranscriptWatcher) Stop() error {
	return w.watcher.Close()
}

func (w *TranscriptWatcher) processEvents(ctx context.Context) {
	var pending bool
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Transcript watcher error", "error", err)

		case <-timer.C:
			pending = false
			select {
			case w.nudges <- struct{}{}:
			default:
			}
		}
	}
}

// relevant filters to writes of transcripts and the session index.
func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	return base == SessionIndexFile || strings.HasSuffix(base, ".jsonl")
}
