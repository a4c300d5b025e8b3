package syncclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/notesync/internal/notes"
)

const (
	DefaultWatchDebounce = 300 * time.Millisecond

	metaPathPrefix = "path:"
	metaHashPrefix = "hash:"
	noteExtension  = ".md"
)

type WatcherOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher turns edits of *.md files in one directory into queued intents.
// The file name without extension is the note title and the body is its
// content. Which note a file maps to is kept in queue metadata.
type Watcher struct {
	dir      string
	orch     *Orchestrator
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	syncMu sync.Mutex
}

func NewWatcher(dir string, orch *Orchestrator, opts WatcherOptions) (*Watcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultWatchDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		dir:      abs,
		orch:     orch,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		timers:   map[string]*time.Timer{},
	}, nil
}

// Scan enqueues intents for every note file that changed since it was last
// seen, which covers edits made while the watcher was not running.
func (w *Watcher) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isNoteFile(entry.Name()) {
			continue
		}
		if err := w.Sync(ctx, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if filepath.Dir(event.Name) != w.dir || !isNoteFile(name) {
				continue
			}
			w.schedule(ctx, name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[name]; ok {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.Sync(ctx, name); err != nil {
			w.logger.Warn("enqueue file change", "file", name, "error", err)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, timer := range w.timers {
		timer.Stop()
		delete(w.timers, name)
	}
}

// Sync compares one file with what was last queued for it and enqueues the
// create, update or delete that brings the note in line.
func (w *Watcher) Sync(ctx context.Context, name string) error {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	queue := w.orch.Queue()
	entityKey, _, err := queue.GetMeta(ctx, metaPathPrefix+name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		if entityKey == "" {
			return nil
		}
		if _, err := w.orch.Enqueue(ctx, notes.OpDelete, entityKey, nil); err != nil {
			return err
		}
		if err := queue.SetMeta(ctx, metaPathPrefix+name, ""); err != nil {
			return err
		}
		w.logger.Info("queued note delete", "file", name, "entity", entityKey)
		return queue.SetMeta(ctx, metaHashPrefix+name, "")
	}
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if previous, _, err := queue.GetMeta(ctx, metaHashPrefix+name); err != nil {
		return err
	} else if previous == hash && entityKey != "" {
		return nil
	}

	fields := map[string]string{
		"title":   strings.TrimSuffix(name, filepath.Ext(name)),
		"content": string(data),
	}
	if entityKey == "" {
		rec, err := w.orch.Enqueue(ctx, notes.OpCreate, "", fields)
		if err != nil {
			return err
		}
		entityKey = rec.EntityKey()
		if err := queue.SetMeta(ctx, metaPathPrefix+name, entityKey); err != nil {
			return err
		}
		w.logger.Info("queued note create", "file", name, "entity", entityKey)
	} else {
		if _, err := w.orch.Enqueue(ctx, notes.OpUpdate, entityKey, fields); err != nil {
			return err
		}
		w.logger.Info("queued note update", "file", name, "entity", entityKey)
	}
	return queue.SetMeta(ctx, metaHashPrefix+name, hash)
}

func isNoteFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), noteExtension) && !strings.HasPrefix(name, ".")
}
