package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/panelflow/pkg/domain"
)

// DefaultDebounce is the quiet period after the last file event before a
// reload.
const DefaultDebounce = 100 * time.Millisecond

// FileSnapshotProvider implements domain.SnapshotService over a pipeline file
// and reloads it whenever the file changes.
type FileSnapshotProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.RWMutex
	snapshots   []domain.Snapshot
	subscribers []chan []domain.Snapshot
	closed      bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ domain.SnapshotService = (*FileSnapshotProvider)(nil)

// FileProviderOption customises a FileSnapshotProvider.
type FileProviderOption func(*FileSnapshotProvider)

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) FileProviderOption {
	return func(p *FileSnapshotProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) FileProviderOption {
	return func(p *FileSnapshotProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// NewFileSnapshotProvider loads path and starts watching its directory. A file
// that fails to load initially yields no pipelines until a valid version is
// written.
func NewFileSnapshotProvider(path string, opts ...FileProviderOption) (*FileSnapshotProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileSnapshotProvider{
		path:     absPath,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(); err != nil {
		p.logger.Warn("initial pipeline load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// CurrentSnapshots returns the most recently loaded pipelines.
func (p *FileSnapshotProvider) CurrentSnapshots() []domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshots
}

// Subscribe returns a channel that receives every reloaded pipeline set,
// starting with the current one. A slow subscriber only sees the latest set.
func (p *FileSnapshotProvider) Subscribe() <-chan []domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan []domain.Snapshot, 1)
	if p.closed {
		close(ch)
		return ch
	}
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshots
	return ch
}

// Reload re-reads the file immediately.
func (p *FileSnapshotProvider) Reload() error {
	return p.load()
}

// Close stops the watcher and closes every subscriber channel.
func (p *FileSnapshotProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.subscribers {
			close(ch)
		}
		p.subscribers = nil
	}
	return err
}

func (p *FileSnapshotProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.load(); err != nil {
						p.logger.Error("pipeline reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("pipelines reloaded", "path", p.path)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("pipeline watcher error", "error", err)
		}
	}
}

func (p *FileSnapshotProvider) load() error {
	snapshots, err := LoadPipelineFile(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.snapshots = snapshots

	for _, ch := range p.subscribers {
		select {
		case ch <- snapshots:
		default:
			// Replace the stale pending set with the new one.
			select {
			case <-ch:
			default:
			}
			ch <- snapshots
		}
	}
	return nil
}
