package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/utils"
)

// DefaultWatchDebounce is how long the watcher waits for writes to settle before rereading.
const DefaultWatchDebounce = 250 * time.Millisecond

// A Watcher rereads a config file whenever it changes on disk and delivers every config that
// parses. Configs that fail to parse are logged and skipped.
type Watcher struct {
	path    string
	logger  logging.Logger
	watcher *fsnotify.Watcher
	out     chan *Config
	workers utils.StoppableWorkers
}

// NewWatcher starts watching filePath. The directory is watched rather than the file so that
// editors that save by rename are picked up.
func NewWatcher(ctx context.Context, filePath string, debounceFor time.Duration, logger logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return nil, errors.Wrap(multierr.Combine(err, fsw.Close()), "failed to watch config directory")
	}
	if debounceFor <= 0 {
		debounceFor = DefaultWatchDebounce
	}

	w := &Watcher{
		path:    abs,
		logger:  logger,
		watcher: fsw,
		out:     make(chan *Config, 1),
	}
	w.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		w.run(ctx, debounce.New(debounceFor))
	})
	return w, nil
}

// Configs delivers each successfully reread config. Only the newest undelivered config is kept.
func (w *Watcher) Configs() <-chan *Config {
	return w.out
}

func (w *Watcher) run(ctx context.Context, debounced func(f func())) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debugw("config file changed", "path", w.path, "op", event.Op.String())
			debounced(func() { w.reload(ctx) })
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := Read(w.path, w.logger)
	if err != nil {
		w.logger.Errorw("failed to reread config, keeping the previous one", "path", w.path, "error", err)
		return
	}
	// Replace any config the consumer has not picked up yet.
	for {
		select {
		case w.out <- cfg:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-w.out:
		default:
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.workers.Stop()
	return w.watcher.Close()
}
