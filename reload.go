package privaxy

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// ConfigReloader re-reads the persisted configuration when it changes
// outside the API: on SIGHUP, and when a file watcher sees the
// configuration file rewritten by an external editor. Reloads go through
// ConfigurationManager.Reload, which refreshes the exclusion store and
// notifies the engine.
type ConfigReloader struct {
	manager *ConfigurationManager
	path    string
	logger  *slog.Logger
	metrics *Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConfigReloader creates a reloader for the configuration persisted at
// path. metrics may be nil.
func NewConfigReloader(manager *ConfigurationManager, path string, logger *slog.Logger, metrics *Metrics) *ConfigReloader {
	return &ConfigReloader{
		manager: manager,
		path:    path,
		logger:  logger,
		metrics: metrics,
	}
}

// Start begins watching for SIGHUP and file changes. Call Stop to stop.
func (r *ConfigReloader) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: atomic saves replace the file by
	// rename, which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(r.done)
		defer signal.Stop(sigCh)
		defer func() { _ = watcher.Close() }()

		target := filepath.Clean(r.path)

		for {
			select {
			case <-ctx.Done():
				return

			case <-sigCh:
				r.logger.Info("received SIGHUP, reloading configuration")
				r.reload()

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				r.logger.Debug("configuration file changed on disk", "op", event.Op.String())
				r.reload()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("configuration watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (r *ConfigReloader) reload() {
	changed, err := r.manager.Reload()
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordConfigurationReloadError()
		}
		r.logger.Error("configuration reload failed", "error", err)
		return
	}
	// Unchanged means the event was the pipeline's own save landing in the
	// watched directory, not an external edit.
	if !changed {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordConfigurationReload()
	}
}

// Stop stops watching and waits for the watcher goroutine to exit.
func (r *ConfigReloader) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
