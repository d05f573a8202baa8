package seeds

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fuzzcore/config"
	"fuzzcore/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SeedImporter admits a file as a manual seed of a target
type SeedImporter interface {
	ImportSeedFile(targetID, path string) error
}

// DropWatcher imports files dropped under <dir>/<target_id>/ as manual seeds. Files in
// directories of targets without a session are skipped.
type DropWatcher struct {
	dir      string
	importer SeedImporter
	factory  *watchdog.WatchDogFactory
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type DropWatcherParams struct {
	fx.In

	Config    *config.AppConfig
	Importer  SeedImporter
	Factory   *watchdog.WatchDogFactory
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewDropWatcher returns nil when no drop directory is configured
func NewDropWatcher(p DropWatcherParams) *DropWatcher {
	if p.Config.SeedDropDir == "" {
		return nil
	}
	w := NewDropWatcherFor(p.Config.SeedDropDir, p.Importer, p.Factory, p.Logger)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return w.Start()
		},
		OnStop: func(ctx context.Context) error {
			w.Stop()
			return nil
		},
	})
	return w
}

func NewDropWatcherFor(dir string, importer SeedImporter, factory *watchdog.WatchDogFactory, logger *zap.Logger) *DropWatcher {
	return &DropWatcher{
		dir:      dir,
		importer: importer,
		factory:  factory,
		logger:   logger.Named("seed-drop"),
	}
}

// Start watches the drop directory and every existing target directory below it
func (w *DropWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if abs, err := filepath.Abs(w.dir); err == nil {
		w.dir = abs
	}
	ctx, cancel := context.WithCancel(context.Background())
	notify := make(chan string, 64)
	dog, err := w.factory.New(ctx, notify, func(path string) bool {
		return !strings.HasPrefix(filepath.Base(path), ".")
	})
	if err != nil {
		cancel()
		return err
	}
	if err := dog.AddDir(w.dir); err != nil {
		cancel()
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		cancel()
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := dog.AddDir(filepath.Join(w.dir, e.Name())); err != nil {
				w.logger.Warn("failed to watch target directory", zap.String("dir", e.Name()), zap.Error(err))
			}
		}
	}

	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(dog, notify)
	return nil
}

func (w *DropWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *DropWatcher) loop(dog *watchdog.WatchDog, notify <-chan string) {
	defer close(w.done)
	for path := range notify {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			// a new target directory
			if filepath.Dir(path) == filepath.Clean(w.dir) {
				if err := dog.AddDir(path); err != nil {
					w.logger.Warn("failed to watch target directory", zap.String("dir", path), zap.Error(err))
				}
			}
			continue
		}
		w.importFile(path)
	}
}

// importFile gives the writer a moment to finish before the file is read
func (w *DropWatcher) importFile(path string) {
	targetID := filepath.Base(filepath.Dir(path))
	if filepath.Dir(filepath.Dir(path)) != filepath.Clean(w.dir) {
		w.logger.Debug("file outside a target directory ignored", zap.String("file", path))
		return
	}
	time.Sleep(50 * time.Millisecond)
	if err := w.importer.ImportSeedFile(targetID, path); err != nil {
		w.logger.Warn("failed to import dropped seed",
			zap.String("target_id", targetID),
			zap.String("file", path),
			zap.Error(err))
		return
	}
	w.logger.Info("dropped seed imported", zap.String("target_id", targetID), zap.String("file", path))
}
