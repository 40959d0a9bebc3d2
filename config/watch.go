package config

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// reloadDelay coalesces the burst of events editors emit on save.
const reloadDelay = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid,
// changed configuration to onChange. Invalid files are logged and ignored,
// so the last good configuration stays in effect.
//
// onChange is never called concurrently. Events after ctx is done are
// ignored.
func Watch(ctx context.Context, path string, current *Config, logger *zap.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = zap.L()
	}

	w := &watcher{
		ctx:      ctx,
		path:     path,
		last:     current,
		logger:   logger,
		onChange: onChange,
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(w.event)
	v.WatchConfig()

	logger.Info("watching config file", zap.String("path", path))
}

type watcher struct {
	ctx      context.Context
	path     string
	logger   *zap.Logger
	onChange func(*Config)

	// reloadMu serializes reloads and onChange calls.
	reloadMu sync.Mutex

	mu    sync.Mutex
	timer *time.Timer
	last  *Config
}

func (w *watcher) event(e fsnotify.Event) {
	if w.ctx.Err() != nil {
		return
	}
	w.logger.Debug("config file event", zap.String("op", e.Op.String()), zap.String("name", e.Name))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, w.reload)
}

func (w *watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	unchanged := reflect.DeepEqual(cfg, w.last)
	if !unchanged {
		w.last = cfg
	}
	w.mu.Unlock()

	if unchanged {
		w.logger.Debug("config file unchanged", zap.String("path", w.path))
		return
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}
