package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/metrics"
)

// Watcher 监听配置文件。风控参数在进程生命周期内不可变，
// 文件变化只做重新校验并提示需要重启，从不在线应用。
type Watcher struct {
	path     string
	current  AppConfig
	fs       *fsnotify.Watcher
	log      *logger.Logger
	cooldown time.Duration
	onChange func(next AppConfig, err error)
}

// NewWatcher 监听文件所在目录，兼容编辑器的替换式保存。
func NewWatcher(path string, current AppConfig, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		current:  current,
		fs:       fsw,
		log:      log,
		cooldown: 200 * time.Millisecond,
	}, nil
}

// OnChange 注册回调：err 非空表示新文件校验失败。
func (w *Watcher) OnChange(fn func(next AppConfig, err error)) {
	w.onChange = fn
}

// Run 阻塞直到 ctx 取消，返回时关闭底层 watcher。
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if time.Since(last) < w.cooldown {
				continue
			}
			last = time.Now()
			w.check()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) check() {
	next, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.log.LogError(err, map[string]interface{}{"stage": "config_reload", "path": w.path})
		w.notify(next, err)
		return
	}
	if reflect.DeepEqual(next, w.current) {
		metrics.ConfigReloadPending.Set(0)
		w.notify(next, nil)
		return
	}
	metrics.ConfigReloadPending.Set(1)
	w.log.Warn("config file changed, restart required to apply", zap.String("path", w.path))
	w.notify(next, nil)
}

func (w *Watcher) notify(next AppConfig, err error) {
	if w.onChange != nil {
		w.onChange(next, err)
	}
}
