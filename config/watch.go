package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/myrialabs/agentstream/internal/logger"
	"go.uber.org/zap"
)

// Watch observes the config file and invokes onChange with the freshly
// loaded configuration whenever it is rewritten. Reload failures are logged
// and the previous configuration stays in effect. The returned stop function
// tears the watcher down.
func Watch(configPath string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(configPath)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(configPath)
				if err != nil {
					logger.Warn("Config reload failed", zap.Error(err))
					continue
				}
				logger.Info("Config reloaded", zap.String("path", configPath))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
