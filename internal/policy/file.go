package policy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// File is an Authorizer backed by a YAML rules file:
//
//	subscribe: ["*"]
//	publish:
//	  - weather
//	  - sensors.*
//
// An action whose list is absent is denied for every topic.
type File struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
	rules  atomic.Pointer[Rules]
}

// LoadFile reads the rules at path from fs.
func LoadFile(fs afero.Fs, path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{
		fs:     fs,
		path:   path,
		logger: logger.With("component", "policy", "path", path),
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (f *File) Reload() error {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Truncated mid-write; the next event carries the content.
		return fmt.Errorf("policy file %s is empty", f.path)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse policy file %s: %w", f.path, err)
	}
	f.rules.Store(&rules)
	f.logger.Info("Topic policy loaded",
		"subscribe_patterns", len(rules.Subscribe),
		"publish_patterns", len(rules.Publish))
	return nil
}

// Rules returns the active rules.
func (f *File) Rules() Rules {
	return *f.rules.Load()
}

// CanSubscribe implements Authorizer.
func (f *File) CanSubscribe(topic string) error {
	return f.rules.Load().CanSubscribe(topic)
}

// CanPublish implements Authorizer.
func (f *File) CanPublish(topic string) error {
	return f.rules.Load().CanPublish(topic)
}

// Watch reloads the rules whenever the file changes on disk until ctx is
// done. It watches the parent directory so that editors which replace the
// file on save are picked up. Only meaningful when fs is the OS filesystem.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		name := filepath.Clean(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := f.Reload(); err != nil {
					f.logger.Warn("Keeping previous topic policy", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Error("Policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
