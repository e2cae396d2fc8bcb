package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is the optional YAML overlay. Presence settings in the file override
// the environment; inspector globs only live here.
type File struct {
	Presence  *Presence `yaml:"presence"`
	Inspector Inspector `yaml:"inspector"`
}

func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presence file %q: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse presence file %q: %w", path, err)
	}
	return &f, nil
}

// WithFile returns a copy of c with the file overlay applied.
func (c *Config) WithFile(f *File) *Config {
	next := *c
	if f.Presence != nil {
		next.Presence = *f.Presence
	}
	next.Inspector = f.Inspector
	return &next
}

// WatchFile loads path immediately, then watches its directory and calls
// onChange with each successfully reloaded overlay. Editors and configmap
// updates replace the file rather than rewriting it in place, which is why
// the watch is on the directory.
func WatchFile(ctx context.Context, path string, logger *zap.SugaredLogger, onChange func(*File)) error {
	if f, err := LoadFile(path); err == nil {
		onChange(f)
	} else {
		logger.Warnw("initial presence file load failed", "error", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev := <-w.Events:
				if !strings.HasSuffix(ev.Name, filepath.Base(path)) {
					continue
				}
				// Debounce rapid successive writes
				time.Sleep(200 * time.Millisecond)
				if f, err := LoadFile(path); err == nil {
					onChange(f)
				} else {
					logger.Warnw("presence file reload failed", "error", err)
				}
			case err := <-w.Errors:
				logger.Warnw("presence file watch error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
