package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/opsdash/internal/logger"
)

// Signal is a platform source of online/offline information.
type Signal interface {
	// Current returns the state right now.
	Current() bool
	// Watch calls fn with the new state on every change until ctx ends.
	Watch(ctx context.Context, fn func(online bool)) error
}

// Attach sets m from sig and keeps it in sync until ctx ends. Watch runs
// on its own goroutine; errors are logged.
func Attach(ctx context.Context, m *Monitor, sig Signal) {
	m.Set(sig.Current())
	go func() {
		if err := sig.Watch(ctx, func(online bool) { m.Set(online) }); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithComponent("connectivity").Error("connectivity signal stopped", "error", err)
		}
	}()
}

// StaticSignal never changes.
type StaticSignal bool

func (s StaticSignal) Current() bool { return bool(s) }

func (s StaticSignal) Watch(ctx context.Context, fn func(bool)) error {
	<-ctx.Done()
	return ctx.Err()
}

// FileSignal reads connectivity from a flag file. The file holds "online"
// or "offline"; a missing or unrecognised file means online. Changes are
// picked up through filesystem notifications on the parent directory, so
// the file may be created, replaced or removed at any time.
type FileSignal struct {
	Path string
}

func (f FileSignal) Current() bool {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return true
	}
	return parseState(string(data))
}

func parseState(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline", "off", "down", "0", "false":
		return false
	}
	return true
}

func (f FileSignal) Watch(ctx context.Context, fn func(bool)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(f.Path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(f.Path)
	last := f.Current()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if cur := f.Current(); cur != last {
				last = cur
				fn(cur)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WithComponent("connectivity").Warn("flag file watch error", "path", f.Path, "error", err)
		}
	}
}
