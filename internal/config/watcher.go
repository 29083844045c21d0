// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kortschak/animstream/internal/slogext"
	"github.com/kortschak/animstream/rpc"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Change is a set of related configuration changes identified by a Watcher.
type Change struct {
	Event  []fsnotify.Event
	Config *Host
	Err    error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	switch len(c.Event) {
	case 0:
		return 0
	case 1:
		return c.Event[0].Op
	default:
		var op fsnotify.Op
		for _, o := range c.Event {
			op |= o.Op
		}
		return op
	}
}

// Watcher watches a configuration file, sending semantically meaningful
// changes to the file on a channel.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan<- Change
	last     *Sum
	done     chan struct{}
	log      *slog.Logger
}

var watcherUID = rpc.UID{Module: "host", Service: "config_watcher"}

// NewWatcher starts watching the configuration file at path, sending
// changes on the changes channel. The file's directory is watched so that
// files replaced by a rename are seen. current is the sum of the
// configuration already in use; reloads that produce the same sum are not
// sent. The debounce parameter specifies how long to wait after the last
// fsnotify.Event in a burst before reading the file. If it is less than
// zero, FileDebounce is used. Sending on changes stops when ctx is done.
func NewWatcher(ctx context.Context, path string, current *Sum, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if debounce < 0 {
		debounce = FileDebounce
	}
	w := &Watcher{
		path:     path,
		debounce: debounce,
		watcher:  watcher,
		changes:  changes,
		last:     current,
		done:     make(chan struct{}),
		log:      log.With(slog.String("component", watcherUID.String())),
	}
	go w.run(ctx)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	var (
		pending []fsnotify.Event
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			w.log.LogAttrs(ctx, slog.LevelDebug, "event", slog.Any("event", newEventValue(ev)))
			pending = append(pending, ev)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			events := pending
			pending = nil
			w.reload(ctx, events)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.send(ctx, Change{Err: err})
		}
	}
}

func (w *Watcher) reload(ctx context.Context, events []fsnotify.Event) {
	cfg, err := Load(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		w.log.LogAttrs(ctx, slog.LevelWarn, "configuration removed", slog.String("path", w.path))
		w.last = nil
		w.send(ctx, Change{Event: events, Err: err})
	case err != nil:
		w.send(ctx, Change{Event: events, Err: err})
	case cfg.Sum.Equal(w.last):
		w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.Any("sum", slogext.Stringer{Stringer: cfg.Sum}))
	default:
		w.last = cfg.Sum
		w.send(ctx, Change{Event: events, Config: cfg})
	}
}

func (w *Watcher) send(ctx context.Context, c Change) {
	w.log.LogAttrs(ctx, slog.LevelDebug, "change", slog.Any("change", changeValue{c}))
	select {
	case w.changes <- c:
	case <-ctx.Done():
	}
}

type changeValue struct {
	Change
}

func (v changeValue) LogValue() slog.Value {
	events := make([]eventValue, len(v.Event))
	for i, e := range v.Event {
		events[i] = newEventValue(e)
	}
	return slog.AnyValue(struct {
		Event  []eventValue `json:"event"`
		Config *Host        `json:"config"`
		Err    error        `json:"err"`
	}{
		Event:  events,
		Config: v.Config,
		Err:    v.Err,
	})
}

type eventValue struct {
	Name string `json:"name"`
	Op   string `json:"op"`
	Code int    `json:"op_code"`
}

func newEventValue(e fsnotify.Event) eventValue {
	return eventValue{Name: e.Name, Op: e.Op.String(), Code: int(e.Op)}
}
