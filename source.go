// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kortschak/animstream/internal/dispatch"
	"github.com/kortschak/animstream/internal/producer"
	"github.com/kortschak/animstream/wire"
)

// local is an in-process frame source. Messages from the producer are
// handed to the dispatcher without serialisation.
type local struct {
	producer *producer.Producer
	dispatch *dispatch.Dispatcher
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	loading sync.Mutex
	wg      sync.WaitGroup
}

func newLocal(p *producer.Producer, d *dispatch.Dispatcher, log *slog.Logger) *local {
	return &local{
		producer: p,
		dispatch: d,
		log:      log.With(slog.String("component", "local_producer")),
	}
}

func (l *local) IsAnimation(_ context.Context, path string) (wire.Probe, error) {
	return l.producer.IsAnimation(path), nil
}

// LoadAnimation starts loading path, cancelling any load in progress.
func (l *local) LoadAnimation(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.loading.Lock()
		defer l.loading.Unlock()
		if ctx.Err() != nil {
			return
		}
		err := l.producer.LoadAnimation(ctx, path, l.dispatch.ShouldStop, producer.SenderFunc(func(ctx context.Context, e wire.Envelope) error {
			l.dispatch.Dispatch(ctx, e)
			return nil
		}))
		switch {
		case err == nil:
			l.log.LogAttrs(ctx, slog.LevelInfo, "loaded", slog.String("path", path))
		case errors.Is(err, producer.ErrStopped), errors.Is(err, context.Canceled):
			l.log.LogAttrs(ctx, slog.LevelInfo, "load abandoned", slog.String("path", path), slog.Any("error", err))
		default:
			l.log.LogAttrs(ctx, slog.LevelError, "load failed", slog.String("path", path), slog.Any("error", err))
		}
	}()
	return nil
}

// Close cancels any load in progress and waits for it to finish.
func (l *local) Close() error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
