// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/animstream/internal/slogext"
	"github.com/kortschak/animstream/internal/version"
	"github.com/kortschak/animstream/rpc"
	"github.com/kortschak/animstream/wire"
)

// Message formats used by a Worker to send frames to its host.
const (
	FormatText    = "text"
	FormatMsgpack = "msgpack"
)

// Worker is the worker side of the host RPC connection. It serves probe
// and load requests from the host with a Producer.
type Worker struct {
	uid      string
	producer *Producer
	format   string
	log      *slog.Logger

	// exit is called when the host asks
	// the worker to stop.
	exit func()

	mu     sync.Mutex
	conn   *jsonrpc2.Connection
	cancel context.CancelFunc

	// loading is held for the duration of
	// a load so that a cancelled load is
	// complete before the next one starts.
	loading sync.Mutex
	wg      sync.WaitGroup
}

// NewWorker returns a new Worker with the given UID. Frames are sent in the
// provided format, either FormatText or FormatMsgpack. If exit is not nil
// it is called when the host sends a stop notification.
func NewWorker(uid string, p *Producer, format string, exit func(), log *slog.Logger) (*Worker, error) {
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatMsgpack:
	default:
		return nil, fmt.Errorf("invalid message format: %q", format)
	}
	return &Worker{
		uid:      uid,
		producer: p,
		format:   format,
		exit:     exit,
		log:      log.With(slog.String("component", uid)),
	}, nil
}

// Bind binds the worker's handler to the connection to the host.
func (w *Worker) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.log.LogAttrs(ctx, slog.LevelDebug, "bind")
	return jsonrpc2.ConnectionOptions{
		Handler: w,
	}
}

// Handle is the worker's message handler.
func (w *Worker) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	w.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))

	uid := rpc.UID{Module: w.uid}
	switch req.Method {
	case rpc.Who:
		v, err := version.String()
		if err != nil {
			v = err.Error()
		}
		return rpc.NewMessage(uid, v), nil

	case rpc.Probe:
		var m rpc.Message[string]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			w.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		if m.Body == "" {
			return nil, rpc.NewError(rpc.ErrCodeInvalidData, "missing path", map[string]any{
				"type": rpc.ErrCodePath,
			})
		}
		p := w.producer.IsAnimation(m.Body)
		if !req.IsCall() {
			w.log.LogAttrs(ctx, slog.LevelWarn, "probe sent as notify", slog.String("path", m.Body), slog.Any("result", slogext.Stringer{Stringer: p}))
			return nil, nil
		}
		return rpc.NewMessage(uid, p.String()), nil

	case rpc.Load:
		var m rpc.Message[string]
		err := rpc.UnmarshalMessage(req.Params, &m)
		if err != nil {
			w.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		if m.Body == "" {
			err = errors.New("missing path")
			w.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		w.load(m.Body)
		return nil, nil

	case rpc.Stop:
		w.log.LogAttrs(ctx, slog.LevelInfo, "stop")
		w.cancelLoad()
		if w.exit != nil {
			w.exit()
		}
		return nil, nil

	default:
		return nil, jsonrpc2.ErrNotHandled
	}
}

// load starts loading path, cancelling any load in progress. The handler
// context is cancelled when a notification handler returns, so the load
// runs under its own context.
func (w *Worker) load(path string) {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancel = cancel
	conn := w.conn
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.loading.Lock()
		defer w.loading.Unlock()
		if ctx.Err() != nil {
			// Superseded before starting.
			return
		}

		w.log.LogAttrs(ctx, slog.LevelInfo, "load", slog.String("path", path))
		err := w.producer.LoadAnimation(ctx, path, w.stopLoading(ctx, conn), w.sender(conn))
		switch {
		case err == nil:
			w.log.LogAttrs(ctx, slog.LevelInfo, "loaded", slog.String("path", path))
		case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
			w.log.LogAttrs(ctx, slog.LevelInfo, "load abandoned", slog.String("path", path), slog.Any("error", err))
		default:
			w.log.LogAttrs(ctx, slog.LevelError, "load failed", slog.String("path", path), slog.Any("error", err))
		}
	}()
}

func (w *Worker) cancelLoad() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
}

// Wait cancels any load in progress and waits for it to finish.
func (w *Worker) Wait() {
	w.cancelLoad()
	w.wg.Wait()
}

// stopLoading returns a stop function that asks the host whether loading
// path should stop. Failure to get an answer stops the load.
func (w *Worker) stopLoading(ctx context.Context, conn *jsonrpc2.Connection) func(string) bool {
	uid := rpc.UID{Module: w.uid}
	return func(path string) bool {
		if ctx.Err() != nil {
			return true
		}
		var resp rpc.Message[bool]
		err := conn.Call(ctx, rpc.StopLoading, rpc.NewMessage(uid, path)).Await(ctx, &resp)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.log.LogAttrs(ctx, slog.LevelWarn, "stop_loading", slog.String("path", path), slog.Any("error", err))
			}
			return true
		}
		return resp.Body
	}
}

// sender returns a Sender that notifies the host in the worker's message
// format.
func (w *Worker) sender(conn *jsonrpc2.Connection) Sender {
	uid := rpc.UID{Module: w.uid}
	if w.format == FormatMsgpack {
		return SenderFunc(func(ctx context.Context, e wire.Envelope) error {
			b, err := wire.Marshal(e)
			if err != nil {
				return err
			}
			return conn.Notify(ctx, rpc.Envelope, rpc.NewMessage(uid, b))
		})
	}
	return SenderFunc(func(ctx context.Context, e wire.Envelope) error {
		text, err := e.Text()
		if err != nil {
			return err
		}
		var method string
		switch e.Kind {
		case wire.KindInfo:
			method = rpc.Info
		case wire.KindFrame:
			method = rpc.Frame
		case wire.KindDone:
			method = rpc.Done
		default:
			return fmt.Errorf("unexpected message kind: %v", e.Kind)
		}
		return conn.Notify(ctx, method, rpc.NewMessage(uid, text))
	})
}
