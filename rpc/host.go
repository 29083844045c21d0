// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kortschak/jsonrpc2"
	"golang.org/x/sys/execabs"

	"github.com/kortschak/animstream/internal/slogext"
	"github.com/kortschak/animstream/wire"
)

// Dispatcher receives the messages sent by a worker. Dispatch methods are
// called in the order the worker sent the messages.
type Dispatcher interface {
	DispatchInfo(ctx context.Context, raw string)
	DispatchFrame(ctx context.Context, raw string)
	DispatchDone(ctx context.Context, raw string)
	DispatchEnvelope(ctx context.Context, data []byte)
	ShouldStop(path string) bool
}

// Host is the JSON RPC 2 server side of an animation worker connection.
type Host struct {
	listener *netListener
	server   *jsonrpc2.Server
	network  string
	sock     string

	dispatch Dispatcher

	log *slog.Logger

	mu     sync.Mutex
	worker *worker
}

type worker struct {
	uid       string
	cmd       *execabs.Cmd
	keepalive *os.File
	builtin   *Daemon

	// conn is the connection to the worker
	// from the host.
	conn *jsonrpc2.Connection
	// receive from ready will not block when
	// conn is ready to use.
	ready chan struct{}
}

var hostUID = UID{Module: "host", Service: "rpc"}

// NewHost returns a new Host communicating over the provided network
// which may be either "unix" or "tcp". Messages from the worker are passed
// to dispatch.
func NewHost(ctx context.Context, network string, options jsonrpc2.NetListenOptions, dispatch Dispatcher, log *slog.Logger) (*Host, error) {
	h := Host{
		network:  network,
		dispatch: dispatch,
		log:      log.With(slog.String("component", hostUID.String())),
	}
	var err error

	laddr := "localhost:0"
	if h.network == "unix" {
		h.sock, err = os.MkdirTemp("", fmt.Sprintf("animstream-%d-*", os.Getpid()))
		if err != nil {
			return nil, err
		}
		laddr = filepath.Join(h.sock, "host")
		h.log.LogAttrs(ctx, slog.LevelDebug, "host socket", slog.String("path", laddr))
	}

	h.listener, err = newNetListener(ctx, h.network, laddr, options)
	if err != nil {
		if h.sock != "" {
			os.RemoveAll(h.sock)
		}
		return nil, err
	}
	h.server = jsonrpc2.NewServer(ctx, h.listener, &h)

	h.log.LogAttrs(ctx, slog.LevelDebug, "new host", slog.String("network", h.network), slog.Any("addr", slogext.Stringer{Stringer: h.listener.Addr()}))
	return &h, nil
}

// Addr returns the listener address of the host.
func (h *Host) Addr() net.Addr {
	return h.listener.Addr()
}

// Bind binds the host's handler to a connection and the reverse connection
// to the worker.
func (h *Host) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	h.log.LogAttrs(ctx, slog.LevelDebug, "binding")
	go h.bind(ctx, conn)
	return jsonrpc2.ConnectionOptions{
		Handler: h,
	}
}

func (h *Host) bind(ctx context.Context, conn *jsonrpc2.Connection) {
	var w Message[string]
	err := conn.Call(ctx, Who, NewMessage(hostUID, None{})).Await(ctx, &w)
	h.log.LogAttrs(ctx, slog.LevelDebug, "binding response", slog.Any("message", w))
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, jsonrpc2.ErrClientClosing):
		h.log.LogAttrs(ctx, slog.LevelInfo, "closing", slog.Any("error", err))
		return
	case errors.Is(err, jsonrpc2.ErrNotHandled), errors.Is(err, jsonrpc2.ErrMethodNotFound):
		h.log.LogAttrs(ctx, slog.LevelDebug, "not a worker", slog.Any("error", err))
		return
	default:
		h.log.LogAttrs(ctx, slog.LevelError, "failed uid call", slog.Any("error", err))
		return
	}

	h.log.LogAttrs(ctx, slog.LevelInfo, "binding", slog.Any("uid", w.UID), slog.String("version", w.Body))
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.worker == nil || h.worker.uid != w.UID.Module {
		h.log.LogAttrs(ctx, slog.LevelError, "unexpected connection", slog.Any("uid", w.UID))
		err := conn.Notify(ctx, Stop, NewMessage(hostUID, "unexpected"))
		if err != nil {
			h.log.LogAttrs(ctx, slog.LevelError, "failed stop", slog.Any("error", err))
		}
		return
	}
	if h.worker.conn != nil {
		// UID is already registered, log and ask the second to stop.
		h.log.LogAttrs(ctx, slog.LevelError, "duplicate uid", slog.String("uid", w.UID.Module))
		err := conn.Notify(ctx, Stop, NewMessage(hostUID, "duplicate"))
		if err != nil {
			h.log.LogAttrs(ctx, slog.LevelError, "failed stop", slog.Any("error", err))
		}
		return
	}
	h.worker.conn = conn
	close(h.worker.ready)
}

// Handle is the host's message handler. Requests on a connection are
// handled sequentially, so messages are dispatched in the order they
// were sent.
func (h *Host) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case Frame, Envelope:
		h.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.ElideParams{Request: req}))
	default:
		h.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))
	}

	switch req.Method {
	case Info, Frame, Done:
		var m Message[string]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			h.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		switch req.Method {
		case Info:
			h.dispatch.DispatchInfo(ctx, m.Body)
		case Frame:
			h.dispatch.DispatchFrame(ctx, m.Body)
		case Done:
			h.dispatch.DispatchDone(ctx, m.Body)
		}
		return nil, nil

	case Envelope:
		var m Message[[]byte]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			h.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		h.dispatch.DispatchEnvelope(ctx, m.Body)
		return nil, nil

	case StopLoading:
		var m Message[string]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			h.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		if m.UID.IsZero() {
			return nil, NewError(ErrCodeInvalidMessage, "missing uid", map[string]any{
				"type": ErrCodeParameters,
			})
		}
		stop := h.dispatch.ShouldStop(m.Body)
		if !req.IsCall() {
			h.log.LogAttrs(ctx, slog.LevelWarn, "stop_loading sent as notify", slog.String("path", m.Body), slog.Bool("stop", stop))
			return nil, nil
		}
		return NewMessage(hostUID, stop), nil

	case Unregister:
		var m Message[None]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			h.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		h.log.LogAttrs(ctx, slog.LevelInfo, "unregister", slog.Any("uid", m.UID))
		return nil, nil

	default:
		return nil, jsonrpc2.ErrNotHandled
	}
}

// Spawn starts a new worker with the provided UID. The worker executable
// is started by executing name with the provided args. The new process is
// given stdout and stderr as redirects for those output streams. The child
// process is passed the read end of a pipe on stdin. No writes are ever made
// by the parent, but the child may use the pipe to detect termination of the
// parent. If done is not nil, it is called when the worker process exits
// without being closed by the host.
func (h *Host) Spawn(ctx context.Context, stdout, stderr io.Writer, done func(), uid, name string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.worker != nil {
		return fmt.Errorf("worker already running: %q", h.worker.uid)
	}

	args = append(args[:len(args):len(args)],
		"-uid", uid,
		"-network", h.network,
		"-addr", h.listener.Addr().String())
	cmd := execabs.CommandContext(ctx, name, args...)
	h.log.LogAttrs(ctx, slog.LevelInfo, "spawn", slog.Any("command", slogext.Stringer{Stringer: cmd}), slog.String("uid", uid))
	lifeline, keepalive, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdin = lifeline
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Start()
	lifeline.Close()
	if err != nil {
		keepalive.Close()
		return err
	}
	h.log.LogAttrs(ctx, slog.LevelDebug, "started", slog.String("uid", uid), slog.Int("pid", cmd.Process.Pid))

	w := &worker{uid: uid, cmd: cmd, keepalive: keepalive, ready: make(chan struct{})}
	h.worker = w

	// Watch the worker process in case it terminates early.
	go func() {
		// Use the process's wait method to avoid data races in
		// the exec.Cmd type.
		h.log.LogAttrs(ctx, slog.LevelDebug, "waiting for termination", slog.String("uid", uid))
		cmd.Process.Wait()
		h.log.LogAttrs(ctx, slog.LevelDebug, "terminating", slog.String("uid", uid))

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.worker != w {
			// The worker was already closed.
			return
		}
		h.worker = nil
		h.log.LogAttrs(ctx, slog.LevelInfo, "cleanup zombie", slog.Any("uid", uid))
		h.close(ctx, w)
		if done != nil {
			go done()
		}
	}()
	return nil
}

// Builtin starts a new in-process worker with the provided UID using the
// provided binder.
func (h *Host) Builtin(ctx context.Context, uid string, dialer net.Dialer, binder jsonrpc2.Binder) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.worker != nil {
		return fmt.Errorf("worker already running: %q", h.worker.uid)
	}

	h.log.LogAttrs(ctx, slog.LevelDebug, "built-in", slog.String("uid", uid))
	builtin, err := NewDaemon(ctx, h.network, h.listener.Addr().String(), uid, dialer, binder)
	if err != nil {
		return err
	}
	h.worker = &worker{uid: uid, builtin: builtin, ready: make(chan struct{})}

	return nil
}

// conn returns the connection to the worker, waiting until the worker has
// identified itself.
func (h *Host) conn(ctx context.Context) (*jsonrpc2.Connection, string, error) {
	h.mu.Lock()
	w := h.worker
	h.mu.Unlock()
	if w == nil {
		return nil, "", NewError(ErrCodeInvalidData, "no worker", map[string]any{
			"type": ErrCodeNoWorker,
		})
	}
	select {
	case <-ctx.Done():
		return nil, w.uid, ctx.Err()
	case <-w.ready:
		return w.conn, w.uid, nil
	}
}

// IsAnimation asks the worker whether the image at path is animated.
func (h *Host) IsAnimation(ctx context.Context, path string) (wire.Probe, error) {
	conn, uid, err := h.conn(ctx)
	if err != nil {
		return wire.Probe{}, err
	}
	var resp Message[string]
	err = conn.Call(ctx, Probe, NewMessage(hostUID, path)).Await(ctx, &resp)
	if err != nil {
		return wire.Probe{}, AddWireErrorDetail(err, map[string]any{
			"uid":  uid,
			"path": path,
		})
	}
	h.log.LogAttrs(ctx, slog.LevelDebug, "probe", slog.String("path", path), slog.String("result", resp.Body))
	return wire.ParseProbe(resp.Body)
}

// LoadAnimation asks the worker to start streaming frames for path. Any
// load in progress on the worker is cancelled. LoadAnimation does not wait
// for the load to complete.
func (h *Host) LoadAnimation(ctx context.Context, path string) error {
	conn, _, err := h.conn(ctx)
	if err != nil {
		return err
	}
	h.log.LogAttrs(ctx, slog.LevelDebug, "load", slog.String("path", path))
	return conn.Notify(ctx, Load, NewMessage(hostUID, path))
}

// Close closes the host, terminating the worker.
func (h *Host) Close() error {
	h.log.LogAttrs(context.Background(), slog.LevelDebug, "close")
	h.mu.Lock()
	if h.worker != nil {
		h.kill(h.worker)
		h.worker = nil
	}
	h.mu.Unlock()

	h.server.Shutdown()
	err := h.server.Wait()
	if h.sock != "" {
		h.log.LogAttrs(context.Background(), slog.LevelDebug, "remove sockets dir", slog.String("dir", h.sock))
		err := os.RemoveAll(h.sock)
		if err != nil {
			h.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to remove sockets dir", slog.Any("error", err))
		}
	}
	return err
}

// grace is the amount of time given to children to terminate cleanly.
const grace = time.Second

func (h *Host) kill(w *worker) {
	ctx := context.Background()
	h.log.LogAttrs(ctx, slog.LevelDebug, "sending stop", slog.String("uid", w.uid))
	if w.conn == nil {
		h.log.LogAttrs(ctx, slog.LevelDebug, "connection to stop not established", slog.String("uid", w.uid))
	} else {
		err := w.conn.Notify(ctx, Stop, NewMessage(hostUID, None{}))
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, jsonrpc2.ErrNotHandled) || errors.Is(err, jsonrpc2.ErrMethodNotFound) || errors.Is(err, jsonrpc2.ErrClientClosing) {
				level = slog.LevelWarn
			}
			h.log.LogAttrs(ctx, level, "sending stop", slog.String("uid", w.uid), slog.Any("error", err))
		}
	}

	h.close(ctx, w)

	if w.builtin != nil {
		h.log.LogAttrs(ctx, slog.LevelDebug, "closing built-in", slog.String("uid", w.uid))
		err := w.builtin.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.LogAttrs(ctx, slog.LevelError, "closing built-in", slog.String("uid", w.uid), slog.Any("error", err))
		}
	}

	if w.cmd != nil {
		h.log.LogAttrs(ctx, slog.LevelDebug, "terminating child", slog.String("uid", w.uid))

		// Don't allow close to be permanently
		// delayed by badly behaving children.
		timer := time.NewTimer(grace)
		done := make(chan struct{})
		go func() {
			w.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			pid := w.cmd.Process.Pid
			h.log.LogAttrs(ctx, slog.LevelWarn, "slow child",
				slog.Int("pid", pid),
				slog.Any("cmd", slogext.Stringer{Stringer: w.cmd}),
				slog.Any("killed", w.cmd.Process.Kill()),
			)
		}
	}
}

func (h *Host) close(ctx context.Context, w *worker) {
	if w.keepalive != nil {
		defer w.keepalive.Close()
	}
	h.log.LogAttrs(ctx, slog.LevelDebug, "closing connection", slog.String("uid", w.uid))
	if w.conn == nil {
		h.log.LogAttrs(ctx, slog.LevelDebug, "connection to close not established", slog.String("uid", w.uid))
		return
	}
	err := w.conn.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.LogAttrs(ctx, slog.LevelError, "closing conn", slog.String("uid", w.uid), slog.Any("error", err))
	}
}
