// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The animstream executable streams the frames of animated images from a
// producer to a viewer, optionally writing each completed animation to a
// directory as a GIF.
//
// Usage:
//
//	animstream [options] <path>...
//
// Each path is selected in turn. If the image at the path is animated, its
// frames are loaded and the next path is selected when the animation is
// complete or, if -dwell is set, when the dwell time has elapsed. Selecting
// a new path abandons frames still in flight for the previous path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kortschak/jsonrpc2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kortschak/animstream/internal/animation"
	"github.com/kortschak/animstream/internal/boundary"
	"github.com/kortschak/animstream/internal/config"
	"github.com/kortschak/animstream/internal/decode"
	"github.com/kortschak/animstream/internal/dispatch"
	"github.com/kortschak/animstream/internal/producer"
	"github.com/kortschak/animstream/internal/slogext"
	"github.com/kortschak/animstream/internal/version"
	"github.com/kortschak/animstream/internal/viewer"
	"github.com/kortschak/animstream/internal/xdg"
	"github.com/kortschak/animstream/rpc"
	"github.com/kortschak/animstream/wire"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

// workerUID is the UID of the animation worker.
const workerUID = "animworker"

func main() { os.Exit(Main()) }

func Main() int {
	logging := flag.String("log", "", "logging level (debug, info, warn or error); overrides the configured level")
	lines := flag.Bool("lines", false, "display source line details in logs")
	cfgPath := flag.String("config", "", "path to a TOML configuration file (default animstream/animstream.toml in the user or system configuration directory)")
	exportDir := flag.String("export", "", "directory to write completed animations to")
	dwell := flag.Duration("dwell", 0, "maximum time to wait for an animation before selecting the next path (0 waits for completion)")
	v := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n\n  %[1]s [options] <path>...\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}
	if flag.NArg() == 0 || *dwell < 0 {
		flag.Usage()
		return invocationError
	}

	if *cfgPath == "" {
		path, err := xdg.Config(filepath.Join("animstream", "animstream.toml"))
		if err == nil {
			*cfgPath = path
		}
	}
	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			return invocationError
		}
	}

	var level slog.LevelVar
	if cfg.LogLevel != nil {
		level.Set(*cfg.LogLevel)
	}
	if *logging != "" {
		err := level.UnmarshalText([]byte(*logging))
		if err != nil {
			flag.Usage()
			return invocationError
		}
	}
	addSource := slogext.NewAtomicBool(*lines || (cfg.AddSource != nil && *cfg.AddSource))

	// log is the root logger.
	logHandler := slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})
	log := slog.New(slogext.GoID{Handler: logHandler})
	// mlog is the logger for main.
	mlog := log.With(slog.String("component", "animstream.main"))

	if *exportDir != "" {
		err := os.MkdirAll(*exportDir, 0o755)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create export directory: %v\n", err)
			return internalError
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		select {
		case <-c:
			log.LogAttrs(ctx, slog.LevelInfo, "terminating")
			cancel()
		case <-ctx.Done():
		}
	}()

	if *cfgPath != "" {
		changes := make(chan config.Change)
		w, err := config.NewWatcher(ctx, *cfgPath, cfg.Sum, changes, -1, log)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "failed to watch configuration", slog.Any("error", err))
			return internalError
		}
		defer w.Close()
		go reconfigure(ctx, cfg, changes, &level, *logging != "", addSource, *lines, mlog)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(ctx, cfg.MetricsAddr, reg, mlog)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "failed to serve metrics", slog.Any("error", err))
			return internalError
		}
		defer srv.Close()
	}

	engine := decode.NewEngine(cfg.Decode.Concurrency)
	defer engine.Close()

	q := boundary.New(log)
	defer q.Close()

	completed := make(chan string, 1)
	view := viewer.New(q, func(anim *animation.Images, err error) {
		if err == nil && *exportDir != "" {
			export(ctx, *exportDir, anim, mlog)
		}
		select {
		case completed <- anim.Path:
		default:
		}
	}, log)

	d := dispatch.New(view, q, engine, dispatch.NewMetrics(reg), log)

	src, err := newSource(ctx, cfg, d, &level, logHandler, cancel, log)
	if err != nil {
		mlog.LogAttrs(ctx, slog.LevelError, "failed to start producer", slog.Any("error", err))
		return internalError
	}
	defer src.Close()

	status := make(chan int, 1)
	go func() {
		defer cancel()
		status <- navigate(ctx, q, view, src, flag.Args(), *dwell, completed, mlog)
	}()

	mlog.LogAttrs(ctx, slog.LevelInfo, "start", slog.Any("paths", flag.Args()))
	err = q.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		mlog.LogAttrs(ctx, slog.LevelError, "consumer pump", slog.Any("error", err))
		return internalError
	}
	select {
	case s := <-status:
		mlog.LogAttrs(ctx, slog.LevelInfo, "exit", slog.Int("status", s))
		return s
	default:
		// Interrupted.
		return success
	}
}

// source is a producer of animation frames.
type source interface {
	IsAnimation(ctx context.Context, path string) (wire.Probe, error)
	LoadAnimation(ctx context.Context, path string) error
	Close() error
}

// newSource returns the frame source described by cfg. With no worker
// configuration, frames are produced in-process and handed directly to d.
// The builtin worker runs in-process behind the RPC transport, and any
// other worker path is spawned as a child process.
func newSource(ctx context.Context, cfg *config.Host, d *dispatch.Dispatcher, level *slog.LevelVar, logHandler slog.Handler, cancel context.CancelFunc, log *slog.Logger) (source, error) {
	if cfg.Worker == nil {
		return newLocal(producer.New(producer.DefaultQuality, log), d, log), nil
	}

	host, err := rpc.NewHost(ctx, cfg.Network, jsonrpc2.NetListenOptions{}, d, log)
	if err != nil {
		return nil, err
	}
	log.LogAttrs(ctx, slog.LevelDebug, "worker transport", slog.String("network", cfg.Network), slog.Any("addr", slogext.Stringer{Stringer: host.Addr()}))
	wcfg := cfg.Worker
	if wcfg.Path == config.Builtin {
		worker, err := producer.NewWorker(workerUID, producer.New(wcfg.Quality, log), wcfg.Format, nil, log)
		if err != nil {
			host.Close()
			return nil, err
		}
		err = host.Builtin(ctx, workerUID, net.Dialer{}, worker)
		if err != nil {
			host.Close()
			return nil, err
		}
		return builtin{Host: host, worker: worker}, nil
	}

	// Worker log modes:
	//   log:         stdout → stderr
	//                stderr → capture and log with slog
	//   passthrough: stdout → stdout
	//                stderr → stderr
	//   none:        stdout → /dev/null
	//                stderr → /dev/null
	var stdout, stderr io.Writer
	args := slices.Clone(wcfg.Args)
	switch wcfg.LogMode {
	case "log":
		if !slices.Contains(args, "-log_stdout") {
			args = append([]string{"-log_stdout"}, args...)
		}
		stdout = os.Stderr
		stderr = slogext.NewPrefixHandlerGroup(os.Stderr, logHandler).NewHandler(workerUID + ": ")
	case "none":
		// Discard.
	case "passthrough":
		fallthrough
	default:
		stdout = os.Stdout
		stderr = os.Stderr
	}
	workerLevel := level.Level()
	if wcfg.LogLevel != nil {
		workerLevel = *wcfg.LogLevel
	}
	args = append(args,
		"-log", workerLevel.String(),
		"-format", wcfg.Format,
	)
	if wcfg.Quality != 0 {
		args = append(args, "-quality", fmt.Sprint(wcfg.Quality))
	}
	done := func() {
		log.LogAttrs(ctx, slog.LevelError, "worker terminated", slog.String("uid", workerUID))
		cancel()
	}
	err = host.Spawn(ctx, stdout, stderr, done, workerUID, wcfg.Path, args...)
	if err != nil {
		host.Close()
		return nil, err
	}
	return host, nil
}

// builtin is an RPC host connected to an in-process worker.
type builtin struct {
	*rpc.Host
	worker *producer.Worker
}

func (b builtin) Close() error {
	b.worker.Wait()
	return b.Host.Close()
}

// navigate selects each path in turn, loading animated images and waiting
// for their completion or the dwell time. It returns the process exit
// status.
func navigate(ctx context.Context, q *boundary.Queue, view *viewer.Viewer, src source, paths []string, dwell time.Duration, completed <-chan string, log *slog.Logger) int {
	status := success
	for _, path := range paths {
		if ctx.Err() != nil {
			return status
		}
		selected := make(chan struct{})
		err := q.Post(func() {
			view.Select(path)
			close(selected)
		})
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, "select", slog.String("path", path), slog.Any("error", err))
			return internalError
		}
		select {
		case <-ctx.Done():
			return status
		case <-selected:
		}

		p, err := src.IsAnimation(ctx, path)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, "probe", slog.String("path", path), slog.Any("error", err))
			status = internalError
			continue
		}
		switch p.Kind {
		case wire.Animated:
		case wire.NotAnimated:
			log.LogAttrs(ctx, slog.LevelInfo, "not animated", slog.String("path", path))
			continue
		default:
			log.LogAttrs(ctx, slog.LevelWarn, "probe failed", slog.String("path", path))
			status = internalError
			continue
		}
		log.LogAttrs(ctx, slog.LevelInfo, "animated", slog.String("path", path), slog.Int("frames", p.FrameCount))
		err = src.LoadAnimation(ctx, path)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, "load", slog.String("path", path), slog.Any("error", err))
			status = internalError
			continue
		}

		if !wait(ctx, path, dwell, completed, log) {
			return status
		}
	}
	return status
}

// wait waits for the animation at path to complete or for dwell to elapse
// if it is positive. It returns false if ctx is done.
func wait(ctx context.Context, path string, dwell time.Duration, completed <-chan string, log *slog.Logger) bool {
	var timeout <-chan time.Time
	if dwell > 0 {
		timer := time.NewTimer(dwell)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timeout:
			log.LogAttrs(ctx, slog.LevelInfo, "dwell elapsed", slog.String("path", path))
			return true
		case p := <-completed:
			if wire.Equal(p, path) {
				return true
			}
		}
	}
}

// export writes anim to dir as a GIF named for the animation's path.
func export(ctx context.Context, dir string, anim *animation.Images, log *slog.Logger) {
	if anim.Len() == 0 {
		log.LogAttrs(ctx, slog.LevelWarn, "no frames to export", slog.String("path", anim.Path))
		return
	}
	name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(anim.Path, `\`, "/")))
	name = strings.TrimSuffix(name, filepath.Ext(name)) + ".gif"
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "export", slog.String("path", anim.Path), slog.Any("error", err))
		return
	}
	err = anim.EncodeGIF(f)
	if err != nil {
		f.Close()
		log.LogAttrs(ctx, slog.LevelError, "export", slog.String("path", anim.Path), slog.Any("error", err))
		return
	}
	err = f.Close()
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "export", slog.String("path", anim.Path), slog.Any("error", err))
		return
	}
	log.LogAttrs(ctx, slog.LevelInfo, "exported", slog.String("path", anim.Path), slog.String("dst", dst), slog.Int("frames", anim.Len()), slog.Bool("complete", anim.Complete()), slog.Duration("duration", anim.Duration()))
}

// reconfigure applies live configuration changes to logging. Other
// changes take effect on restart.
func reconfigure(ctx context.Context, current *config.Host, changes <-chan config.Change, level *slog.LevelVar, levelFixed bool, addSource *atomic.Bool, linesFixed bool, log *slog.Logger) {
	for {
		var c config.Change
		select {
		case <-ctx.Done():
			return
		case c = <-changes:
		}
		if c.Err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, "configuration error", slog.Any("error", c.Err))
			continue
		}
		cfg := c.Config
		if !levelFixed {
			l := slog.LevelInfo
			if cfg.LogLevel != nil {
				l = *cfg.LogLevel
			}
			level.Set(l)
		}
		if !linesFixed {
			addSource.Store(cfg.AddSource != nil && *cfg.AddSource)
		}
		if restartRequired(current, cfg) {
			log.LogAttrs(ctx, slog.LevelWarn, "configuration change requires restart", slog.Any("sum", slogext.Stringer{Stringer: cfg.Sum}))
		} else {
			log.LogAttrs(ctx, slog.LevelInfo, "configuration updated", slog.Any("sum", slogext.Stringer{Stringer: cfg.Sum}))
		}
	}
}

// restartRequired returns whether the differences between a and b
// are only applied at start up.
func restartRequired(a, b *config.Host) bool {
	if a.Network != b.Network || a.MetricsAddr != b.MetricsAddr {
		return true
	}
	if *a.Decode != *b.Decode {
		return true
	}
	switch {
	case a.Worker == nil && b.Worker == nil:
		return false
	case a.Worker == nil, b.Worker == nil:
		return true
	}
	wa, wb := a.Worker, b.Worker
	return wa.Path != wb.Path ||
		!slices.Equal(wa.Args, wb.Args) ||
		wa.Format != wb.Format ||
		wa.Quality != wb.Quality ||
		wa.LogMode != wb.LogMode ||
		!equalLevel(wa.LogLevel, wb.LogLevel)
}

func equalLevel(a, b *slog.Level) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// serveMetrics serves Prometheus metrics from reg on addr.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	log.LogAttrs(ctx, slog.LevelInfo, "serving metrics", slog.String("addr", l.Addr().String()))
	go func() {
		err := srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogAttrs(ctx, slog.LevelError, "metrics server", slog.Any("error", err))
		}
	}()
	return srv, nil
}
