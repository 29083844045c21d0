// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The animworker executable is an animstream worker that probes and loads
// animated images, streaming their frames to the animstream host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/kortschak/animstream/internal/producer"
	"github.com/kortschak/animstream/internal/slogext"
	"github.com/kortschak/animstream/internal/version"
	"github.com/kortschak/animstream/rpc"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

func main() { os.Exit(Main()) }

func Main() int {
	network := flag.String("network", "", "network for communication (unix or tcp)")
	addr := flag.String("addr", "", "address for communication")
	uid := flag.String("uid", "", "unique ID")
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	logStdout := flag.Bool("log_stdout", false, "log to stdout instead of stderr")
	format := flag.String("format", producer.FormatText, "message format (text or msgpack)")
	quality := flag.Int("quality", producer.DefaultQuality, "JPEG quality for opaque frames (1-100)")
	v := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}

	switch *network {
	case "unix", "tcp":
	default:
		flag.Usage()
		return invocationError
	}

	switch "" {
	case *addr, *uid:
		flag.Usage()
		return invocationError
	default:
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	addSource := slogext.NewAtomicBool(*lines)
	logDst := os.Stderr
	if *logStdout {
		logDst = os.Stdout
	}
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(logDst, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitParent(func() {
		log.LogAttrs(ctx, slog.LevelError, "animstream died", slog.String("component", *uid))
		cancel()
	})

	w, err := producer.NewWorker(*uid, producer.New(*quality, log), *format, cancel, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return invocationError
	}
	log.LogAttrs(ctx, slog.LevelDebug, "dial", slog.String("network", *network), slog.String("addr", *addr), slog.String("component", *uid))
	d, err := rpc.NewDaemon(ctx, *network, *addr, *uid, net.Dialer{}, w)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, err.Error(), slog.String("component", *uid))
		return internalError
	}
	defer func() {
		w.Wait()
		d.Close()
	}()
	go func() {
		d.Wait()
		log.LogAttrs(ctx, slog.LevelInfo, "connection closed", slog.String("component", *uid))
		cancel()
	}()

	log.LogAttrs(ctx, slog.LevelInfo, "start", slog.String("component", *uid))
	<-ctx.Done()
	log.LogAttrs(ctx, slog.LevelInfo, "exit", slog.String("component", *uid))

	return success
}

// waitParent calls fn when the parent process closes the worker's stdin.
func waitParent(fn func()) {
	go func() {
		os.Stdin.Read([]byte{0})
		fn()
	}()
}
