// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/kortschak/jsonrpc2"
)

// newNetListener returns a new jsonrpc2.Listener listening on the given
// network address. Unix sockets are made accessible only to the owner and
// are removed when the listener is closed.
func newNetListener(ctx context.Context, network, address string, options jsonrpc2.NetListenOptions) (*netListener, error) {
	ln, err := options.NetListenConfig.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		err = os.Chmod(address, 0o600)
		if err != nil {
			ln.Close()
			return nil, err
		}
	}
	return &netListener{net: ln}, nil
}

type netListener struct {
	net net.Listener
}

func (l *netListener) Addr() net.Addr {
	return l.net.Addr()
}

func (l *netListener) Accept(context.Context) (io.ReadWriteCloser, error) {
	return l.net.Accept()
}

// Close stops the listener. Connections that have already been accepted
// are left open.
func (l *netListener) Close() error {
	addr := l.net.Addr()
	err := l.net.Close()
	if addr.Network() == "unix" {
		rerr := os.Remove(addr.String())
		if rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

// Dialer returns nil; workers dial the host's address directly.
func (l *netListener) Dialer() jsonrpc2.Dialer {
	return nil
}
