// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"net"

	"github.com/kortschak/jsonrpc2"
)

// Daemon is a worker's connection to its host.
type Daemon struct {
	uid  string
	host *jsonrpc2.Connection
}

// NewDaemon returns a new daemon communicating on the provided network with
// the host at the given address. Requests from the host are handled by the
// handler bound by binder.
func NewDaemon(ctx context.Context, network, addr, uid string, dialer net.Dialer, binder jsonrpc2.Binder) (*Daemon, error) {
	d := Daemon{uid: uid}
	var err error
	d.host, err = jsonrpc2.Dial(ctx, jsonrpc2.NetDialer(network, addr, dialer), binder)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Notify invokes the target method but does not wait for a response.
// See [jsonrpc2.Connection.Notify].
func (d *Daemon) Notify(ctx context.Context, method string, params any) error {
	return d.host.Notify(ctx, method, params)
}

// Wait blocks until the connection is fully closed, but does not close it.
// See [jsonrpc2.Connection.Wait].
func (d *Daemon) Wait() {
	d.host.Wait()
}

// Close sends an "unregister" notification to the daemon's host, stops
// listening to requests and closes its connection.
// See [jsonrpc2.Connection.Close].
func (d *Daemon) Close() error {
	d.Notify(context.Background(), Unregister, NewMessage(UID{Module: d.uid}, None{}))
	return d.host.Close()
}
