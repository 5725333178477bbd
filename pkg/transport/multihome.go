// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Channels without multi-homing in their protocol, TCP and SCTP over UDP, use
// the extra host addresses of an endpoint by binding a listener on each
// address and by falling back to the next local address if a dial fails.

// listenAll binds the primary and every extra address. More than one listener
// is merged into a single one.
func listenAll(opts ListenOptions, listen func(address string) (Listener, error)) (Listener, error) {
	if len(opts.ExtraAddresses) == 0 {
		return listen(opts.Address)
	}

	lns := make([]Listener, 0, 1+len(opts.ExtraAddresses))
	for _, address := range append([]string{opts.Address}, opts.ExtraAddresses...) {
		ln, err := listen(address)
		if err != nil {
			for _, ln := range lns {
				_ = ln.Close()
			}
			return nil, fmt.Errorf("binding %s: %w", hostPort(address, opts.Port), err)
		}
		lns = append(lns, ln)
	}

	return newMultiListener(lns), nil
}

// dialAll dials from the primary local address and then from each extra one
// until a connection is established.
func dialAll(ctx context.Context, opts DialOptions, dial func(context.Context, DialOptions) (Conn, error)) (Conn, error) {
	if len(opts.ExtraLocalAddresses) == 0 {
		return dial(ctx, opts)
	}

	var errs *multierror.Error
	for _, local := range append([]string{opts.LocalAddress}, opts.ExtraLocalAddresses...) {
		attempt := opts
		attempt.LocalAddress = local
		attempt.ExtraLocalAddresses = nil

		c, err := dial(ctx, attempt)
		if err == nil {
			return c, nil
		}

		log.WithFields(log.Fields{
			"local":  local,
			"remote": hostPort(opts.RemoteAddress, opts.RemotePort),
			"error":  err,
		}).Debug("Dial from local address failed")
		errs = multierror.Append(errs, fmt.Errorf("from %s: %w", local, err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs.ErrorOrNil()
}

// multiListener merges the Conns of several Listeners. It fails as a whole as
// soon as one of them fails.
type multiListener struct {
	lns []Listener

	accepted chan Conn

	failOnce sync.Once
	failErr  error
	failSyn  chan struct{}

	closeOnce sync.Once
	closeSyn  chan struct{}
	wg        sync.WaitGroup
}

func newMultiListener(lns []Listener) *multiListener {
	ml := &multiListener{
		lns:      lns,
		accepted: make(chan Conn),
		failSyn:  make(chan struct{}),
		closeSyn: make(chan struct{}),
	}

	ml.wg.Add(len(lns))
	for _, ln := range lns {
		go ml.handler(ln)
	}
	return ml
}

func (ml *multiListener) handler(ln Listener) {
	defer ml.wg.Done()

	for {
		c, err := ln.Accept()
		if err != nil {
			ml.failOnce.Do(func() {
				ml.failErr = err
				close(ml.failSyn)
			})
			return
		}

		select {
		case ml.accepted <- c:
		case <-ml.closeSyn:
			_ = c.Close()
			return
		}
	}
}

func (ml *multiListener) Accept() (Conn, error) {
	select {
	case c := <-ml.accepted:
		return c, nil
	case <-ml.closeSyn:
		return nil, net.ErrClosed
	case <-ml.failSyn:
		return nil, ml.failErr
	}
}

// Addr of the primary listener.
func (ml *multiListener) Addr() net.Addr {
	return ml.lns[0].Addr()
}

func (ml *multiListener) Close() (err error) {
	err = net.ErrClosed
	ml.closeOnce.Do(func() {
		close(ml.closeSyn)

		var errs *multierror.Error
		for _, ln := range ml.lns {
			if lnErr := ln.Close(); lnErr != nil {
				errs = multierror.Append(errs, lnErr)
			}
		}
		ml.wg.Wait()

		err = errs.ErrorOrNil()
	})
	return
}
