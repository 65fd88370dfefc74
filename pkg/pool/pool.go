/*
 * Copyright 2022 Lunaris DB, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package pool multiplexes many logical users over a bounded set of
// driver connections. Acquirers are served in FIFO order; idle
// connections are recycled by age and liveness checked before reuse.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/log"
	"github.com/lunarisdb/mypool/pkg/mysql"
)

// Factory opens one new connection.
type Factory func(ctx context.Context) (*mysql.Connection, error)

// Options configure a Pool.
type Options struct {
	// MinSize is the number of connections opened eagerly and kept
	// around. Zero is valid.
	MinSize int

	// MaxSize bounds open connections. Zero means unbounded.
	MaxSize int

	// Recycle is the maximum age of an idle connection before it is
	// closed on the next acquire instead of reused. Negative
	// disables recycling.
	Recycle time.Duration

	// Echo logs acquire/release traffic.
	Echo bool
}

// Pool is a bounded connection pool.
//
// All state is guarded by mu; connection I/O (dialing, pinging,
// closing) happens outside the lock so releases never block behind a
// slow handshake.
type Pool struct {
	factory Factory

	minsize int
	maxsize int
	recycle time.Duration
	echo    bool

	mu         sync.Mutex
	free       []*mysql.Connection // idle, most recently released last
	used       map[*mysql.Connection]struct{}
	terminated map[*mysql.Connection]struct{}
	waiters    *list.List // of chan *mysql.Connection, FIFO
	acquiring  int
	closing    bool
	closed     bool

	// drained is closed and re-armed whenever a connection leaves
	// the pool while it is closing, for WaitClosed.
	drained chan struct{}
}

// NewPool builds a pool over factory and opens MinSize connections.
func NewPool(ctx context.Context, factory Factory, opts Options) (*Pool, error) {
	if opts.MinSize < 0 {
		return nil, errors.New("minsize should be zero or greater")
	}
	if opts.MaxSize != 0 && opts.MaxSize < opts.MinSize {
		return nil, errors.New("maxsize should be not less than minsize")
	}
	p := &Pool{
		factory:    factory,
		minsize:    opts.MinSize,
		maxsize:    opts.MaxSize,
		recycle:    opts.Recycle,
		echo:       opts.Echo,
		used:       make(map[*mysql.Connection]struct{}),
		terminated: make(map[*mysql.Connection]struct{}),
		waiters:    list.New(),
		drained:    make(chan struct{}),
	}
	if err := p.fillMin(ctx); err != nil {
		p.Terminate()
		return nil, err
	}
	return p, nil
}

// CreatePool builds a pool whose factory connects with conf.
func CreatePool(ctx context.Context, conf *mysql.Config, opts Options) (*Pool, error) {
	conf = conf.Clone()
	if opts.Echo {
		conf.Echo = true
	}
	return NewPool(ctx, func(ctx context.Context) (*mysql.Connection, error) {
		return mysql.Connect(ctx, conf)
	}, opts)
}

// MinSize returns the configured minimum size.
func (p *Pool) MinSize() int { return p.minsize }

// MaxSize returns the configured maximum size.
func (p *Pool) MaxSize() int { return p.maxsize }

// Echo reports whether acquire/release logging is on.
func (p *Pool) Echo() bool { return p.echo }

// Size counts open plus opening connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

// FreeSize counts idle connections.
func (p *Pool) FreeSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Closed reports whether WaitClosed has completed.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) sizeLocked() int {
	return len(p.free) + len(p.used) + p.acquiring
}

func (p *Pool) fillMin(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closing || p.sizeLocked() >= p.minsize {
			p.mu.Unlock()
			return nil
		}
		p.acquiring++
		p.mu.Unlock()

		conn, err := p.factory(ctx)

		p.mu.Lock()
		p.acquiring--
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.free = append(p.free, conn)
		p.mu.Unlock()
	}
}

// Acquire returns a connection for exclusive use by the caller. When
// the pool is saturated the caller joins a FIFO queue and blocks
// until a release or ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (*mysql.Connection, error) {
	// Keep the pool topped up to its minimum size.
	if err := p.fillMin(ctx); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return nil, err2.ErrPoolClosed
		}

		// Reuse an idle connection if a live one exists.
		if len(p.free) > 0 {
			conn := p.free[0]
			p.free = p.free[1:]
			p.mu.Unlock()

			if p.staleOrDead(ctx, conn) {
				conn.Close()
				continue
			}

			p.mu.Lock()
			if p.closing {
				p.mu.Unlock()
				conn.Close()
				return nil, err2.ErrPoolClosed
			}
			p.used[conn] = struct{}{}
			p.mu.Unlock()
			if p.echo {
				log.Debugf("pool: reusing connection %d", conn.ID())
			}
			return conn, nil
		}

		// Room to grow: open a new connection.
		if p.maxsize == 0 || p.sizeLocked() < p.maxsize {
			p.acquiring++
			p.mu.Unlock()

			conn, err := p.factory(ctx)

			p.mu.Lock()
			p.acquiring--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			if p.closing {
				p.mu.Unlock()
				conn.Close()
				return nil, err2.ErrPoolClosed
			}
			p.used[conn] = struct{}{}
			p.mu.Unlock()
			if p.echo {
				log.Debugf("pool: opened connection %d", conn.ID())
			}
			return conn, nil
		}

		// Saturated: wait for a release, in FIFO order.
		ch := make(chan *mysql.Connection, 1)
		elem := p.waiters.PushBack(ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters.Remove(elem)
			p.mu.Unlock()
			// A release may have handed us a connection while we
			// were cancelling; give it back.
			select {
			case conn := <-ch:
				if conn != nil {
					p.Release(conn)
				}
			default:
			}
			return nil, ctx.Err()

		case conn := <-ch:
			if conn != nil {
				if p.echo {
					log.Debugf("pool: handed over connection %d", conn.ID())
				}
				return conn, nil
			}
			// Woken without a direct handoff; re-check.
		}
	}
}

// staleOrDead applies the recycle-by-age policy and a lightweight
// liveness ping (reconnect disabled).
func (p *Pool) staleOrDead(ctx context.Context, conn *mysql.Connection) bool {
	if conn.Closed() {
		return true
	}
	if p.recycle >= 0 && time.Since(conn.LastUsage()) > p.recycle {
		if p.echo {
			log.Debugf("pool: recycling connection %d past max age", conn.ID())
		}
		return true
	}
	if err := conn.Ping(ctx, false); err != nil {
		log.Debugf("pool: discarding dead idle connection %d: %v", conn.ID(), err)
		return true
	}
	return false
}

// Release returns an acquired connection. Connections that are
// closed, mid-transaction, carrying unread results, or returned to a
// closing pool are discarded instead of pooled. Release never blocks.
func (p *Pool) Release(conn *mysql.Connection) {
	p.mu.Lock()

	if _, ok := p.terminated[conn]; ok {
		delete(p.terminated, conn)
		p.signalDrainLocked()
		p.mu.Unlock()
		return
	}

	if _, ok := p.used[conn]; !ok {
		p.mu.Unlock()
		log.Errorf("pool: releasing a connection that was not acquired: %d", conn.ID())
		return
	}
	delete(p.used, conn)

	discard := conn.Closed() || conn.InTransaction() || conn.HasUnreadResult() || p.closing

	if discard {
		p.signalDrainLocked()
		p.wakeWaiterLocked(nil)
		p.mu.Unlock()
		conn.Close()
		return
	}

	// Direct handoff keeps the FIFO promise: the oldest waiter gets
	// this connection before any fresh acquirer can.
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		ch := elem.Value.(chan *mysql.Connection)
		p.used[conn] = struct{}{}
		ch <- conn
		p.mu.Unlock()
		return
	}

	p.free = append(p.free, conn)
	p.mu.Unlock()
}

// wakeWaiterLocked nudges the oldest waiter without a handoff, so it
// re-runs the acquire loop (typically to open a fresh connection).
func (p *Pool) wakeWaiterLocked(conn *mysql.Connection) {
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		ch := elem.Value.(chan *mysql.Connection)
		ch <- conn
	}
}

func (p *Pool) signalDrainLocked() {
	close(p.drained)
	p.drained = make(chan struct{})
}

// Clear closes every idle connection, keeping acquired ones.
func (p *Pool) Clear(ctx context.Context) error {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, conn := range free {
		_ = conn.EnsureClosed(ctx)
	}
	return nil
}

// Close marks the pool closing: no new acquirers are admitted, every
// returned connection is closed instead of pooled. Use WaitClosed to
// block until the pool is empty.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closing = true

	// Fail queued acquirers; they would block forever otherwise.
	for elem := p.waiters.Front(); elem != nil; elem = p.waiters.Front() {
		p.waiters.Remove(elem)
		elem.Value.(chan *mysql.Connection) <- nil
	}
}

// Terminate additionally closes every acquired connection
// immediately, failing their owners' in-flight operations.
func (p *Pool) Terminate() {
	p.Close()

	p.mu.Lock()
	used := make([]*mysql.Connection, 0, len(p.used))
	for conn := range p.used {
		used = append(used, conn)
		p.terminated[conn] = struct{}{}
		delete(p.used, conn)
	}
	p.mu.Unlock()

	for _, conn := range used {
		conn.Close()
	}
}

// WaitClosed blocks until every connection has left the pool. Close
// or Terminate must have been called first.
func (p *Pool) WaitClosed(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.closing {
		p.mu.Unlock()
		return errors.New("WaitClosed should be called after Close")
	}

	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, conn := range free {
		conn.Close()
	}

	for {
		p.mu.Lock()
		if len(p.used)+p.acquiring == 0 {
			p.closed = true
			p.mu.Unlock()
			return nil
		}
		drained := p.drained
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drained:
		}
	}
}
