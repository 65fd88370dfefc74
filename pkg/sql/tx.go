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

// Package sql carries the transaction object family layered on top of
// a driver connection: flat transactions, nested transactions
// emulated with savepoints, and two-phase transactions driven by XA
// statements.
package sql

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/mysql"
)

// Kind discriminates the transaction flavors.
type Kind int

const (
	// Root is a plain BEGIN/COMMIT transaction.
	Root Kind = iota

	// Nested is a SAVEPOINT scope inside an enclosing transaction.
	// Commit releases only the innermost savepoint; the outermost
	// transaction controls the real commit.
	Nested

	// TwoPhase is a server coordinated XA transaction identified by
	// a caller supplied xid.
	TwoPhase
)

// Tx is one transaction scope on a connection.
type Tx struct {
	kind   Kind
	conn   *mysql.Connection
	parent *Tx
	active *atomic.Bool

	// root-only counter producing unique savepoint names.
	savepointSeq *atomic.Int64

	savepoint string
	xid       string
	prepared  bool
}

// Begin opens a flat transaction.
func Begin(ctx context.Context, conn *mysql.Connection) (*Tx, error) {
	tx := &Tx{
		kind:         Root,
		conn:         conn,
		active:       atomic.NewBool(true),
		savepointSeq: atomic.NewInt64(0),
	}
	tx.parent = tx
	if err := conn.Begin(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// BeginTwoPhase opens an XA transaction with the caller's xid.
func BeginTwoPhase(ctx context.Context, conn *mysql.Connection, xid string) (*Tx, error) {
	tx := &Tx{
		kind:         TwoPhase,
		conn:         conn,
		active:       atomic.NewBool(true),
		savepointSeq: atomic.NewInt64(0),
		xid:          xid,
	}
	tx.parent = tx
	quoted, err := conn.Escape(xid)
	if err != nil {
		return nil, err
	}
	if err := conn.Query(ctx, "XA START "+quoted); err != nil {
		return nil, err
	}
	return tx, nil
}

// BeginNested opens a savepoint scope inside tx.
func (tx *Tx) BeginNested(ctx context.Context) (*Tx, error) {
	if !tx.active.Load() {
		return nil, err2.NewProgrammingError("the transaction is inactive")
	}
	root := tx.parent
	name := "sp_" + strconv.FormatInt(root.savepointSeq.Inc(), 10)
	if err := tx.conn.Query(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}
	return &Tx{
		kind:      Nested,
		conn:      tx.conn,
		parent:    root,
		active:    atomic.NewBool(true),
		savepoint: name,
	}, nil
}

// Kind returns the transaction flavor.
func (tx *Tx) Kind() Kind {
	return tx.kind
}

// Connection returns the transaction's connection.
func (tx *Tx) Connection() *mysql.Connection {
	return tx.conn
}

// IsActive reports whether the scope is still open.
func (tx *Tx) IsActive() bool {
	return tx.active.Load()
}

// XID returns the xid of a two-phase transaction.
func (tx *Tx) XID() string {
	return tx.xid
}

func (tx *Tx) deactivate() error {
	if !tx.active.CAS(true, false) {
		return err2.NewProgrammingError("the transaction is inactive")
	}
	return nil
}

// Commit commits this scope: COMMIT for a flat transaction, RELEASE
// SAVEPOINT for a nested one, XA commit for two-phase.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.deactivate(); err != nil {
		return err
	}
	switch tx.kind {
	case Nested:
		return tx.conn.Query(ctx, "RELEASE SAVEPOINT "+tx.savepoint)

	case TwoPhase:
		quoted, err := tx.conn.Escape(tx.xid)
		if err != nil {
			return err
		}
		if !tx.prepared {
			if err := tx.conn.Query(ctx, "XA END "+quoted); err != nil {
				return err
			}
			return tx.conn.Query(ctx, "XA COMMIT "+quoted+" ONE PHASE")
		}
		return tx.conn.Query(ctx, "XA COMMIT "+quoted)

	default:
		return tx.conn.Commit(ctx)
	}
}

// Rollback rolls this scope back: ROLLBACK, ROLLBACK TO SAVEPOINT, or
// XA rollback.
func (tx *Tx) Rollback(ctx context.Context) error {
	if err := tx.deactivate(); err != nil {
		return err
	}
	switch tx.kind {
	case Nested:
		return tx.conn.Query(ctx, "ROLLBACK TO SAVEPOINT "+tx.savepoint)

	case TwoPhase:
		quoted, err := tx.conn.Escape(tx.xid)
		if err != nil {
			return err
		}
		if !tx.prepared {
			if err := tx.conn.Query(ctx, "XA END "+quoted); err != nil {
				return err
			}
		}
		return tx.conn.Query(ctx, "XA ROLLBACK "+quoted)

	default:
		return tx.conn.Rollback(ctx)
	}
}

// Prepare runs the first phase of a two-phase commit. After a
// successful prepare, Commit issues the final XA COMMIT.
func (tx *Tx) Prepare(ctx context.Context) error {
	if tx.kind != TwoPhase {
		return errors.New("prepare is only valid for two-phase transactions")
	}
	if !tx.active.Load() {
		return err2.NewProgrammingError("the transaction is inactive")
	}
	quoted, err := tx.conn.Escape(tx.xid)
	if err != nil {
		return err
	}
	if err := tx.conn.Query(ctx, "XA END "+quoted); err != nil {
		return err
	}
	if err := tx.conn.Query(ctx, "XA PREPARE "+quoted); err != nil {
		return err
	}
	tx.prepared = true
	return nil
}

// Close cancels the scope without affecting an enclosing transaction:
// a base transaction rolls back, a nested scope just deactivates.
func (tx *Tx) Close(ctx context.Context) error {
	if !tx.parent.active.Load() {
		return nil
	}
	if tx.parent == tx {
		if tx.active.Load() {
			return tx.Rollback(ctx)
		}
		return nil
	}
	tx.active.Store(false)
	return nil
}
