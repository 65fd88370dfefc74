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

package sql_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/mysql"
	"github.com/lunarisdb/mypool/pkg/sql"
	"github.com/lunarisdb/mypool/testdata"
)

func connect(t *testing.T) (*mysql.Connection, *testdata.FakeServer) {
	t.Helper()
	srv, err := testdata.NewFakeServer("app", "sekret")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	conf := mysql.NewConfig()
	conf.Addr = srv.Addr()
	conf.User = "app"
	conf.Passwd = "sekret"
	conn, err := mysql.Connect(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.EnsureClosed(context.Background()) })
	return conn, srv
}

func TestRootTransactionCommit(t *testing.T) {
	conn, srv := connect(t)
	ctx := context.Background()

	tx, err := sql.Begin(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, sql.Root, tx.Kind())
	assert.True(t, tx.IsActive())
	assert.True(t, conn.InTransaction())

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, tx.IsActive())
	assert.False(t, conn.InTransaction())

	queries := srv.Queries()
	assert.Contains(t, queries, "BEGIN")
	assert.Contains(t, queries, "COMMIT")
}

func TestRootTransactionRollbackViaClose(t *testing.T) {
	conn, srv := connect(t)
	ctx := context.Background()

	tx, err := sql.Begin(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))
	assert.False(t, tx.IsActive())
	assert.Contains(t, srv.Queries(), "ROLLBACK")

	// Closing again is a no-op.
	require.NoError(t, tx.Close(ctx))
}

func TestCommitTwiceFails(t *testing.T) {
	conn, _ := connect(t)
	ctx := context.Background()

	tx, err := sql.Begin(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))
}

func TestNestedTransaction(t *testing.T) {
	conn, srv := connect(t)
	ctx := context.Background()

	root, err := sql.Begin(ctx, conn)
	require.NoError(t, err)

	nested, err := root.BeginNested(ctx)
	require.NoError(t, err)
	assert.Equal(t, sql.Nested, nested.Kind())

	inner, err := root.BeginNested(ctx)
	require.NoError(t, err)

	// Savepoint names are unique within the transaction chain.
	require.NoError(t, inner.Rollback(ctx))
	require.NoError(t, nested.Commit(ctx))
	require.NoError(t, root.Commit(ctx))

	queries := srv.Queries()
	assert.Contains(t, queries, "SAVEPOINT sp_1")
	assert.Contains(t, queries, "SAVEPOINT sp_2")
	assert.Contains(t, queries, "ROLLBACK TO SAVEPOINT sp_2")
	assert.Contains(t, queries, "RELEASE SAVEPOINT sp_1")
	assert.Contains(t, queries, "COMMIT")
}

func TestNestedCloseLeavesParentActive(t *testing.T) {
	conn, _ := connect(t)
	ctx := context.Background()

	root, err := sql.Begin(ctx, conn)
	require.NoError(t, err)
	nested, err := root.BeginNested(ctx)
	require.NoError(t, err)

	require.NoError(t, nested.Close(ctx))
	assert.False(t, nested.IsActive())
	assert.True(t, root.IsActive())
	require.NoError(t, root.Commit(ctx))
}

func TestTwoPhaseOnePhaseCommit(t *testing.T) {
	conn, srv := connect(t)
	ctx := context.Background()

	tx, err := sql.BeginTwoPhase(ctx, conn, "xid-1")
	require.NoError(t, err)
	assert.Equal(t, sql.TwoPhase, tx.Kind())
	assert.Equal(t, "xid-1", tx.XID())

	require.NoError(t, tx.Commit(ctx))

	queries := srv.Queries()
	assert.Contains(t, queries, "XA START 'xid-1'")
	assert.Contains(t, queries, "XA END 'xid-1'")
	assert.Contains(t, queries, "XA COMMIT 'xid-1' ONE PHASE")
}

func TestTwoPhasePreparedCommit(t *testing.T) {
	conn, srv := connect(t)
	ctx := context.Background()

	tx, err := sql.BeginTwoPhase(ctx, conn, "xid-2")
	require.NoError(t, err)
	require.NoError(t, tx.Prepare(ctx))
	require.NoError(t, tx.Commit(ctx))

	queries := srv.Queries()
	assert.Contains(t, queries, "XA PREPARE 'xid-2'")
	assert.Contains(t, queries, "XA COMMIT 'xid-2'")
	assert.NotContains(t, queries, "XA COMMIT 'xid-2' ONE PHASE")
}

func TestTwoPhaseRollback(t *testing.T) {
	conn, srv := connect(t)
	ctx := context.Background()

	tx, err := sql.BeginTwoPhase(ctx, conn, "xid-3")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	queries := srv.Queries()
	assert.Contains(t, queries, "XA END 'xid-3'")
	assert.Contains(t, queries, "XA ROLLBACK 'xid-3'")
}

func TestPrepareOnRootFails(t *testing.T) {
	conn, _ := connect(t)
	ctx := context.Background()

	tx, err := sql.Begin(ctx, conn)
	require.NoError(t, err)
	assert.Error(t, tx.Prepare(ctx))
	require.NoError(t, tx.Rollback(ctx))
}
