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

package mysql_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/mysql"
	"github.com/lunarisdb/mypool/testdata"
)

func startServer(t *testing.T) *testdata.FakeServer {
	t.Helper()
	srv, err := testdata.NewFakeServer("app", "sekret")
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *testdata.FakeServer) *mysql.Connection {
	t.Helper()
	conf := mysql.NewConfig()
	conf.Addr = srv.Addr()
	conf.User = "app"
	conf.Passwd = "sekret"
	conn, err := mysql.Connect(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.EnsureClosed(context.Background()) })
	return conn
}

func selectReply(name string, typ byte, rows ...interface{}) *testdata.Reply {
	rs := &testdata.ResultSet{
		Columns: []testdata.Column{{Name: name, Type: typ}},
	}
	for _, v := range rows {
		rs.Rows = append(rs.Rows, []interface{}{v})
	}
	return &testdata.Reply{ResultSet: rs}
}

func TestConnectAndPing(t *testing.T) {
	srv := startServer(t)
	conn := connect(t, srv)

	assert.Equal(t, "8.0.32-fake", conn.ServerVersion())
	assert.False(t, conn.GetAutocommit())
	require.NoError(t, conn.Ping(context.Background(), false))
	assert.Equal(t, 0, conn.Buffered())
}

func TestConnectBadPassword(t *testing.T) {
	srv := startServer(t)

	conf := mysql.NewConfig()
	conf.Addr = srv.Addr()
	conf.User = "app"
	conf.Passwd = "wrong"
	_, err := mysql.Connect(context.Background(), conf)
	require.Error(t, err)
	se, ok := err.(*err2.SQLError)
	require.True(t, ok)
	assert.Equal(t, constant.ERAccessDeniedError, se.Num)
}

func TestSimpleSelect(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		if query == "SELECT 42" {
			return selectReply("42", 8, 42)
		}
		return nil
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	rowcount, err := cursor.Execute(ctx, "SELECT 42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowcount)
	require.Len(t, cursor.Description(), 1)
	assert.Equal(t, "42", cursor.Description()[0].Name)

	row, err := cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Equal(t, mysql.Row{int64(42)}, row)

	row, err = cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Nil(t, row)

	assert.Equal(t, 0, conn.Buffered())
}

func TestInsertLastRowID(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		if strings.HasPrefix(query, "INSERT") {
			return &testdata.Reply{AffectedRows: 1, LastInsertID: 1}
		}
		return nil
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	rowcount, err := cursor.Execute(ctx, "INSERT INTO t(v) VALUES(%s)", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowcount)
	assert.Equal(t, uint64(1), cursor.LastRowID())
	assert.Equal(t, uint64(1), conn.InsertID())
	assert.Equal(t, uint64(1), conn.AffectedRows())

	// The substituted literal reached the server.
	queries := srv.Queries()
	assert.Contains(t, queries, "INSERT INTO t(v) VALUES('a')")
}

func TestExecutemanyBatchesSingleInsert(t *testing.T) {
	srv := startServer(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	handler := testdata.NewMockQueryHandler(ctrl)
	handler.EXPECT().
		Handle("INSERT INTO t(v) VALUES('a'),('b'),('c')").
		Return(&testdata.Reply{AffectedRows: 3})
	srv.Handler = handler

	conn := connect(t, srv)
	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	total, err := cursor.Executemany(ctx, "INSERT INTO t(v) VALUES(%s)",
		[][]interface{}{{"a"}, {"b"}, {"c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestExecutemanyFallback(t *testing.T) {
	srv := startServer(t)
	var updates []string
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		updates = append(updates, query)
		return &testdata.Reply{AffectedRows: 1}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	total, err := cursor.Executemany(ctx, "UPDATE t SET v = %s WHERE id = %s",
		[][]interface{}{{"a", 1}, {"b", 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, updates, 2)
}

func TestDictCursor(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{ResultSet: &testdata.ResultSet{
			Columns: []testdata.Column{
				{Name: "id", Type: 8},
				{Name: "name", Type: 253},
			},
			Rows: [][]interface{}{{1, "ann"}, {2, "bob"}},
		}}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.DictCursor()
	defer cursor.Close(ctx)

	_, err := cursor.Execute(ctx, "SELECT id, name FROM people")
	require.NoError(t, err)

	row, err := cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Equal(t, mysql.DictRow{"id": int64(1), "name": "ann"}, row)

	rest, err := cursor.Fetchall(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "bob", rest[0]["name"])
}

func TestUnbufferedCursor(t *testing.T) {
	srv := startServer(t)
	const total = 200
	rows := make([][]interface{}, total)
	for i := range rows {
		rows[i] = []interface{}{i}
	}
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{ResultSet: &testdata.ResultSet{
			Columns: []testdata.Column{{Name: "n", Type: 8}},
			Rows:    rows,
		}}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.UnbufferedCursor()

	_, err := cursor.Execute(ctx, "SELECT n FROM big")
	require.NoError(t, err)
	// Row count is unknown while streaming.
	assert.Equal(t, int64(-1), cursor.Rowcount())

	for i := 0; i < 10; i++ {
		row, err := cursor.Fetchone(ctx)
		require.NoError(t, err)
		require.Equal(t, mysql.Row{int64(i)}, row)
	}

	// Closing mid-iteration drains the wire and leaves the
	// connection ready for the next command.
	require.NoError(t, cursor.Close(ctx))
	assert.Equal(t, 0, conn.Buffered())
	require.NoError(t, conn.Ping(ctx, false))
}

func TestUnbufferedFetchall(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{ResultSet: &testdata.ResultSet{
			Columns: []testdata.Column{{Name: "n", Type: 8}},
			Rows:    [][]interface{}{{1}, {2}, {3}},
		}}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.UnbufferedCursor()
	defer cursor.Close(ctx)

	_, err := cursor.Execute(ctx, "SELECT n FROM t")
	require.NoError(t, err)

	all, err := cursor.Fetchall(ctx)
	require.NoError(t, err)
	assert.Equal(t, []mysql.Row{{int64(1)}, {int64(2)}, {int64(3)}}, all)
	assert.Equal(t, int64(3), cursor.Rowcount())
}

func TestUnbufferedBackwardScroll(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{ResultSet: &testdata.ResultSet{
			Columns: []testdata.Column{{Name: "n", Type: 8}},
			Rows:    [][]interface{}{{1}, {2}, {3}},
		}}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.UnbufferedCursor()
	defer cursor.Close(ctx)

	_, err := cursor.Execute(ctx, "SELECT n FROM t")
	require.NoError(t, err)

	require.NoError(t, cursor.Scroll(ctx, 2, mysql.ScrollRelative))
	row, err := cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Equal(t, mysql.Row{int64(3)}, row)

	err = cursor.Scroll(ctx, -1, mysql.ScrollRelative)
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindNotSupported))
}

func TestBufferedScroll(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{ResultSet: &testdata.ResultSet{
			Columns: []testdata.Column{{Name: "n", Type: 8}},
			Rows:    [][]interface{}{{1}, {2}, {3}},
		}}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	_, err := cursor.Execute(ctx, "SELECT n FROM t")
	require.NoError(t, err)

	require.NoError(t, cursor.Scroll(ctx, 2, mysql.ScrollAbsolute))
	row, err := cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Equal(t, mysql.Row{int64(3)}, row)

	require.NoError(t, cursor.Scroll(ctx, -3, mysql.ScrollRelative))
	assert.Equal(t, 0, cursor.Rownumber())

	err = cursor.Scroll(ctx, 99, mysql.ScrollAbsolute)
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))
}

func TestCallProcMultipleResultSets(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		if strings.HasPrefix(query, "CALL myinc") {
			reply := selectReply("v", 8, 2)
			reply.Next = &testdata.Reply{}
			return reply
		}
		if query == "SELECT 1" {
			return selectReply("1", 8, 1)
		}
		return nil
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	require.NoError(t, cursor.CallProc(ctx, "myinc", 1))

	row, err := cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Equal(t, mysql.Row{int64(2)}, row)

	more, err := cursor.NextSet(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Nil(t, cursor.Description())

	more, err = cursor.NextSet(ctx)
	require.NoError(t, err)
	assert.False(t, more)

	// The same cursor is usable for a plain query afterwards.
	_, err = cursor.Execute(ctx, "SELECT 1")
	require.NoError(t, err)
	row, err = cursor.Fetchone(ctx)
	require.NoError(t, err)
	assert.Equal(t, mysql.Row{int64(1)}, row)

	// The argument was bound into a server variable first.
	queries := srv.Queries()
	assert.Contains(t, queries, "SET @_myinc_0=1")
	assert.Contains(t, queries, "CALL myinc(@_myinc_0)")
}

func TestTransactionStatusFlags(t *testing.T) {
	srv := startServer(t)
	conn := connect(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx))
	assert.True(t, conn.InTransaction())

	require.NoError(t, conn.Rollback(ctx))
	assert.False(t, conn.InTransaction())
	assert.Zero(t, conn.ServerStatus()&constant.ServerStatusInTrans)
}

func TestServerErrorClassification(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return testdata.ErrReply(1062, "23000", "Duplicate entry 'a' for key 'v'")
	})
	conn := connect(t, srv)

	ctx := context.Background()
	cursor := conn.Cursor()
	defer cursor.Close(ctx)

	_, err := cursor.Execute(ctx, "INSERT INTO t(v) VALUES('a')")
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindIntegrity))

	se, ok := err.(*err2.SQLError)
	require.True(t, ok)
	assert.Equal(t, 1062, se.Num)
	assert.Equal(t, "INSERT INTO t(v) VALUES('a')", se.Query)

	// The error left no unread bytes behind.
	assert.Equal(t, 0, conn.Buffered())
	require.NoError(t, conn.Ping(ctx, false))
}

func TestShowWarnings(t *testing.T) {
	srv := startServer(t)
	conn := connect(t, srv)

	warnings, err := conn.ShowWarnings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestSelectDB(t *testing.T) {
	srv := startServer(t)
	conn := connect(t, srv)

	require.NoError(t, conn.SelectDB(context.Background(), "other"))
	assert.Equal(t, "other", conn.DB())
}

func TestEnsureClosedIdempotent(t *testing.T) {
	srv := startServer(t)
	conn := connect(t, srv)

	ctx := context.Background()
	require.NoError(t, conn.EnsureClosed(ctx))
	require.NoError(t, conn.EnsureClosed(ctx))
	assert.True(t, conn.Closed())
}

func TestPingReconnect(t *testing.T) {
	srv := startServer(t)
	conn := connect(t, srv)
	ctx := context.Background()

	require.NoError(t, conn.EnsureClosed(ctx))
	require.Error(t, conn.Ping(ctx, false))
	require.NoError(t, conn.Ping(ctx, true))
	assert.False(t, conn.Closed())
}

func TestLocalInfile(t *testing.T) {
	dataFile := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte("1,a\n2,b\n"), 0o600))

	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{Infile: dataFile, AffectedRows: 2}
	})

	conf := mysql.NewConfig()
	conf.Addr = srv.Addr()
	conf.User = "app"
	conf.Passwd = "sekret"
	conf.LocalInfile = true
	conn, err := mysql.Connect(context.Background(), conf)
	require.NoError(t, err)
	defer conn.EnsureClosed(context.Background())

	ctx := context.Background()
	require.NoError(t, conn.Query(ctx, "LOAD DATA LOCAL INFILE 'rows.csv' INTO TABLE t"))
	assert.Equal(t, uint64(2), conn.AffectedRows())
	assert.Equal(t, []byte("1,a\n2,b\n"), srv.InfileData())

	// The connection is back in command state.
	require.NoError(t, conn.Ping(ctx, false))
}

func TestLocalInfileDisabled(t *testing.T) {
	srv := startServer(t)
	srv.Handler = testdata.QueryHandlerFunc(func(query string) *testdata.Reply {
		return &testdata.Reply{Infile: "/etc/never-read"}
	})
	conn := connect(t, srv)

	ctx := context.Background()
	err := conn.Query(ctx, "LOAD DATA LOCAL INFILE 'x' INTO TABLE t")
	require.Error(t, err)
	se, ok := err.(*err2.SQLError)
	require.True(t, ok)
	assert.Equal(t, 1148, se.Num)

	// Only the empty terminator was sent; nothing was uploaded.
	assert.Empty(t, srv.InfileData())
	require.NoError(t, conn.Ping(ctx, false))
}
