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

package mysql

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
)

// Scroll modes.
const (
	ScrollRelative = "relative"
	ScrollAbsolute = "absolute"
)

// reInsertValues matches INSERT/REPLACE statements whose VALUES clause
// consists solely of placeholders, the shape Executemany can batch
// into multi-row statements.
var reInsertValues = regexp.MustCompile(
	`(?is)\A\s*((?:INSERT|REPLACE)\b.+\bVALUES?\s*)` +
		`(\(\s*(?:%s|%\(.+\)s)\s*(?:,\s*(?:%s|%\(.+\)s)\s*)*\))` +
		`(\s*(?:ON DUPLICATE.*)?);?\s*\z`)

// Cursor executes statements on its connection and walks their result
// sets. A cursor owns the connection's current result; creating two
// cursors on one connection and interleaving them is a caller error.
//
// The zero value is not usable; get cursors from Connection.Cursor.
type Cursor struct {
	conn *Connection

	description []Description
	rownumber   int
	rowcount    int64
	arraysize   int
	lastrowid   uint64
	executed    bool
	result      *Result
	rows        []Row

	// unbuffered streams rows instead of reading them on execute.
	unbuffered bool

	// maxStmtLength bounds statements generated by Executemany.
	maxStmtLength int
}

// DictRow is a row keyed by column name. Duplicate names resolve to
// table.name for the later occurrences.
type DictRow map[string]interface{}

// DictCursor is a Cursor whose fetch methods return DictRow values.
type DictCursor struct {
	*Cursor
}

// Cursor returns a new cursor of the connection's default type. Both
// streaming variants are returned as plain cursors; use DictCursor
// for name-keyed rows.
func (conn *Connection) Cursor() *Cursor {
	switch conn.conf.Cursor {
	case CursorUnbuffered, CursorUnbufferedDict:
		return conn.UnbufferedCursor()
	default:
		return conn.BufferedCursor()
	}
}

// BufferedCursor returns a cursor that reads whole result sets on
// execute.
func (conn *Connection) BufferedCursor() *Cursor {
	return &Cursor{conn: conn, rowcount: -1, arraysize: 1, maxStmtLength: constant.MaxStmtLength}
}

// UnbufferedCursor returns a streaming cursor holding one row in
// memory at a time.
func (conn *Connection) UnbufferedCursor() *Cursor {
	c := conn.BufferedCursor()
	c.unbuffered = true
	return c
}

// DictCursor returns a buffered cursor with name-keyed rows.
func (conn *Connection) DictCursor() *DictCursor {
	return &DictCursor{conn.BufferedCursor()}
}

// UnbufferedDictCursor returns a streaming cursor with name-keyed
// rows.
func (conn *Connection) UnbufferedDictCursor() *DictCursor {
	return &DictCursor{conn.UnbufferedCursor()}
}

// Connection returns the cursor's connection, nil after Close.
func (c *Cursor) Connection() *Connection {
	return c.conn
}

// Description describes the columns of the current result set, nil
// for statements that return no rows.
func (c *Cursor) Description() []Description {
	return c.description
}

// Rowcount returns the number of rows the last execute produced or
// affected, -1 before the first execute and for streaming results
// whose end has not been reached.
func (c *Cursor) Rowcount() int64 {
	return c.rowcount
}

// Rownumber returns the 0-based cursor position in the result set.
func (c *Cursor) Rownumber() int {
	return c.rownumber
}

// LastRowID returns the AUTO_INCREMENT id of the last INSERT.
func (c *Cursor) LastRowID() uint64 {
	return c.lastrowid
}

// Arraysize returns the default Fetchmany batch size.
func (c *Cursor) Arraysize() int {
	return c.arraysize
}

// SetArraysize sets the default Fetchmany batch size.
func (c *Cursor) SetArraysize(n int) {
	if n > 0 {
		c.arraysize = n
	}
}

// Closed reports whether the cursor has been closed.
func (c *Cursor) Closed() bool {
	return c.conn == nil
}

// Close exhausts all remaining result data and detaches the cursor
// from its connection. Calling Close twice is a no-op.
func (c *Cursor) Close(ctx context.Context) error {
	conn := c.conn
	if conn == nil {
		return nil
	}
	defer func() { c.conn = nil }()

	for {
		more, err := c.NextSet(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (c *Cursor) db() (*Connection, error) {
	if c.conn == nil {
		return nil, err2.ErrCursorClosed
	}
	return c.conn, nil
}

func (c *Cursor) checkExecuted() error {
	if !c.executed {
		return err2.NewProgrammingError("execute() first")
	}
	return nil
}

// Execute renders the query with args substituted for %s placeholders
// and runs it. It returns the rowcount.
func (c *Cursor) Execute(ctx context.Context, query string, args ...interface{}) (int64, error) {
	conn, err := c.db()
	if err != nil {
		return -1, err
	}

	// Leave no unread result sets behind.
	for {
		more, err := c.NextSet(ctx)
		if err != nil {
			return -1, err
		}
		if !more {
			break
		}
	}

	if len(args) > 0 {
		query, err = c.mogrify(query, args)
		if err != nil {
			return -1, err
		}
	}

	if err := c.query(ctx, conn, query); err != nil {
		return -1, err
	}
	c.executed = true
	return c.rowcount, nil
}

// ExecuteMap renders %(name)s placeholders from a parameter map.
func (c *Cursor) ExecuteMap(ctx context.Context, query string, args map[string]interface{}) (int64, error) {
	conn, err := c.db()
	if err != nil {
		return -1, err
	}
	rendered, err := interpolateNamed(conn, query, args)
	if err != nil {
		return -1, err
	}
	return c.Execute(ctx, rendered)
}

// Executemany runs the query against every parameter set. For
// INSERT/REPLACE ... VALUES (...) statements the rows are packed into
// as few multi-row statements as fit under the statement size limit;
// everything else falls back to sequential Execute calls. It returns
// the total affected rows.
func (c *Cursor) Executemany(ctx context.Context, query string, argSets [][]interface{}) (int64, error) {
	if len(argSets) == 0 {
		return 0, nil
	}

	if m := reInsertValues.FindStringSubmatchIndex(query); m != nil {
		prefix := query[m[2]:m[3]]
		values := strings.TrimRight(query[m[4]:m[5]], " \t\n\r")
		suffix := query[m[6]:m[7]]
		return c.executeManyInsert(ctx, prefix, values, suffix, argSets)
	}

	var rows int64
	for _, args := range argSets {
		if _, err := c.Execute(ctx, query, args...); err != nil {
			return rows, err
		}
		rows += c.rowcount
	}
	c.rowcount = rows
	return rows, nil
}

func (c *Cursor) executeManyInsert(ctx context.Context, prefix, values, suffix string, argSets [][]interface{}) (int64, error) {
	var rows int64
	var sb strings.Builder
	sb.WriteString(prefix)

	flush := func() error {
		if suffix != "" {
			sb.WriteString(suffix)
		}
		if _, err := c.Execute(ctx, sb.String()); err != nil {
			return err
		}
		rows += c.rowcount
		sb.Reset()
		sb.WriteString(prefix)
		return nil
	}

	first := true
	for _, args := range argSets {
		row, err := c.mogrify(values, args)
		if err != nil {
			return rows, err
		}
		if !first && sb.Len()+len(row)+len(suffix)+1 > c.maxStmtLength {
			if err := flush(); err != nil {
				return rows, err
			}
			first = true
		}
		if !first {
			sb.WriteByte(',')
		}
		sb.WriteString(row)
		first = false
	}
	if err := flush(); err != nil {
		return rows, err
	}
	c.rowcount = rows
	return rows, nil
}

// CallProc binds each argument into a server variable
// @_<procname>_<i> and executes CALL procname(...). OUT and INOUT
// values are retrieved by the caller with a subsequent SELECT of the
// server variables; the procedure's trailing empty result set is
// walked with NextSet.
func (c *Cursor) CallProc(ctx context.Context, procname string, args ...interface{}) error {
	conn, err := c.db()
	if err != nil {
		return err
	}

	names := make([]string, len(args))
	for i, arg := range args {
		escaped, err := conn.Escape(arg)
		if err != nil {
			return err
		}
		name := "@_" + procname + "_" + strconv.Itoa(i)
		if err := c.query(ctx, conn, "SET "+name+"="+escaped); err != nil {
			return err
		}
		if _, err := c.NextSet(ctx); err != nil {
			return err
		}
		names[i] = name
	}

	q := "CALL " + procname + "(" + strings.Join(names, ",") + ")"
	if err := c.query(ctx, conn, q); err != nil {
		return err
	}
	c.executed = true
	return nil
}

// Fetchone returns the next row, or nil when the result set is
// exhausted.
func (c *Cursor) Fetchone(ctx context.Context) (Row, error) {
	if err := c.checkExecuted(); err != nil {
		return nil, err
	}
	if c.unbuffered {
		return c.fetchoneUnbuffered(ctx)
	}
	if c.rows == nil || c.rownumber >= len(c.rows) {
		return nil, nil
	}
	row := c.rows[c.rownumber]
	c.rownumber++
	return row, nil
}

func (c *Cursor) fetchoneUnbuffered(ctx context.Context) (Row, error) {
	conn, err := c.db()
	if err != nil {
		return nil, err
	}
	row, err := conn.ReadRowUnbuffered(ctx)
	if err != nil {
		return nil, err
	}
	if row == nil {
		c.rowcount = int64(c.rownumber)
		return nil, nil
	}
	c.rownumber++
	return row, nil
}

// Fetchmany returns up to size rows, defaulting to the arraysize.
func (c *Cursor) Fetchmany(ctx context.Context, size int) ([]Row, error) {
	if err := c.checkExecuted(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = c.arraysize
	}
	if c.unbuffered {
		var out []Row
		for len(out) < size {
			row, err := c.Fetchone(ctx)
			if err != nil {
				return out, err
			}
			if row == nil {
				break
			}
			out = append(out, row)
		}
		return out, nil
	}
	if c.rows == nil {
		return nil, nil
	}
	end := c.rownumber + size
	if end > len(c.rows) {
		end = len(c.rows)
	}
	out := c.rows[c.rownumber:end]
	c.rownumber = end
	return out, nil
}

// Fetchall returns every remaining row. On a streaming cursor the
// rows are pulled one at a time, not read into memory up front by the
// protocol layer.
func (c *Cursor) Fetchall(ctx context.Context) ([]Row, error) {
	if err := c.checkExecuted(); err != nil {
		return nil, err
	}
	if c.unbuffered {
		var out []Row
		for {
			row, err := c.Fetchone(ctx)
			if err != nil {
				return out, err
			}
			if row == nil {
				return out, nil
			}
			out = append(out, row)
		}
	}
	if c.rows == nil {
		return nil, nil
	}
	out := c.rows[c.rownumber:]
	c.rownumber = len(c.rows)
	return out, nil
}

// Scroll moves the cursor position. Buffered cursors support both
// modes; streaming cursors only move forward, by reading and
// discarding rows.
func (c *Cursor) Scroll(ctx context.Context, value int, mode string) error {
	if err := c.checkExecuted(); err != nil {
		return err
	}

	if c.unbuffered {
		var forward int
		switch mode {
		case ScrollRelative:
			if value < 0 {
				return err2.NewNotSupportedError("backwards scrolling not supported by this cursor")
			}
			forward = value
		case ScrollAbsolute:
			if value < c.rownumber {
				return err2.NewNotSupportedError("backwards scrolling not supported by this cursor")
			}
			forward = value - c.rownumber
		default:
			return err2.NewProgrammingError("unknown scroll mode %s", mode)
		}
		for i := 0; i < forward; i++ {
			row, err := c.Fetchone(ctx)
			if err != nil {
				return err
			}
			if row == nil {
				break
			}
		}
		return nil
	}

	var r int
	switch mode {
	case ScrollRelative:
		r = c.rownumber + value
	case ScrollAbsolute:
		r = value
	default:
		return err2.NewProgrammingError("unknown scroll mode %s", mode)
	}
	if r < 0 || r >= len(c.rows) {
		return err2.NewProgrammingError("scroll index out of range")
	}
	c.rownumber = r
	return nil
}

// NextSet advances to the next result set of the last command,
// returning false when there is none.
func (c *Cursor) NextSet(ctx context.Context) (bool, error) {
	conn, err := c.db()
	if err != nil {
		return false, err
	}
	current := c.result
	if current == nil || current != conn.result {
		return false, nil
	}
	if current.unbufferedActive {
		if err := conn.finishUnbuffered(); err != nil {
			return false, err
		}
	}
	if !current.HasNext {
		return false, nil
	}
	if err := conn.NextResult(ctx); err != nil {
		return false, err
	}
	c.doGetResult()
	return true, nil
}

func (c *Cursor) query(ctx context.Context, conn *Connection, q string) error {
	var err error
	if c.unbuffered {
		err = conn.QueryUnbuffered(ctx, q)
	} else {
		err = conn.Query(ctx, q)
	}
	if err != nil {
		return err
	}
	c.doGetResult()
	return nil
}

func (c *Cursor) doGetResult() {
	conn := c.conn
	c.rownumber = 0
	res := conn.result
	c.result = res
	if res.AffectedRows == math.MaxUint64 {
		c.rowcount = -1
	} else {
		c.rowcount = int64(res.AffectedRows)
	}
	c.description = res.descriptions()
	c.lastrowid = res.InsertID
	c.rows = res.Rows
}

// mogrify renders a query with positional %s placeholders. The
// placeholder count must match the argument count.
func (c *Cursor) mogrify(query string, args []interface{}) (string, error) {
	conn, err := c.db()
	if err != nil {
		return "", err
	}
	return interpolatePositional(conn, query, args)
}

func interpolatePositional(conn *Connection, query string, args []interface{}) (string, error) {
	var sb strings.Builder
	sb.Grow(len(query) + 16*len(args))

	next := 0
	i := 0
	for i < len(query) {
		ch := query[i]
		if ch != '%' {
			sb.WriteByte(ch)
			i++
			continue
		}
		if i+1 >= len(query) {
			return "", err2.NewProgrammingError("incomplete format string")
		}
		switch query[i+1] {
		case '%':
			sb.WriteByte('%')
			i += 2
		case 's':
			if next >= len(args) {
				return "", err2.NewProgrammingError("not enough arguments for format string")
			}
			escaped, err := conn.Escape(args[next])
			if err != nil {
				return "", err
			}
			sb.WriteString(escaped)
			next++
			i += 2
		default:
			return "", err2.NewProgrammingError("unsupported format character %q", query[i+1])
		}
	}
	if next != len(args) {
		return "", err2.NewProgrammingError("not all arguments converted during string formatting")
	}
	return sb.String(), nil
}

func interpolateNamed(conn *Connection, query string, args map[string]interface{}) (string, error) {
	var sb strings.Builder
	sb.Grow(len(query) + 16*len(args))

	i := 0
	for i < len(query) {
		ch := query[i]
		if ch != '%' {
			sb.WriteByte(ch)
			i++
			continue
		}
		if i+1 < len(query) && query[i+1] == '%' {
			sb.WriteByte('%')
			i += 2
			continue
		}
		if i+1 < len(query) && query[i+1] == '(' {
			end := strings.IndexByte(query[i+2:], ')')
			if end < 0 || i+2+end+1 >= len(query) || query[i+2+end+1] != 's' {
				return "", err2.NewProgrammingError("malformed named placeholder")
			}
			name := query[i+2 : i+2+end]
			value, ok := args[name]
			if !ok {
				return "", err2.NewProgrammingError("missing argument %q", name)
			}
			escaped, err := conn.Escape(value)
			if err != nil {
				return "", err
			}
			sb.WriteString(escaped)
			i = i + 2 + end + 2
			continue
		}
		return "", err2.NewProgrammingError("unsupported format character in query")
	}
	return sb.String(), nil
}

//
// DictCursor fetch methods.
//

func (c *DictCursor) fieldNames() []string {
	res := c.result
	if res == nil || len(res.Fields) == 0 {
		return nil
	}
	names := make([]string, len(res.Fields))
	seen := make(map[string]bool, len(res.Fields))
	for i, f := range res.Fields {
		name := f.Name
		if seen[name] && f.Table != "" {
			name = f.Table + "." + name
		}
		seen[f.Name] = true
		names[i] = name
	}
	return names
}

func (c *DictCursor) convRow(row Row) DictRow {
	if row == nil {
		return nil
	}
	names := c.fieldNames()
	out := make(DictRow, len(row))
	for i, v := range row {
		if i < len(names) {
			out[names[i]] = v
		}
	}
	return out
}

// Fetchone returns the next row keyed by column name, nil when the
// result set is exhausted.
func (c *DictCursor) Fetchone(ctx context.Context) (DictRow, error) {
	row, err := c.Cursor.Fetchone(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	return c.convRow(row), nil
}

// Fetchmany returns up to size rows keyed by column name.
func (c *DictCursor) Fetchmany(ctx context.Context, size int) ([]DictRow, error) {
	rows, err := c.Cursor.Fetchmany(ctx, size)
	if err != nil {
		return nil, err
	}
	out := make([]DictRow, len(rows))
	for i, row := range rows {
		out[i] = c.convRow(row)
	}
	return out, nil
}

// Fetchall returns every remaining row keyed by column name.
func (c *DictCursor) Fetchall(ctx context.Context) ([]DictRow, error) {
	rows, err := c.Cursor.Fetchall(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DictRow, len(rows))
	for i, row := range rows {
		out[i] = c.convRow(row)
	}
	return out, nil
}
