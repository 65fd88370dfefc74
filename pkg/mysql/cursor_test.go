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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	err2 "github.com/lunarisdb/mypool/pkg/errors"
)

func TestInterpolatePositional(t *testing.T) {
	conn := testConn(t)

	got, err := interpolatePositional(conn, "SELECT * FROM t WHERE a = %s AND b = %s", []interface{}{1, "x"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = 1 AND b = 'x'", got)

	got, err = interpolatePositional(conn, "SELECT '100%%' LIKE %s", []interface{}{"100%"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT '100%' LIKE '100%'", got)
}

func TestInterpolatePositionalCountMismatch(t *testing.T) {
	conn := testConn(t)

	_, err := interpolatePositional(conn, "SELECT %s, %s", []interface{}{1})
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))

	_, err = interpolatePositional(conn, "SELECT %s", []interface{}{1, 2})
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))
}

func TestInterpolateNamed(t *testing.T) {
	conn := testConn(t)

	got, err := interpolateNamed(conn, "UPDATE t SET v = %(v)s WHERE id = %(id)s",
		map[string]interface{}{"v": "a", "id": 3})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE t SET v = 'a' WHERE id = 3", got)

	_, err = interpolateNamed(conn, "SELECT %(missing)s", map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))
}

func TestInsertValuesPattern(t *testing.T) {
	match := []string{
		"INSERT INTO t (a, b) VALUES (%s, %s)",
		"insert into t values (%s)",
		"REPLACE INTO t VALUES (%s, %s)",
		"INSERT INTO t (a) VALUES (%s) ON DUPLICATE KEY UPDATE a = a",
		"INSERT INTO t (a) VALUE (%s)",
		"INSERT INTO t (name) VALUES (%(name)s)",
		"  INSERT INTO t VALUES (%s);  ",
	}
	for _, q := range match {
		assert.NotNil(t, reInsertValues.FindStringSubmatchIndex(q), q)
	}

	noMatch := []string{
		"UPDATE t SET a = %s",
		"INSERT INTO t (a) VALUES (1)",
		"SELECT * FROM t WHERE a = %s",
		"INSERT INTO t SELECT * FROM s",
	}
	for _, q := range noMatch {
		assert.Nil(t, reInsertValues.FindStringSubmatchIndex(q), q)
	}
}

func TestInsertValuesPatternGroups(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (%s, %s) ON DUPLICATE KEY UPDATE b = 0"
	m := reInsertValues.FindStringSubmatchIndex(q)
	require.NotNil(t, m)
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ", q[m[2]:m[3]])
	assert.Equal(t, "(%s, %s)", q[m[4]:m[5]])
	assert.Equal(t, " ON DUPLICATE KEY UPDATE b = 0", q[m[6]:m[7]])
}

func TestCursorRequiresExecute(t *testing.T) {
	conn := testConn(t)
	c := conn.BufferedCursor()

	_, err := c.Fetchone(nil)
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))

	err = c.Scroll(nil, 1, ScrollRelative)
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))
}

func TestClosedCursor(t *testing.T) {
	c := &Cursor{}
	_, err := c.Execute(nil, "SELECT 1")
	require.Error(t, err)
	assert.True(t, err2.IsKind(err, err2.KindProgramming))
	assert.True(t, c.Closed())
}
