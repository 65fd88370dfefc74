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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/misc"
)

// Escape renders a parameter value as a SQL literal, quoted and
// escaped according to the session's escaping mode.
func (conn *Connection) Escape(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return "'" + conn.EscapeString(v) + "'", nil
	case []byte:
		return "_binary'" + misc.EscapeBytes(v) + "'", nil
	case time.Time:
		if v.IsZero() {
			return "'0000-00-00'", nil
		}
		layout := "2006-01-02 15:04:05"
		if v.Nanosecond() != 0 {
			layout = "2006-01-02 15:04:05.000000"
		}
		return "'" + v.In(conn.conf.Loc).Format(layout) + "'", nil
	case time.Duration:
		return "'" + formatDuration(v) + "'", nil
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			escaped, err := conn.Escape(item)
			if err != nil {
				return "", err
			}
			parts[i] = escaped
		}
		return "(" + strings.Join(parts, ",") + ")", nil
	case fmt.Stringer:
		return "'" + conn.EscapeString(v.String()) + "'", nil
	default:
		return "", err2.NewProgrammingError("cannot escape parameter of type %T", value)
	}
}

// EscapeString escapes s for inclusion in a single quoted literal,
// honoring the session NO_BACKSLASH_ESCAPES mode. The result is not
// quoted.
func (conn *Connection) EscapeString(s string) string {
	if conn.serverStatus&constant.ServerStatusNoBackslashEscapes != 0 {
		return misc.EscapeStringQuote(s)
	}
	return misc.EscapeString(s)
}

// formatDuration renders a time.Duration as a MySQL TIME literal.
func formatDuration(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	micros := d / time.Microsecond
	if micros > 0 {
		return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, hours, minutes, seconds, micros)
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, hours, minutes, seconds)
}
