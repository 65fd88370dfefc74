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
	"github.com/lunarisdb/mypool/pkg/charset"
	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/misc"
)

// decodeTextRow turns one text protocol row packet into native values.
// Fields are length-encoded byte strings or the NULL marker; each
// non-NULL field goes through the decoder registered for its type.
// Text types without a decoder are converted from the column character
// set (binary columns, or all of them when UseUnicode is off, stay raw
// bytes); any other type without a decoder is returned as a string.
func (conn *Connection) decodeTextRow(data []byte, fields []*Field) (Row, error) {
	row := make(Row, len(fields))
	pos := 0
	for i, field := range fields {
		val, isNull, next, ok := misc.ReadLenEncField(data, pos)
		if !ok {
			return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState,
				"decoding field %v (%s) failed", i, field.Name)
		}
		pos = next
		if isNull {
			row[i] = nil
			continue
		}

		decoded, err := conn.decodeField(val, field)
		if err != nil {
			return nil, err
		}
		row[i] = decoded
	}
	if pos != len(data) {
		return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState,
			"%v leftover bytes after decoding row", len(data)-pos)
	}
	return row, nil
}

func (conn *Connection) decodeField(val []byte, field *Field) (interface{}, error) {
	if decoder, ok := conn.decoders[field.FieldType]; ok && decoder != nil {
		return decoder(val)
	}

	if field.FieldType.IsTextType() {
		if field.IsBinary() || !conn.conf.UseUnicode {
			out := make([]byte, len(val))
			copy(out, val)
			return out, nil
		}
		cs := charset.ByID(uint8(field.CharSet))
		if cs == nil {
			cs = conn.charset
		}
		s, err := cs.Decode(val)
		if err != nil {
			return nil, err2.NewDataError("cannot decode column %s: %v", field.Name, err)
		}
		return s, nil
	}

	// Anything else comes back as its literal string form.
	return string(val), nil
}
