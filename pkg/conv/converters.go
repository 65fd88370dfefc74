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

// Package conv turns raw text protocol fields into native Go values.
// The decoder table is keyed by server type code; callers may install
// a modified copy per connection to override individual types.
package conv

import (
	"strconv"
	"strings"
	"time"

	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
)

// Decoder converts the raw bytes of one non-NULL field into a native
// value. The input is the field exactly as sent by the server (ASCII
// digits for numeric types).
type Decoder func(data []byte) (interface{}, error)

// Map is a decoder table keyed by server type code.
type Map map[constant.FieldType]Decoder

// Default returns a fresh copy of the default decoder table. Mutating
// the result does not affect other connections.
func Default() Map {
	m := make(Map, len(defaultDecoders))
	for k, v := range defaultDecoders {
		m[k] = v
	}
	return m
}

var defaultDecoders = Map{
	constant.FieldTypeTiny:       DecodeInt,
	constant.FieldTypeShort:      DecodeInt,
	constant.FieldTypeLong:       DecodeInt,
	constant.FieldTypeInt24:      DecodeInt,
	constant.FieldTypeLongLong:   DecodeInt,
	constant.FieldTypeYear:       DecodeInt,
	constant.FieldTypeFloat:      DecodeFloat,
	constant.FieldTypeDouble:     DecodeFloat,
	constant.FieldTypeDecimal:    DecodeDecimal,
	constant.FieldTypeNewDecimal: DecodeDecimal,
	constant.FieldTypeDate:       DecodeDate,
	constant.FieldTypeNewDate:    DecodeDate,
	constant.FieldTypeDateTime:   DecodeDateTime,
	constant.FieldTypeTimestamp:  DecodeDateTime,
	constant.FieldTypeTime:       DecodeTimeDelta,
	constant.FieldTypeBit:        DecodeBit,
}

// DecodeInt parses a decimal integer. Values beyond the int64 range
// (unsigned BIGINT) come back as uint64.
func DecodeInt(data []byte) (interface{}, error) {
	s := string(data)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	return nil, err2.NewDataError("invalid integer literal %q", s)
}

// DecodeFloat parses FLOAT and DOUBLE fields.
func DecodeFloat(data []byte) (interface{}, error) {
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return nil, err2.NewDataError("invalid float literal %q", string(data))
	}
	return v, nil
}

// DecodeDecimal keeps the exact decimal representation as a string so
// no precision is lost. Callers needing arithmetic parse it with the
// decimal package of their choice.
func DecodeDecimal(data []byte) (interface{}, error) {
	return string(data), nil
}

// DecodeBit returns the raw bit field bytes.
func DecodeBit(data []byte) (interface{}, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// DecodeDate parses DATE fields. Zero dates and otherwise invalid
// values fall back to the literal string, matching the lenient
// behavior of the classic client libraries.
func DecodeDate(data []byte) (interface{}, error) {
	s := string(data)
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return s, nil
	}
	return t, nil
}

// DecodeDateTime parses DATETIME and TIMESTAMP fields with up to
// microsecond precision.
func DecodeDateTime(data []byte) (interface{}, error) {
	s := string(data)
	layout := "2006-01-02 15:04:05"
	if strings.ContainsRune(s, '.') {
		layout = "2006-01-02 15:04:05.999999"
	}
	t, err := time.ParseInLocation(layout, s, time.Local)
	if err != nil {
		return s, nil
	}
	return t, nil
}

// DecodeTimeDelta parses TIME fields ([-][H]HH:MM:SS[.ffffff]) into a
// time.Duration. Hours may exceed 24.
func DecodeTimeDelta(data []byte) (interface{}, error) {
	s := string(data)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return string(data), nil
	}
	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return string(data), nil
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return string(data), nil
	}
	secPart := parts[2]
	frac := time.Duration(0)
	if idx := strings.IndexByte(secPart, '.'); idx >= 0 {
		fracStr := secPart[idx+1:]
		secPart = secPart[:idx]
		for len(fracStr) < 6 {
			fracStr += "0"
		}
		micros, err := strconv.ParseInt(fracStr[:6], 10, 64)
		if err != nil {
			return string(data), nil
		}
		frac = time.Duration(micros) * time.Microsecond
	}
	seconds, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return string(data), nil
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second + frac
	if neg {
		d = -d
	}
	return d, nil
}
