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

package misc

import "strings"

// EscapeString backslash-escapes the characters the server treats
// specially inside a single-quoted literal. The result is NOT quoted.
func EscapeString(input string) string {
	var sb strings.Builder
	sb.Grow(len(input) + 8)
	WriteEscaped(&sb, input)
	return sb.String()
}

// WriteEscaped appends the backslash-escaped form of input to sb.
func WriteEscaped(sb *strings.Builder, input string) {
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch c {
		case 0:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0x1a:
			sb.WriteString(`\Z`)
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteByte(c)
		}
	}
}

// EscapeStringQuote doubles single quotes, the only escaping the
// server accepts when NO_BACKSLASH_ESCAPES is active. The result is
// NOT quoted.
func EscapeStringQuote(input string) string {
	return strings.ReplaceAll(input, "'", "''")
}

// EscapeBytes escapes a binary string for inclusion in a
// _binary'...' literal.
func EscapeBytes(input []byte) string {
	var sb strings.Builder
	sb.Grow(len(input) + 8)
	for _, c := range input {
		switch c {
		case 0:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0x1a:
			sb.WriteString(`\Z`)
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// ReadBool parses the relaxed boolean spellings accepted in DSN
// parameters and option files.
func ReadBool(input string) (value bool, valid bool) {
	switch input {
	case "1", "true", "TRUE", "True", "on", "ON":
		return true, true
	case "0", "false", "FALSE", "False", "off", "OFF":
		return false, true
	}
	return false, false
}
