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

package packet

import (
	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/misc"
)

// OK is the parsed form of an OK packet (or of the OK packet with EOF
// header that terminates a result set when DEPRECATE_EOF is on).
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Info         string
}

// HasMoreResults reports whether another result set follows.
func (ok *OK) HasMoreResults() bool {
	return ok.StatusFlags&constant.ServerMoreResultsExists != 0
}

// IsOKPacket determines whether the packet is an OK packet.
func IsOKPacket(data []byte) bool {
	return len(data) > 0 && data[0] == constant.OKPacket
}

// IsEOFPacket determines whether or not a data packet is a "true" EOF. DO NOT
// blindly compare the first byte of a packet to EOFPacket as you might do for
// other packet types, as 0xfe is overloaded as a first byte.
//
// Per https://dev.mysql.com/doc/internals/en/packet-EOF_Packet.html, a packet
// starting with 0xfe but having length >= 9 is not a true EOF but a
// LengthEncodedInteger, so all EOF checks must validate the payload size.
func IsEOFPacket(data []byte) bool {
	return len(data) > 0 && data[0] == constant.EOFPacket && len(data) < 9
}

// IsErrorPacket determines whether or not the packet is an error packet.
func IsErrorPacket(data []byte) bool {
	return len(data) > 0 && data[0] == constant.ErrPacket
}

// IsLocalInfilePacket determines whether the packet asks the client to
// stream a local file.
func IsLocalInfilePacket(data []byte) bool {
	return len(data) > 0 && data[0] == constant.LocalInfilePacket
}

// ParseOKPacket parses an OK packet. The same layout applies to the
// EOF-headered OK packet sent when DEPRECATE_EOF is negotiated.
func ParseOKPacket(data []byte) (*OK, error) {
	// We already read the type.
	pos := 1

	affectedRows, pos, ok := misc.ReadLenEncInt(data, pos)
	if !ok {
		return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "invalid OK packet affectedRows: %v", data)
	}

	lastInsertID, pos, ok := misc.ReadLenEncInt(data, pos)
	if !ok {
		return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "invalid OK packet lastInsertID: %v", data)
	}

	statusFlags, pos, ok := misc.ReadUint16(data, pos)
	if !ok {
		return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "invalid OK packet statusFlags: %v", data)
	}

	warnings, pos, ok := misc.ReadUint16(data, pos)
	if !ok {
		return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "invalid OK packet warnings: %v", data)
	}

	// Whatever remains is the human readable info string.
	var info string
	if pos < len(data) {
		info, _, _ = misc.ReadEOFString(data, pos)
	}

	return &OK{
		AffectedRows: affectedRows,
		LastInsertID: lastInsertID,
		StatusFlags:  statusFlags,
		Warnings:     warnings,
		Info:         info,
	}, nil
}

// ParseEOFPacket returns the warning count and status flags of a
// pre-DEPRECATE_EOF terminator packet.
func ParseEOFPacket(data []byte) (warnings uint16, statusFlags uint16, err error) {
	// The warning count is in position 2 & 3.
	warnings, _, _ = misc.ReadUint16(data, 1)

	// The status flags are in position 4 & 5.
	statusFlags, _, ok := misc.ReadUint16(data, 3)
	if !ok {
		return 0, 0, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "invalid EOF packet statusFlags: %v", data)
	}
	return warnings, statusFlags, nil
}

// ParseErrorPacket parses the error packet and returns a SQLError.
func ParseErrorPacket(data []byte) error {
	// We already read the type.
	pos := 1

	// Error code is 2 bytes.
	code, pos, ok := misc.ReadUint16(data, pos)
	if !ok {
		return err2.NewSQLError(constant.CRUnknownError, constant.SSUnknownSQLState, "invalid error packet code: %v", data)
	}

	// '#' marker of the SQL state is 1 byte. Ignored.
	pos++

	// SQL state is 5 bytes.
	sqlState, pos, ok := misc.ReadBytes(data, pos, 5)
	if !ok {
		return err2.NewSQLError(constant.CRUnknownError, constant.SSUnknownSQLState, "invalid error packet sqlState: %v", data)
	}

	// Human readable error message is the rest.
	msg := string(data[pos:])

	return err2.NewSQLError(int(code), string(sqlState), "%v", msg)
}
