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
	"net"
	"strings"
	"time"

	"github.com/lunarisdb/mypool/pkg/charset"
	"github.com/lunarisdb/mypool/pkg/constant"
	"github.com/lunarisdb/mypool/pkg/conv"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/log"
	"github.com/lunarisdb/mypool/pkg/misc"
	"github.com/lunarisdb/mypool/pkg/packet"
)

// Connection is a client connection to a MySQL server, speaking the
// text protocol. At most one command may be in flight at a time; the
// read buffer must be empty between commands.
//
// A Connection is not safe for concurrent use. Callers multiplex
// through a pool, which hands each goroutine exclusive ownership.
type Connection struct {
	*Conn

	conf *Config

	// capabilities is the set of features both sides support and
	// that this connection is using. Set during the handshake.
	capabilities uint32

	serverVersion      string
	serverCapabilities uint32
	serverCharsetID    uint8

	charset  *charset.Charset
	decoders conv.Map

	// serverStatus mirrors the status flags of the most recent
	// OK/EOF packet.
	serverStatus uint16

	// result is the outcome of the most recent command.
	result *Result

	// lastUsage feeds the pool's recycle check.
	lastUsage time.Time

	// salt of the current auth exchange.
	salt []byte
}

// Connect opens a connection and performs the full handshake,
// including the post-connect session setup (sql_mode, init_command,
// autocommit).
func Connect(ctx context.Context, conf *Config) (*Connection, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}

	// Each connection owns its options; SelectDB and SetCharset
	// mutate them without affecting sibling connections.
	conn := &Connection{conf: conf.Clone()}
	if err := conn.connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (conn *Connection) connect(ctx context.Context) error {
	if conn.conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.conf.Timeout)
		defer cancel()
	}

	typ := conn.conf.Net
	addr := conn.conf.Addr
	if conn.conf.UnixSocket != "" {
		typ = "unix"
		addr = conn.conf.UnixSocket
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, typ, addr)
	if err != nil {
		return err2.NewSQLError(constant.CRConnHostError, constant.SSUnknownSQLState,
			"cannot connect to MySQL server on %s (%v)", addr, err)
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		// SetNoDelay controls whether the operating system should delay packet
		// transmission in hopes of sending fewer packets (Nagle's algorithm).
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
	}

	conn.Conn = NewConn(netConn)
	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())

	conn.charset, err = charset.ByName(conn.conf.Charset)
	if err != nil {
		return err
	}
	conn.decoders = conn.conf.Conv
	if conn.decoders == nil {
		conn.decoders = conv.Default()
	}

	if err := conn.clientHandshake(ctx); err != nil {
		conn.Close()
		return err
	}

	return conn.setupSession(ctx)
}

// setupSession applies the configured session state after a
// successful handshake.
func (conn *Connection) setupSession(ctx context.Context) error {
	if conn.conf.SQLMode != "" {
		mode, err := conn.Escape(conn.conf.SQLMode)
		if err != nil {
			return err
		}
		if err := conn.Query(ctx, "SET sql_mode="+mode); err != nil {
			return err
		}
	}
	if conn.conf.InitCommand != "" {
		if err := conn.Query(ctx, conn.conf.InitCommand); err != nil {
			return err
		}
		if err := conn.Commit(ctx); err != nil {
			return err
		}
	}
	// Only issue SET AUTOCOMMIT when the server default disagrees.
	if conn.conf.Autocommit != conn.GetAutocommit() {
		if err := conn.Autocommit(ctx, conn.conf.Autocommit); err != nil {
			return err
		}
	}
	conn.lastUsage = time.Now()
	return nil
}

func (conn *Connection) clientHandshake(ctx context.Context) error {
	// Wait for the server initial handshake packet, and parse it.
	data, err := conn.ReadPacket()
	if err != nil {
		return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "initial packet read failed: %v", err)
	}
	capabilities, salt, plugin, err := conn.parseInitialHandshakePacket(data)
	if err != nil {
		return err
	}
	conn.serverCapabilities = capabilities
	conn.salt = salt
	if plugin == "" {
		plugin = constant.MysqlNativePassword
	}
	if conn.conf.AuthPlugin != "" {
		plugin = conn.conf.AuthPlugin
	}

	conn.capabilities = conn.clientFlags(capabilities)

	// TLS, if requested and available.
	if conn.conf.tls != nil {
		if capabilities&constant.CapabilityClientSSL == 0 {
			return err2.NewSQLError(constant.CRSSLConnectionError, constant.SSUnknownSQLState,
				"server does not support TLS")
		}
		conn.capabilities |= constant.CapabilityClientSSL
		if err := conn.writeSSLRequest(); err != nil {
			return err
		}
		if err := conn.startTLS(ctx, conn.conf.tls); err != nil {
			return err2.NewSQLError(constant.CRSSLConnectionError, constant.SSUnknownSQLState, "%v", err)
		}
	}

	authResp, err := conn.scramble(salt, plugin)
	if err != nil {
		return err
	}

	if err := conn.writeHandshakeResponse41(authResp, plugin); err != nil {
		return err
	}

	// Handle the response to the auth packet, switching plugins and
	// exchanging more data as the server demands.
	if err := conn.handleAuthResult(salt, plugin); err != nil {
		// Authentication failed and MySQL has already closed the
		// connection. Do not send COM_QUIT, just surface the error.
		return err
	}

	// If the server didn't support CONNECT_WITH_DB, select the
	// database now. This is what the 'mysql' client does.
	if conn.capabilities&constant.CapabilityClientConnectWithDB == 0 && conn.conf.DBName != "" {
		if err := conn.SelectDB(ctx, conn.conf.DBName); err != nil {
			return err
		}
	}

	return nil
}

// clientFlags computes the capability set we announce, given what the
// server offered.
func (conn *Connection) clientFlags(serverCapabilities uint32) uint32 {
	var flags uint32 = constant.CapabilityClientLongPassword |
		constant.CapabilityClientLongFlag |
		constant.CapabilityClientProtocol41 |
		constant.CapabilityClientTransactions |
		constant.CapabilityClientSecureConnection |
		constant.CapabilityClientMultiStatements |
		constant.CapabilityClientMultiResults |
		constant.CapabilityClientPluginAuth |
		constant.CapabilityClientPluginAuthLenencClientData |
		// If the server supports CapabilityClientDeprecateEOF,
		// we also support it.
		serverCapabilities&constant.CapabilityClientDeprecateEOF

	if conn.conf.ClientFoundRows {
		flags |= constant.CapabilityClientFoundRows
	}
	if conn.conf.LocalInfile {
		flags |= constant.CapabilityClientLocalFiles
	}
	if conn.conf.DBName != "" && serverCapabilities&constant.CapabilityClientConnectWithDB != 0 {
		flags |= constant.CapabilityClientConnectWithDB
	}
	if conn.conf.ProgramName != "" && serverCapabilities&constant.CapabilityClientConnectAttrs != 0 {
		flags |= constant.CapabilityClientConnectAttrs
	}

	// Extra flags requested by the caller, masked to what the server
	// actually offers.
	flags |= conn.conf.ClientFlag & serverCapabilities

	return flags
}

// parseInitialHandshakePacket parses the initial handshake from the
// server. It returns the server capabilities, the full auth plugin
// seed and the announced plugin name.
func (conn *Connection) parseInitialHandshakePacket(data []byte) (uint32, []byte, string, error) {
	pos := 0

	// Protocol version.
	pver, pos, ok := misc.ReadByte(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRVersionError, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no protocol version")
	}

	// Server is allowed to immediately send ERR packet.
	if pver == constant.ErrPacket {
		errorCode, pos, _ := misc.ReadUint16(data, pos)
		// Normally there would be a 1-byte sql_state_marker field and a 5-byte
		// sql_state field here, but docs say these will not be present in this case.
		errorMsg, _, _ := misc.ReadEOFString(data, pos)
		return 0, nil, "", err2.NewSQLError(constant.CRServerHandshakeErr, constant.SSUnknownSQLState, "immediate error from server errorCode=%v errorMsg=%v", errorCode, errorMsg)
	}

	if pver != constant.ProtocolVersion {
		return 0, nil, "", err2.NewSQLError(constant.CRVersionError, constant.SSUnknownSQLState, "bad protocol version: %v", pver)
	}

	// Read the server version.
	conn.serverVersion, pos, ok = misc.ReadNullString(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no server version")
	}

	// Read the connection id.
	conn.ConnectionID, pos, ok = misc.ReadUint32(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no connection id")
	}

	// Read the first part of the auth-plugin-data.
	authPluginData, pos, ok := misc.ReadBytesCopy(data, pos, 8)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no auth-plugin-data-part-1")
	}

	// One byte filler, 0. We don't really care about the value.
	_, pos, ok = misc.ReadByte(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no filler")
	}

	// Lower 2 bytes of the capability flags.
	capLower, pos, ok := misc.ReadUint16(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no capability flags (lower 2 bytes)")
	}
	var capabilities = uint32(capLower)

	// The packet can end here.
	if pos == len(data) {
		return capabilities, authPluginData, "", nil
	}

	// Character set.
	characterSet, pos, ok := misc.ReadByte(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no character set")
	}
	conn.serverCharsetID = characterSet

	// Status flags.
	status, pos, ok := misc.ReadUint16(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no status flags")
	}
	conn.serverStatus = status

	// Upper 2 bytes of the capability flags.
	capUpper, pos, ok := misc.ReadUint16(data, pos)
	if !ok {
		return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no capability flags (upper 2 bytes)")
	}
	capabilities += uint32(capUpper) << 16

	// Length of auth-plugin-data, or 0.
	// Only with CLIENT_PLUGIN_AUTH capability.
	var authPluginDataLength byte
	if capabilities&constant.CapabilityClientPluginAuth != 0 {
		authPluginDataLength, pos, ok = misc.ReadByte(data, pos)
		if !ok {
			return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no length of auth-plugin-data")
		}
	} else {
		// One byte filler, 0. We don't really care about the value.
		_, pos, ok = misc.ReadByte(data, pos)
		if !ok {
			return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no length of auth-plugin-data filler")
		}
	}

	// 10 reserved 0 bytes.
	pos += 10

	if capabilities&constant.CapabilityClientSecureConnection != 0 {
		// The next part of the auth-plugin-data.
		// The length is max(13, length of auth-plugin-data - 8).
		l := int(authPluginDataLength) - 8
		if l < 13 {
			l = 13
		}
		var authPluginDataPart2 []byte
		authPluginDataPart2, pos, ok = misc.ReadBytes(data, pos, l)
		if !ok {
			return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: packet has no auth-plugin-data-part-2")
		}

		// The last byte has to be 0, and is not part of the data.
		if authPluginDataPart2[l-1] != 0 {
			return 0, nil, "", err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "parseInitialHandshakePacket: auth-plugin-data-part-2 is not 0 terminated")
		}
		authPluginData = append(authPluginData, authPluginDataPart2[0:l-1]...)
	}

	// Auth-plugin name.
	if capabilities&constant.CapabilityClientPluginAuth != 0 {
		authPluginName, _, ok := misc.ReadNullString(data, pos)
		if !ok {
			// Fallback for versions prior to 5.5.10 and
			// 5.6.2 that don't have a null terminated string.
			authPluginName = string(data[pos : len(data)-1])
		}

		return capabilities, authPluginData, authPluginName, nil
	}

	return capabilities, authPluginData, constant.MysqlNativePassword, nil
}

// writeSSLRequest sends the truncated handshake response asking to
// upgrade the stream: capabilities, max-packet and charset only.
func (conn *Connection) writeSSLRequest() error {
	data := make([]byte, 32)
	pos := 0
	pos = misc.WriteUint32(data, pos, conn.capabilities)
	pos = misc.WriteUint32(data, pos, constant.MaxPacketSize)
	pos = misc.WriteByte(data, pos, conn.charset.ID)
	misc.WriteZeroes(data, pos, 23)

	if err := conn.WritePacket(data); err != nil {
		return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "cannot send SSL request: %v", err)
	}
	return nil
}

// writeHandshakeResponse41 writes the handshake response.
func (conn *Connection) writeHandshakeResponse41(scrambledPassword []byte, plugin string) error {
	attrs := conn.connAttrs()

	length :=
		4 + // Client capability flags.
			4 + // Max-packet size.
			1 + // Character set.
			23 + // Reserved.
			misc.LenNullString(conn.conf.User) +
			// length of scrambled password is handled below.
			len(scrambledPassword) +
			misc.LenNullString(plugin)

	if conn.capabilities&constant.CapabilityClientConnectWithDB != 0 {
		length += misc.LenNullString(conn.conf.DBName)
	}

	if conn.serverCapabilities&constant.CapabilityClientPluginAuthLenencClientData != 0 {
		length += misc.LenEncIntSize(uint64(len(scrambledPassword)))
	} else {
		length++
	}
	if conn.capabilities&constant.CapabilityClientConnectAttrs != 0 {
		length += misc.LenEncIntSize(uint64(len(attrs))) + len(attrs)
	}

	data := make([]byte, length)
	pos := 0

	// Client capability flags.
	pos = misc.WriteUint32(data, pos, conn.capabilities)

	// Max-packet size.
	pos = misc.WriteUint32(data, pos, constant.MaxPacketSize)

	// Character set.
	pos = misc.WriteByte(data, pos, conn.charset.ID)

	// 23 reserved bytes, all 0.
	pos = misc.WriteZeroes(data, pos, 23)

	// Username.
	pos = misc.WriteNullString(data, pos, conn.conf.User)

	// Scrambled password. The length is encoded as variable length if
	// CapabilityClientPluginAuthLenencClientData is set.
	if conn.serverCapabilities&constant.CapabilityClientPluginAuthLenencClientData != 0 {
		pos = misc.WriteLenEncInt(data, pos, uint64(len(scrambledPassword)))
	} else {
		data[pos] = byte(len(scrambledPassword))
		pos++
	}
	pos += copy(data[pos:], scrambledPassword)

	// DBName, only if the server supports it.
	if conn.capabilities&constant.CapabilityClientConnectWithDB != 0 {
		pos = misc.WriteNullString(data, pos, conn.conf.DBName)
	}

	// Auth plugin name.
	pos = misc.WriteNullString(data, pos, plugin)

	// Connection attributes.
	if conn.capabilities&constant.CapabilityClientConnectAttrs != 0 {
		pos = misc.WriteLenEncInt(data, pos, uint64(len(attrs)))
		pos += copy(data[pos:], attrs)
	}

	// Sanity-check the length.
	if pos != len(data) {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "writeHandshakeResponse41: only packed %v bytes, out of %v allocated", pos, len(data))
	}

	if err := conn.WritePacket(data); err != nil {
		return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "cannot send HandshakeResponse41: %v", err)
	}
	return nil
}

// connAttrs renders the connection attribute key/value block.
func (conn *Connection) connAttrs() []byte {
	if conn.conf.ProgramName == "" {
		return nil
	}
	pairs := [][2]string{
		{"_client_name", "mypool"},
		{"program_name", conn.conf.ProgramName},
	}
	size := 0
	for _, kv := range pairs {
		size += misc.LenEncStringSize(kv[0]) + misc.LenEncStringSize(kv[1])
	}
	data := make([]byte, size)
	pos := 0
	for _, kv := range pairs {
		pos = misc.WriteLenEncString(data, pos, kv[0])
		pos = misc.WriteLenEncString(data, pos, kv[1])
	}
	return data
}

//
// Command dispatch.
//

// execCommand starts a new command: it verifies the connection is
// usable, finishes any active streaming result so the read buffer is
// empty, resets the shared sequence counter and sends the command
// packet.
func (conn *Connection) execCommand(com byte, arg []byte) error {
	if conn.Conn == nil || conn.IsClosed() {
		return err2.NewSQLErrorKind(err2.KindInterface, "not connected")
	}

	// If the last query was unbuffered, make sure it finishes before
	// sending new commands.
	if conn.result != nil && conn.result.unbufferedActive {
		if err := conn.finishUnbuffered(); err != nil {
			return err
		}
	}

	// This is a new command, need to reset the sequence.
	conn.ResetSequence()

	data := make([]byte, len(arg)+1)
	data[0] = com
	copy(data[1:], arg)
	if err := conn.WritePacket(data); err != nil {
		conn.Close()
		return err2.NewSQLError(constant.CRServerGone, constant.SSUnknownSQLState, "%v", err)
	}
	conn.lastUsage = time.Now()
	return nil
}

// Query executes sql and buffers the full result set.
func (conn *Connection) Query(ctx context.Context, sql string) error {
	return conn.query(ctx, sql, false)
}

// QueryUnbuffered executes sql and leaves the rows on the wire, to be
// pulled one at a time with ReadRowUnbuffered.
func (conn *Connection) QueryUnbuffered(ctx context.Context, sql string) error {
	return conn.query(ctx, sql, true)
}

func (conn *Connection) query(ctx context.Context, sql string, unbuffered bool) error {
	if conn.conf.Echo {
		log.Infof("query: %s", sql)
	}
	raw, err := conn.charset.Encode(sql)
	if err != nil {
		return err2.NewDataError("cannot encode query: %v", err)
	}
	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())
	if err := conn.execCommand(constant.ComQuery, raw); err != nil {
		return annotateQuery(err, sql)
	}
	if err := conn.readQueryResult(unbuffered); err != nil {
		return annotateQuery(err, sql)
	}
	return nil
}

func annotateQuery(err error, sql string) error {
	if se, ok := err.(*err2.SQLError); ok && se.Query == "" {
		se.Query = sql
	}
	return err
}

// NextResult advances to the next result set of a multi-statement or
// stored procedure response.
func (conn *Connection) NextResult(ctx context.Context) error {
	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())
	return conn.readQueryResult(false)
}

// readQueryResult drives the response state machine of a COM_QUERY
// (or follow-up result set): OK, ERR, LOCAL INFILE request, or column
// count followed by definitions and rows.
func (conn *Connection) readQueryResult(unbuffered bool) error {
	data, err := conn.readPacketOrClose()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "invalid empty COM_QUERY response packet")
	}

	switch {
	case packet.IsOKPacket(data):
		ok, err := packet.ParseOKPacket(data)
		if err != nil {
			return err
		}
		conn.applyOK(ok)
		return nil

	case packet.IsErrorPacket(data):
		return packet.ParseErrorPacket(data)

	case packet.IsLocalInfilePacket(data):
		return conn.handleLocalInfile(string(data[1:]))
	}

	// A result set. The packet is the length-encoded column count.
	n, pos, ok := misc.ReadLenEncInt(data, 0)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "cannot get column number")
	}
	if pos != len(data) {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extra data in COM_QUERY response")
	}

	res := &Result{Fields: make([]*Field, 0, n)}
	for i := 0; i < int(n); i++ {
		field := &Field{}
		if err := conn.readColumnDefinition(field, i); err != nil {
			return err
		}
		res.Fields = append(res.Fields, field)
	}

	if conn.capabilities&constant.CapabilityClientDeprecateEOF == 0 {
		// EOF is only present here if it's not deprecated.
		data, err := conn.readPacketOrClose()
		if err != nil {
			return err
		}
		switch {
		case packet.IsEOFPacket(data):
			// This is what we expect. Warnings and status flags
			// are carried by the terminator after the rows.
		case packet.IsErrorPacket(data):
			return packet.ParseErrorPacket(data)
		default:
			return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "unexpected packet after fields: %v", data)
		}
	}

	if unbuffered {
		// Emulating the classic client libraries, an unbuffered
		// result reports the maximum possible affected rows until
		// the terminator has been seen.
		res.AffectedRows = math.MaxUint64
		res.unbufferedActive = true
		conn.result = res
		return nil
	}

	for {
		row, done, err := conn.readRowPacket(res)
		if err != nil {
			return err
		}
		if done {
			break
		}
		res.Rows = append(res.Rows, row)
	}
	res.AffectedRows = uint64(len(res.Rows))
	conn.result = res
	return nil
}

// readRowPacket reads one row packet for res. done is true when the
// packet was the result set terminator; its status flags have then
// been folded into res and the connection.
func (conn *Connection) readRowPacket(res *Result) (Row, bool, error) {
	data, err := conn.readPacketOrClose()
	if err != nil {
		return nil, false, err
	}

	switch {
	case packet.IsEOFPacket(data):
		if conn.capabilities&constant.CapabilityClientDeprecateEOF != 0 {
			// The terminator is an OK packet with an EOF header.
			ok, err := packet.ParseOKPacket(data)
			if err != nil {
				return nil, false, err
			}
			res.WarningCount = ok.Warnings
			res.ServerStatus = ok.StatusFlags
			res.Message = ok.Info
		} else {
			warnings, status, err := packet.ParseEOFPacket(data)
			if err != nil {
				return nil, false, err
			}
			res.WarningCount = warnings
			res.ServerStatus = status
		}
		res.HasNext = res.ServerStatus&constant.ServerMoreResultsExists != 0
		conn.serverStatus = res.ServerStatus
		return nil, true, nil

	case packet.IsErrorPacket(data):
		return nil, false, packet.ParseErrorPacket(data)
	}

	row, err := conn.decodeTextRow(data, res.Fields)
	if err != nil {
		return nil, false, err
	}
	return row, false, nil
}

// ReadRowUnbuffered pulls exactly one row of an active streaming
// result. It returns (nil, nil) once the terminator has been read.
func (conn *Connection) ReadRowUnbuffered(ctx context.Context) (Row, error) {
	res := conn.result
	if res == nil || !res.unbufferedActive {
		return nil, nil
	}
	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())

	row, done, err := conn.readRowPacket(res)
	if err != nil {
		res.unbufferedActive = false
		return nil, err
	}
	if done {
		res.unbufferedActive = false
		res.AffectedRows = 0
		return nil, nil
	}
	res.AffectedRows = 1
	return row, nil
}

// finishUnbuffered reads and discards the remaining rows of an active
// streaming result. There is no way to stop the server from sending
// them, so we spin until the terminator.
func (conn *Connection) finishUnbuffered() error {
	res := conn.result
	for res.unbufferedActive {
		_, done, err := conn.readRowPacket(res)
		if err != nil {
			res.unbufferedActive = false
			return err
		}
		if done {
			res.unbufferedActive = false
		}
	}
	return nil
}

// readColumnDefinition reads the next column definition packet into
// field.
func (conn *Connection) readColumnDefinition(field *Field, index int) error {
	colDef, err := conn.readPacketOrClose()
	if err != nil {
		return err
	}

	pos := 0
	var ok bool

	// Catalog is ignored, always set to "def".
	field.Catalog, pos, ok = misc.ReadLenEncString(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v catalog failed", index)
	}

	// schema, table, orgTable, name and orgName are strings.
	field.Database, pos, ok = misc.ReadLenEncString(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v schema failed", index)
	}
	field.Table, pos, ok = misc.ReadLenEncString(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v table failed", index)
	}
	field.OrgTable, pos, ok = misc.ReadLenEncString(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v org_table failed", index)
	}
	field.Name, pos, ok = misc.ReadLenEncString(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v name failed", index)
	}
	field.OrgName, pos, ok = misc.ReadLenEncString(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v org_name failed", index)
	}

	// Skip length of fixed-length fields.
	pos++

	// characterSet is a uint16.
	characterSet, pos, ok := misc.ReadUint16(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v characterSet failed", index)
	}
	field.CharSet = characterSet

	// columnLength is a uint32.
	field.ColumnLength, pos, ok = misc.ReadUint32(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v columnLength failed", index)
	}

	// type is one byte.
	t, pos, ok := misc.ReadByte(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v type failed", index)
	}

	// flags is 2 bytes.
	flags, pos, ok := misc.ReadUint16(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v flags failed", index)
	}
	field.Flags = uint(flags)

	field.FieldType, err = constant.MySQLToType(int64(t), int64(flags))
	if err != nil {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "MySQLToType(%v,%v) failed for column %v: %v", t, flags, index, err)
	}

	// Decimals is a byte.
	decimals, _, ok := misc.ReadByte(colDef, pos)
	if !ok {
		return err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "extracting col %v decimals failed", index)
	}
	field.Decimals = decimals

	return nil
}

// readPacketOrClose reads one packet; a framing or I/O error closes
// the connection so it cannot be reused half-read.
func (conn *Connection) readPacketOrClose() ([]byte, error) {
	data, err := conn.ReadPacket()
	if err != nil {
		conn.Close()
		return nil, err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", err)
	}
	return data, nil
}

func (conn *Connection) applyOK(ok *packet.OK) {
	conn.serverStatus = ok.StatusFlags
	conn.result = &Result{
		AffectedRows: ok.AffectedRows,
		InsertID:     ok.LastInsertID,
		ServerStatus: ok.StatusFlags,
		WarningCount: ok.Warnings,
		Message:      ok.Info,
		HasNext:      ok.HasMoreResults(),
	}
}

// readOKResponse expects the next packet to be an OK packet and folds
// it into the connection state.
func (conn *Connection) readOKResponse() error {
	data, err := conn.readPacketOrClose()
	if err != nil {
		return err
	}
	switch {
	case packet.IsOKPacket(data):
		ok, err := packet.ParseOKPacket(data)
		if err != nil {
			return err
		}
		conn.applyOK(ok)
		return nil
	case packet.IsErrorPacket(data):
		return packet.ParseErrorPacket(data)
	}
	return err2.NewSQLError(constant.CRCommandsOutOfSync, constant.SSUnknownSQLState, "command out of sync")
}

//
// Session operations.
//

// Ping checks that the server is alive. With reconnect set, a dead
// connection is re-established first.
func (conn *Connection) Ping(ctx context.Context, reconnect bool) error {
	if conn.Conn == nil || conn.IsClosed() {
		if !reconnect {
			return err2.NewSQLErrorKind(err2.KindInterface, "already closed")
		}
		if err := conn.connect(ctx); err != nil {
			return err
		}
		reconnect = false
	}

	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())
	err := conn.execCommand(constant.ComPing, nil)
	if err == nil {
		err = conn.readOKResponse()
	}
	if err != nil && reconnect {
		if err := conn.connect(ctx); err != nil {
			return err
		}
		return conn.Ping(ctx, false)
	}
	return err
}

// Kill asks the server to terminate the given thread.
func (conn *Connection) Kill(ctx context.Context, threadID uint32) error {
	arg := make([]byte, 4)
	misc.WriteUint32(arg, 0, threadID)
	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())
	if err := conn.execCommand(constant.ComProcessKill, arg); err != nil {
		return err
	}
	return conn.readOKResponse()
}

// SelectDB changes the default database.
func (conn *Connection) SelectDB(ctx context.Context, db string) error {
	conn.applyDeadline(ctx)
	defer conn.applyDeadline(context.Background())
	if err := conn.execCommand(constant.ComInitDB, []byte(db)); err != nil {
		return err
	}
	if err := conn.readOKResponse(); err != nil {
		return err
	}
	conn.conf.DBName = db
	return nil
}

// SetCharset switches the connection character set with SET NAMES and
// swaps the client side decoder accordingly.
func (conn *Connection) SetCharset(ctx context.Context, name string) error {
	cs, err := charset.ByName(name)
	if err != nil {
		return err
	}
	quoted, err := conn.Escape(name)
	if err != nil {
		return err
	}
	if err := conn.Query(ctx, "SET NAMES "+quoted); err != nil {
		return err
	}
	conn.charset = cs
	conn.conf.Charset = name
	return nil
}

// Begin starts a transaction.
func (conn *Connection) Begin(ctx context.Context) error {
	return conn.Query(ctx, "BEGIN")
}

// Commit commits the current transaction.
func (conn *Connection) Commit(ctx context.Context) error {
	return conn.Query(ctx, "COMMIT")
}

// Rollback rolls the current transaction back.
func (conn *Connection) Rollback(ctx context.Context) error {
	return conn.Query(ctx, "ROLLBACK")
}

// Autocommit sets the session autocommit mode if it differs from the
// server's current state.
func (conn *Connection) Autocommit(ctx context.Context, value bool) error {
	conn.conf.Autocommit = value
	if value != conn.GetAutocommit() {
		v := "0"
		if value {
			v = "1"
		}
		return conn.Query(ctx, "SET AUTOCOMMIT = "+v)
	}
	return nil
}

// GetAutocommit reports the autocommit flag of the last observed
// server status.
func (conn *Connection) GetAutocommit() bool {
	return conn.serverStatus&constant.ServerStatusAutocommit != 0
}

// InTransaction reports whether the server considers this session
// inside a transaction.
func (conn *Connection) InTransaction() bool {
	return conn.serverStatus&constant.ServerStatusInTrans != 0
}

// Warning is one row of SHOW WARNINGS.
type Warning struct {
	Level   string
	Code    int64
	Message string
}

// ShowWarnings fetches the warnings of the previous statement.
func (conn *Connection) ShowWarnings(ctx context.Context) ([]Warning, error) {
	if err := conn.Query(ctx, "SHOW WARNINGS"); err != nil {
		return nil, err
	}
	res := conn.result
	warnings := make([]Warning, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) != 3 {
			return nil, err2.NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "unexpected SHOW WARNINGS row: %v", row)
		}
		w := Warning{}
		w.Level, _ = row[0].(string)
		switch code := row[1].(type) {
		case int64:
			w.Code = code
		case uint64:
			w.Code = int64(code)
		}
		w.Message, _ = row[2].(string)
		warnings = append(warnings, w)
	}
	return warnings, nil
}

// EnsureClosed sends COM_QUIT and closes the socket. Safe to call on
// an already closed connection.
func (conn *Connection) EnsureClosed(ctx context.Context) error {
	if conn.Conn == nil || conn.IsClosed() {
		return nil
	}
	conn.applyDeadline(ctx)
	conn.ResetSequence()
	_ = conn.WritePacket([]byte{constant.ComQuit})
	conn.Close()
	return nil
}

// Closed reports whether the connection has been closed locally.
func (conn *Connection) Closed() bool {
	return conn.Conn == nil || conn.IsClosed()
}

//
// Attribute accessors.
//

// Host returns the configured server host.
func (conn *Connection) Host() string {
	host, _, err := net.SplitHostPort(conn.conf.Addr)
	if err != nil {
		return conn.conf.Addr
	}
	return host
}

// Port returns the configured server port.
func (conn *Connection) Port() int {
	_, port, err := net.SplitHostPort(conn.conf.Addr)
	if err != nil {
		return 0
	}
	p, _ := net.LookupPort("tcp", port)
	return p
}

// UnixSocket returns the configured socket path.
func (conn *Connection) UnixSocket() string {
	return conn.conf.UnixSocket
}

// DB returns the current default database.
func (conn *Connection) DB() string {
	return conn.conf.DBName
}

// User returns the authenticated user name.
func (conn *Connection) User() string {
	return conn.conf.User
}

// Charset returns the connection character set name.
func (conn *Connection) Charset() string {
	return conn.conf.Charset
}

// Encoding returns the name of the encoding backing the connection
// character set; UTF-8 compatible charsets report "utf-8".
func (conn *Connection) Encoding() string {
	if conn.charset == nil || conn.charset.Encoding == nil {
		return "utf-8"
	}
	return conn.charset.Name
}

// ServerVersion returns the version string from the greeting.
func (conn *Connection) ServerVersion() string {
	return conn.serverVersion
}

// ServerStatus returns the status flags of the most recent OK/EOF.
func (conn *Connection) ServerStatus() uint16 {
	return conn.serverStatus
}

// AffectedRows returns the affected row count of the most recent
// command.
func (conn *Connection) AffectedRows() uint64 {
	if conn.result == nil {
		return 0
	}
	return conn.result.AffectedRows
}

// InsertID returns the AUTO_INCREMENT id of the most recent command.
func (conn *Connection) InsertID() uint64 {
	if conn.result == nil {
		return 0
	}
	return conn.result.InsertID
}

// LastUsage returns when a command last started on this connection.
func (conn *Connection) LastUsage() time.Time {
	return conn.lastUsage
}

// HasUnreadResult reports whether rows are still on the wire. The
// pool refuses to reuse such a connection.
func (conn *Connection) HasUnreadResult() bool {
	return conn.result != nil && conn.result.unbufferedActive
}

// Echo reports whether statement echo logging is on.
func (conn *Connection) Echo() bool {
	return conn.conf.Echo
}

// Result exposes the outcome of the most recent command.
func (conn *Connection) Result() *Result {
	return conn.result
}

// HostInfo describes the transport, for error messages.
func (conn *Connection) HostInfo() string {
	if conn.conf.UnixSocket != "" {
		return "Localhost via UNIX socket: " + conn.conf.UnixSocket
	}
	return "socket " + conn.conf.Addr
}

// secureChannel reports whether the transport is safe for cleartext
// credentials: TLS or a unix domain socket.
func (conn *Connection) secureChannel() bool {
	if conn.conf.tls != nil {
		return true
	}
	return conn.conf.UnixSocket != "" || strings.Contains(conn.conf.Addr, "/")
}
