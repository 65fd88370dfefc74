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

// Package testdata hosts the in-process MySQL server the driver tests
// run against: a real TCP listener speaking just enough of the text
// protocol for handshake, queries, and result sets.
package testdata

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"vimagination.zapto.org/byteio"

	"github.com/lunarisdb/mypool/pkg/constant"
	"github.com/lunarisdb/mypool/pkg/misc"
	"github.com/lunarisdb/mypool/pkg/mysql"
)

// Column describes one column of a canned result set.
type Column struct {
	Name    string
	Type    byte
	Charset uint16
	Flags   uint16
}

// ResultSet is one canned result set. Values are rendered with %v and
// sent as text protocol fields; nil becomes SQL NULL.
type ResultSet struct {
	Columns []Column
	Rows    [][]interface{}
}

// Reply scripts the server's answer to one statement: exactly one of
// Err or ResultSet, or a bare OK built from the remaining fields.
// Next chains another result set behind this one (stored procedure
// style), announced with MORE_RESULTS_EXISTS.
type Reply struct {
	Err       *mysqlError
	ResultSet *ResultSet

	// Infile, when set, asks the client to stream the named local
	// file. The received bytes are recorded on the server; an empty
	// upload is answered with ER 1148.
	Infile string

	AffectedRows uint64
	LastInsertID uint64
	Warnings     uint16
	Info         string

	Next *Reply
}

type mysqlError struct {
	Code    uint16
	State   string
	Message string
}

// ErrReply builds an error reply.
func ErrReply(code uint16, state, message string) *Reply {
	return &Reply{Err: &mysqlError{Code: code, State: state, Message: message}}
}

// QueryHandler scripts the fake server's responses.
type QueryHandler interface {
	Handle(query string) *Reply
}

// QueryHandlerFunc adapts a function to QueryHandler.
type QueryHandlerFunc func(query string) *Reply

func (f QueryHandlerFunc) Handle(query string) *Reply { return f(query) }

// FakeServer is a minimal MySQL server for driver tests. It performs
// a v10 handshake with mysql_native_password and dispatches COM_QUERY
// statements to its handler. BEGIN/COMMIT/ROLLBACK and SET AUTOCOMMIT
// are tracked server side so the status flags behave realistically.
type FakeServer struct {
	User     string
	Password string

	// Handler answers COM_QUERY statements the built-in session
	// handling does not cover. A nil handler answers OK.
	Handler QueryHandler

	ln net.Listener
	wg sync.WaitGroup

	mu         sync.Mutex
	queries    []string
	infileData []byte
	salt       []byte
}

// NewFakeServer starts a server on a random loopback port.
func NewFakeServer(user, password string) (*FakeServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &FakeServer{
		User:     user,
		Password: password,
		ln:       ln,
		salt:     []byte("0123456789abcdefghij"),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host:port of the listener.
func (s *FakeServer) Addr() string {
	return s.ln.Addr().String()
}

// InfileData returns the bytes received through LOCAL INFILE uploads.
func (s *FakeServer) InfileData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.infileData))
	copy(out, s.infileData)
	return out
}

// Queries returns every COM_QUERY statement observed so far.
func (s *FakeServer) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queries))
	copy(out, s.queries)
	return out
}

// Close stops the listener and waits for the accept loop.
func (s *FakeServer) Close() {
	s.ln.Close()
	s.wg.Wait()
}

func (s *FakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// session is one server side connection.
type session struct {
	srv  *FakeServer
	conn net.Conn
	r    *byteio.LittleEndianReader
	w    *byteio.LittleEndianWriter
	seq  uint8

	status uint16
}

func (s *FakeServer) serve(conn net.Conn) {
	defer conn.Close()
	sess := &session{
		srv:    s,
		conn:   conn,
		r:      &byteio.LittleEndianReader{Reader: conn},
		w:      &byteio.LittleEndianWriter{Writer: conn},
		status: constant.ServerStatusAutocommit,
	}
	if err := sess.handshake(); err != nil {
		return
	}
	for {
		if err := sess.serveCommand(); err != nil {
			return
		}
	}
}

func (sess *session) readFrame() ([]byte, error) {
	length, _, err := sess.r.ReadUint24()
	if err != nil {
		return nil, err
	}
	seq, _, err := sess.r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if seq != sess.seq {
		return nil, fmt.Errorf("fake server: expected sequence %d, got %d", sess.seq, seq)
	}
	sess.seq++
	payload := make([]byte, length)
	if _, err := io.ReadFull(sess.r.Reader, payload); err != nil {
		return nil, err
	}
	if length == constant.MaxPacketSize {
		next, err := sess.readFrame()
		if err != nil {
			return nil, err
		}
		payload = append(payload, next...)
	}
	return payload, nil
}

func (sess *session) writeFrame(payload []byte) error {
	for {
		chunk := payload
		if len(chunk) > constant.MaxPacketSize {
			chunk = chunk[:constant.MaxPacketSize]
		}
		if _, err := sess.w.WriteUint24(uint32(len(chunk))); err != nil {
			return err
		}
		if _, err := sess.w.WriteUint8(sess.seq); err != nil {
			return err
		}
		sess.seq++
		if _, err := sess.w.Write(chunk); err != nil {
			return err
		}
		payload = payload[len(chunk):]
		if len(payload) == 0 && len(chunk) < constant.MaxPacketSize {
			return nil
		}
	}
}

func (sess *session) handshake() error {
	salt := sess.srv.salt

	var buf bytes.Buffer
	buf.WriteByte(constant.ProtocolVersion)
	buf.WriteString("8.0.32-fake")
	buf.WriteByte(0)

	var fixed [4]byte
	misc.WriteUint32(fixed[:], 0, 99) // thread id
	buf.Write(fixed[:])

	buf.Write(salt[:8])
	buf.WriteByte(0) // filler

	caps := uint32(constant.CapabilityClientLongPassword |
		constant.CapabilityClientLongFlag |
		constant.CapabilityClientConnectWithDB |
		constant.CapabilityClientProtocol41 |
		constant.CapabilityClientTransactions |
		constant.CapabilityClientSecureConnection |
		constant.CapabilityClientMultiStatements |
		constant.CapabilityClientMultiResults |
		constant.CapabilityClientPluginAuth |
		constant.CapabilityClientPluginAuthLenencClientData)

	var two [2]byte
	misc.WriteUint16(two[:], 0, uint16(caps&0xffff))
	buf.Write(two[:])

	buf.WriteByte(45) // charset: utf8mb4
	misc.WriteUint16(two[:], 0, sess.status)
	buf.Write(two[:])
	misc.WriteUint16(two[:], 0, uint16(caps>>16))
	buf.Write(two[:])

	buf.WriteByte(21) // auth plugin data length
	buf.Write(make([]byte, 10))
	buf.Write(salt[8:20])
	buf.WriteByte(0)
	buf.WriteString(constant.MysqlNativePassword)
	buf.WriteByte(0)

	if err := sess.writeFrame(buf.Bytes()); err != nil {
		return err
	}

	resp, err := sess.readFrame()
	if err != nil {
		return err
	}

	pos := 0
	_, pos, _ = misc.ReadUint32(resp, pos) // client caps
	_, pos, _ = misc.ReadUint32(resp, pos) // max packet
	_, pos, _ = misc.ReadByte(resp, pos)   // charset
	pos += 23
	user, pos, ok := misc.ReadNullString(resp, pos)
	if !ok || user != sess.srv.User {
		sess.writeErr(constant.ERAccessDeniedError, constant.SSAccessDenied, "Access denied for user")
		return fmt.Errorf("bad user %q", user)
	}
	authLen, pos, _ := misc.ReadLenEncInt(resp, pos)
	authResp, _, _ := misc.ReadBytes(resp, pos, int(authLen))

	expected := mysql.ScrambleNativePassword(append([]byte{}, salt...), sess.srv.Password)
	if !bytes.Equal(authResp, expected) {
		sess.writeErr(constant.ERAccessDeniedError, constant.SSAccessDenied, "Access denied (bad password)")
		return fmt.Errorf("bad password for %q", user)
	}

	return sess.writeOK(0, 0, 0, "")
}

func (sess *session) serveCommand() error {
	sess.seq = 0
	data, err := sess.readFrame()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty command packet")
	}

	switch data[0] {
	case constant.ComQuit:
		return io.EOF

	case constant.ComPing:
		return sess.writeOK(0, 0, 0, "")

	case constant.ComInitDB, constant.ComProcessKill:
		return sess.writeOK(0, 0, 0, "")

	case constant.ComQuery:
		query := string(data[1:])
		sess.srv.mu.Lock()
		sess.srv.queries = append(sess.srv.queries, query)
		sess.srv.mu.Unlock()
		return sess.handleQuery(query)

	default:
		return sess.writeErr(constant.ERUnknownError, constant.SSUnknownSQLState,
			fmt.Sprintf("unsupported command %#x", data[0]))
	}
}

func (sess *session) handleQuery(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case upper == "BEGIN" || strings.HasPrefix(upper, "START TRANSACTION"):
		sess.status |= constant.ServerStatusInTrans
		return sess.writeOK(0, 0, 0, "")
	case upper == "COMMIT" || upper == "ROLLBACK":
		sess.status &^= constant.ServerStatusInTrans
		return sess.writeOK(0, 0, 0, "")
	case strings.HasPrefix(upper, "SET AUTOCOMMIT = 0"):
		sess.status &^= constant.ServerStatusAutocommit
		return sess.writeOK(0, 0, 0, "")
	case strings.HasPrefix(upper, "SET AUTOCOMMIT = 1"):
		sess.status |= constant.ServerStatusAutocommit
		return sess.writeOK(0, 0, 0, "")
	case strings.HasPrefix(upper, "SET ") || strings.HasPrefix(upper, "SAVEPOINT") ||
		strings.HasPrefix(upper, "RELEASE SAVEPOINT") || strings.HasPrefix(upper, "ROLLBACK TO"):
		return sess.writeOK(0, 0, 0, "")
	case upper == "SHOW WARNINGS":
		return sess.writeResultSet(&ResultSet{
			Columns: []Column{
				{Name: "Level", Type: 253, Charset: 45},
				{Name: "Code", Type: 3, Flags: uint16(constant.UnsignedFlag)},
				{Name: "Message", Type: 253, Charset: 45},
			},
		}, 0)
	}

	var reply *Reply
	if sess.srv.Handler != nil {
		reply = sess.srv.Handler.Handle(query)
	}
	if reply == nil {
		reply = &Reply{}
	}
	return sess.writeReply(reply)
}

func (sess *session) writeReply(reply *Reply) error {
	for reply != nil {
		moreFlag := uint16(0)
		if reply.Next != nil {
			moreFlag = constant.ServerMoreResultsExists
		}
		switch {
		case reply.Err != nil:
			return sess.writeErr(reply.Err.Code, reply.Err.State, reply.Err.Message)
		case reply.Infile != "":
			if err := sess.handleInfile(reply); err != nil {
				return err
			}
		case reply.ResultSet != nil:
			if err := sess.writeResultSet(reply.ResultSet, moreFlag); err != nil {
				return err
			}
		default:
			if err := sess.writeOKPacket(reply.AffectedRows, reply.LastInsertID,
				sess.status|moreFlag, reply.Warnings, reply.Info); err != nil {
				return err
			}
		}
		reply = reply.Next
	}
	return nil
}

// handleInfile requests the named file from the client and reads the
// upload until the empty terminator packet.
func (sess *session) handleInfile(reply *Reply) error {
	request := append([]byte{constant.LocalInfilePacket}, reply.Infile...)
	if err := sess.writeFrame(request); err != nil {
		return err
	}

	received := 0
	for {
		chunk, err := sess.readFrame()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		received += len(chunk)
		sess.srv.mu.Lock()
		sess.srv.infileData = append(sess.srv.infileData, chunk...)
		sess.srv.mu.Unlock()
	}

	if received == 0 {
		return sess.writeErr(1148, "42000",
			"The used command is not allowed with this MySQL version")
	}
	return sess.writeOK(reply.AffectedRows, reply.LastInsertID, reply.Warnings, reply.Info)
}

func (sess *session) writeOK(affected, insertID uint64, warnings uint16, info string) error {
	return sess.writeOKPacket(affected, insertID, sess.status, warnings, info)
}

func (sess *session) writeOKPacket(affected, insertID uint64, status, warnings uint16, info string) error {
	length := 1 + misc.LenEncIntSize(affected) + misc.LenEncIntSize(insertID) + 4 + len(info)
	data := make([]byte, length)
	pos := 0
	pos = misc.WriteByte(data, pos, constant.OKPacket)
	pos = misc.WriteLenEncInt(data, pos, affected)
	pos = misc.WriteLenEncInt(data, pos, insertID)
	pos = misc.WriteUint16(data, pos, status)
	pos = misc.WriteUint16(data, pos, warnings)
	misc.WriteEOFString(data, pos, info)
	return sess.writeFrame(data)
}

func (sess *session) writeErr(code uint16, state, message string) error {
	if len(state) != 5 {
		state = constant.SSUnknownSQLState
	}
	length := 1 + 2 + 1 + 5 + len(message)
	data := make([]byte, length)
	pos := 0
	pos = misc.WriteByte(data, pos, constant.ErrPacket)
	pos = misc.WriteUint16(data, pos, code)
	pos = misc.WriteByte(data, pos, '#')
	pos = misc.WriteEOFString(data, pos, state)
	misc.WriteEOFString(data, pos, message)
	return sess.writeFrame(data)
}

func (sess *session) writeEOF(status uint16) error {
	data := make([]byte, 5)
	pos := 0
	pos = misc.WriteByte(data, pos, constant.EOFPacket)
	pos = misc.WriteUint16(data, pos, 0)
	misc.WriteUint16(data, pos, status)
	return sess.writeFrame(data)
}

func (sess *session) writeResultSet(rs *ResultSet, moreFlag uint16) error {
	count := make([]byte, misc.LenEncIntSize(uint64(len(rs.Columns))))
	misc.WriteLenEncInt(count, 0, uint64(len(rs.Columns)))
	if err := sess.writeFrame(count); err != nil {
		return err
	}

	for _, col := range rs.Columns {
		if err := sess.writeColumnDef(col); err != nil {
			return err
		}
	}
	if err := sess.writeEOF(sess.status); err != nil {
		return err
	}

	for _, row := range rs.Rows {
		if err := sess.writeRow(row); err != nil {
			return err
		}
	}
	return sess.writeEOF(sess.status | moreFlag)
}

func (sess *session) writeColumnDef(col Column) error {
	cs := col.Charset
	if cs == 0 {
		cs = 45
	}
	length := misc.LenEncStringSize("def") +
		misc.LenEncStringSize("")*4 +
		misc.LenEncStringSize(col.Name) +
		1 + 2 + 4 + 1 + 2 + 1 + 2

	data := make([]byte, length)
	pos := 0
	pos = misc.WriteLenEncString(data, pos, "def")
	pos = misc.WriteLenEncString(data, pos, "") // schema
	pos = misc.WriteLenEncString(data, pos, "") // table
	pos = misc.WriteLenEncString(data, pos, "") // org_table
	pos = misc.WriteLenEncString(data, pos, col.Name)
	pos = misc.WriteLenEncString(data, pos, "") // org_name
	pos = misc.WriteByte(data, pos, 0x0c)
	pos = misc.WriteUint16(data, pos, cs)
	pos = misc.WriteUint32(data, pos, 255)
	pos = misc.WriteByte(data, pos, col.Type)
	pos = misc.WriteUint16(data, pos, col.Flags)
	pos = misc.WriteByte(data, pos, 0)
	misc.WriteUint16(data, pos, 0)
	return sess.writeFrame(data)
}

func (sess *session) writeRow(row []interface{}) error {
	length := 0
	rendered := make([][]byte, len(row))
	for i, v := range row {
		if v == nil {
			length++
			continue
		}
		val := []byte(fmt.Sprintf("%v", v))
		rendered[i] = val
		length += misc.LenEncIntSize(uint64(len(val))) + len(val)
	}

	data := make([]byte, length)
	pos := 0
	for i, v := range row {
		if v == nil {
			pos = misc.WriteByte(data, pos, constant.NullValue)
			continue
		}
		pos = misc.WriteLenEncInt(data, pos, uint64(len(rendered[i])))
		pos += copy(data[pos:], rendered[i])
	}
	return sess.writeFrame(data)
}
