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
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/lunarisdb/mypool/pkg/constant"
)

const (
	// connBufferSize is how much we buffer for reading.
	connBufferSize = 16 * 1024
)

// Conn is the packet framing layer of a connection to a MySQL server.
// It reads and writes [len:3][seq:1][payload] frames on top of an
// established net.Conn, tracks the shared sequence counter, and
// re-assembles payloads that span multiple 16 MiB frames.
//
// Conn knows nothing about commands or result sets; that logic lives
// in Connection.
type Conn struct {
	// conn is the underlying network connection.
	// Calling Close() on the Conn will close this connection.
	// If there are any ongoing reads or writes, they may get interrupted.
	conn net.Conn

	// ConnectionID is the server thread id, set at Connect() time
	// from the value in the server greeting.
	ConnectionID uint32

	// closed is set to true when Close() is called on the connection.
	closed *atomic.Bool

	// Packet encoding variables.
	sequence       uint8
	bufferedReader *bufio.Reader
}

// NewConn wraps an established network connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:           conn,
		closed:         atomic.NewBool(false),
		bufferedReader: bufio.NewReaderSize(conn, connBufferSize),
	}
}

// ResetSequence must be called at the start of every client-initiated
// command; request and response share the counter.
func (c *Conn) ResetSequence() {
	c.sequence = 0
}

// startTLS upgrades the underlying stream. Callers must have sent the
// SSL request packet first; the sequence counter carries over to the
// handshake response on the upgraded stream.
func (c *Conn) startTLS(ctx context.Context, conf *tls.Config) error {
	tlsConn := tls.Client(c.conn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return errors.Wrap(err, "TLS handshake failed")
	}
	c.conn = tlsConn
	c.bufferedReader = bufio.NewReaderSize(tlsConn, connBufferSize)
	return nil
}

// applyDeadline maps a context deadline onto the socket. A context
// without deadline clears any previous one.
func (c *Conn) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
}

func (c *Conn) readHeaderFrom(r io.Reader) (int, error) {
	var header [4]byte
	// Note io.ReadFull will return two different types of errors:
	// 1. if the socket is already closed, and the go runtime knows it,
	//   then ReadFull will return an error (different than EOF),
	//   something like 'read: connection reset by peer'.
	// 2. if the socket is not closed while we start the read,
	//   but gets closed after the read is started, we'll get io.EOF.
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return 0, err
		}
		if strings.HasSuffix(err.Error(), "read: connection reset by peer") {
			return 0, io.EOF
		}
		return 0, errors.Wrapf(err, "io.ReadFull(header size) failed")
	}

	sequence := uint8(header[3])
	if sequence != c.sequence {
		return 0, errors.Errorf("invalid sequence, expected %v got %v", c.sequence, sequence)
	}

	c.sequence++

	return int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16), nil
}

// ReadOnePacket reads a single frame into a newly allocated buffer.
func (c *Conn) ReadOnePacket() ([]byte, error) {
	length, err := c.readHeaderFrom(c.bufferedReader)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		// This can be caused by the packet after a packet of
		// exactly size MaxPacketSize.
		return nil, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.bufferedReader, data); err != nil {
		return nil, errors.Wrapf(err, "io.ReadFull(packet body of length %v) failed", length)
	}
	return data, nil
}

// ReadPacket reads a packet from the underlying connection.
// It re-assembles packets that span more than one message.
func (c *Conn) ReadPacket() ([]byte, error) {
	// Optimize for a single packet case.
	data, err := c.ReadOnePacket()
	if err != nil {
		return nil, err
	}

	// This is a single packet.
	if len(data) < constant.MaxPacketSize {
		return data, nil
	}

	// There is more than one packet, read them all.
	for {
		next, err := c.ReadOnePacket()
		if err != nil {
			return nil, err
		}

		if len(next) == 0 {
			// Again, the packet after a packet of exactly size MaxPacketSize.
			break
		}

		data = append(data, next...)
		if len(next) < constant.MaxPacketSize {
			break
		}
	}

	return data, nil
}

// WritePacket writes a packet, possibly cutting it into multiple
// chunks of MaxPacketSize.
func (c *Conn) WritePacket(data []byte) error {
	index := 0
	length := len(data)

	w := c.conn

	for {
		// Packet length is capped to MaxPacketSize.
		packetLength := length
		if packetLength > constant.MaxPacketSize {
			packetLength = constant.MaxPacketSize
		}

		// Compute and write the header.
		var header [4]byte
		header[0] = byte(packetLength)
		header[1] = byte(packetLength >> 8)
		header[2] = byte(packetLength >> 16)
		header[3] = c.sequence
		if n, err := w.Write(header[:]); err != nil {
			return errors.Wrapf(err, "Write(header) failed")
		} else if n != 4 {
			return errors.Errorf("Write(header) returned a short write: %v < 4", n)
		}

		// Write the body.
		if n, err := w.Write(data[index : index+packetLength]); err != nil {
			return errors.Wrapf(err, "Write(packet) failed")
		} else if n != packetLength {
			return errors.Errorf("Write(packet) returned a short write: %v < %v", n, packetLength)
		}

		// Update our state.
		c.sequence++
		length -= packetLength
		if length == 0 {
			if packetLength == constant.MaxPacketSize {
				// The packet we just sent had exactly
				// MaxPacketSize size, we need to
				// send a zero-size packet too.
				header[0] = 0
				header[1] = 0
				header[2] = 0
				header[3] = c.sequence
				if n, err := w.Write(header[:]); err != nil {
					return errors.Wrapf(err, "Write(empty header) failed")
				} else if n != 4 {
					return errors.Errorf("Write(empty header) returned a short write: %v < 4", n)
				}
				c.sequence++
			}
			return nil
		}
		index += packetLength
	}
}

// Buffered returns the number of unread bytes in the read buffer.
// After a fully consumed command response it is zero.
func (c *Conn) Buffered() int {
	if c.bufferedReader == nil {
		return 0
	}
	return c.bufferedReader.Buffered()
}

// RemoteAddr returns the underlying socket RemoteAddr().
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ID returns the MySQL connection ID for this connection.
func (c *Conn) ID() int64 {
	return int64(c.ConnectionID)
}

// Close closes the connection. It can be called from a different
// goroutine to interrupt the current read or write.
func (c *Conn) Close() {
	if c.closed.CAS(false, true) {
		c.conn.Close()
	}
}

// IsClosed returns true if this connection was ever closed by the
// Close() method. Note if the other side closes the connection, but
// Close() wasn't called, this will return false.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
