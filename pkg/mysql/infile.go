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
	"io"
	"os"

	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/log"
)

// infileChunkSize is how much file data goes into one packet while
// streaming a LOCAL INFILE. The framing layer splits anything larger
// than MaxPacketSize anyway; this just bounds memory.
const infileChunkSize = 128 * 1024

// handleLocalInfile answers the server's LOCAL INFILE request: stream
// the named file as packets terminated by an empty one, then read the
// server's verdict. The file name is trusted as-is; the caller is
// responsible for trusting the server.
//
// With local_infile disabled only the empty terminator is sent, and
// the server's ERR packet propagates to the caller.
func (conn *Connection) handleLocalInfile(filename string) error {
	if !conn.conf.LocalInfile {
		if err := conn.WritePacket(nil); err != nil {
			return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", err)
		}
		return conn.readOKResponse()
	}

	f, err := os.Open(filename)
	if err != nil {
		log.Errorf("LOCAL INFILE: cannot open %s: %v", filename, err)
		// Terminate the exchange so the connection stays usable,
		// then surface the local failure.
		if werr := conn.WritePacket(nil); werr != nil {
			return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", werr)
		}
		if rerr := conn.readOKResponse(); rerr != nil {
			return rerr
		}
		return err2.NewSQLErrorKind(err2.KindOperational, "cannot open local file %q: %v", filename, err)
	}
	defer f.Close()

	buf := make([]byte, infileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := conn.WritePacket(buf[:n]); werr != nil {
				return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err2.NewSQLErrorKind(err2.KindOperational, "reading local file %q failed: %v", filename, err)
		}
	}

	// Empty packet tells the server the file is complete.
	if err := conn.WritePacket(nil); err != nil {
		return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", err)
	}
	return conn.readOKResponse()
}
