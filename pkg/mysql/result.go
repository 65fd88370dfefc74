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

// Row is one decoded result row.
type Row []interface{}

// Result is the outcome of one statement within a command: either the
// bare numbers of an OK packet, or a result set. For buffered reads
// Rows holds every row; for unbuffered reads rows are pulled one at a
// time through Connection.ReadRowUnbuffered while unbufferedActive is
// set.
type Result struct {
	Fields       []*Field
	AffectedRows uint64
	InsertID     uint64
	ServerStatus uint16
	WarningCount uint16
	Message      string
	Rows         []Row

	// HasNext is set when the terminating OK/EOF announced another
	// result set.
	HasNext bool

	// unbufferedActive is set while a streaming result set still has
	// rows on the wire.
	unbufferedActive bool
}

// LastInsertID returns the AUTO_INCREMENT id of the most recent
// INSERT, as reported by the terminating OK packet.
func (res *Result) LastInsertID() uint64 {
	return res.InsertID
}

// RowsAffected returns the affected row count of the statement.
func (res *Result) RowsAffected() uint64 {
	return res.AffectedRows
}

func (res *Result) descriptions() []Description {
	if len(res.Fields) == 0 {
		return nil
	}
	out := make([]Description, len(res.Fields))
	for i, f := range res.Fields {
		out[i] = f.description()
	}
	return out
}
