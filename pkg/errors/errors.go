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

package errors

import (
	goerrors "errors"
	"fmt"

	"github.com/lunarisdb/mypool/pkg/constant"
)

// Kind is the flat driver error taxonomy. Every SQLError belongs to
// exactly one kind; server errors are classified by vendor number.
type Kind int

const (
	// KindDatabase is a server-reported error not fitting a
	// narrower kind.
	KindDatabase Kind = iota

	// KindInterface covers lost connections, broken framing and
	// use of a closed pool.
	KindInterface

	// KindData covers numeric overflow, invalid dates and decoding
	// failures.
	KindData

	// KindOperational covers server shutdown, lock timeouts,
	// deadlocks and access control failures.
	KindOperational

	// KindIntegrity covers constraint violations.
	KindIntegrity

	// KindInternal means the server reported an internal error.
	KindInternal

	// KindProgramming covers caller mistakes: placeholder count
	// mismatch, use of a closed cursor, ordering violations.
	KindProgramming

	// KindNotSupported marks unimplemented features.
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "InterfaceError"
	case KindData:
		return "DataError"
	case KindOperational:
		return "OperationalError"
	case KindIntegrity:
		return "IntegrityError"
	case KindInternal:
		return "InternalError"
	case KindProgramming:
		return "ProgrammingError"
	case KindNotSupported:
		return "NotSupportedError"
	default:
		return "DatabaseError"
	}
}

// SQLError is the error structure returned by the driver. It carries
// the MySQL vendor error number and SQLSTATE when the error originates
// from an ERR packet, and the client-side CR_* number otherwise.
type SQLError struct {
	Num     int
	State   string
	Message string
	Query   string
	kind    Kind
	hasKind bool
}

// NewSQLError creates a new SQLError. The kind is derived from the
// error number.
func NewSQLError(number int, sqlState string, format string, args ...interface{}) *SQLError {
	return &SQLError{
		Num:     number,
		State:   sqlState,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewSQLErrorKind creates a SQLError with an explicit kind, for
// client-side failures that carry no meaningful vendor number.
func NewSQLErrorKind(kind Kind, format string, args ...interface{}) *SQLError {
	return &SQLError{
		State:   constant.SSUnknownSQLState,
		Message: fmt.Sprintf(format, args...),
		kind:    kind,
		hasKind: true,
	}
}

// Error implements the error interface, in the same shape the mysql
// command line client prints errors.
func (e *SQLError) Error() string {
	buf := e.kindPrefix() + ": " + e.Message

	// Add the Query.
	if e.Query != "" {
		buf += fmt.Sprintf(" (errno %v) (sqlstate %v) during query: %s", e.Num, e.State, e.Query)
		return buf
	}
	if e.Num != 0 {
		buf += fmt.Sprintf(" (errno %v) (sqlstate %v)", e.Num, e.State)
	}
	return buf
}

func (e *SQLError) kindPrefix() string {
	return e.Kind().String()
}

// Number returns the internal MySQL error code.
func (e *SQLError) Number() int {
	return e.Num
}

// SQLState returns the SQLSTATE value.
func (e *SQLError) SQLState() string {
	return e.State
}

// Kind classifies the error.
func (e *SQLError) Kind() Kind {
	if e.hasKind {
		return e.kind
	}
	return classify(e.Num)
}

// classify maps a vendor error number to a taxonomy kind, mirroring
// the classic client library error map.
func classify(num int) Kind {
	switch num {
	case 0:
		return KindDatabase

	case constant.CRUnknownError, constant.CRConnectionError, constant.CRConnHostError,
		constant.CRServerGone, constant.CRServerLost, constant.CRServerHandshakeErr,
		constant.CRMalformedPacket, constant.CRCommandsOutOfSync, constant.CRVersionError,
		constant.CRSSLConnectionError, constant.CRWrongHostInfo:
		return KindInterface

	case constant.ERDupEntry, constant.ERBadNullError,
		constant.ERNoReferencedRow, constant.ERNoReferencedRow2,
		constant.ERRowIsReferenced, constant.ERRowIsReferenced2,
		constant.ERCannotAddForeign:
		return KindIntegrity

	case constant.ERWarnDataTruncated, constant.ERWarnDataOutOfRange,
		constant.ERNoDefault, constant.ERPrimaryCantHaveNULL,
		constant.ERDataTooLong, constant.ERDatetimeFunctionOverflow:
		return KindData

	case constant.ERParseError, constant.ERSyntaxError, constant.ERNoSuchTable,
		constant.ERTableExists, constant.ERWrongValueCount, constant.ERBadDb,
		constant.ERXAERNota:
		return KindProgramming

	case constant.ERWarnNotCompleteRollback, constant.ERNotSupportedYet,
		constant.ERFeatureDisabled, constant.ERUnknownStorageEngine:
		return KindNotSupported

	case constant.ERConCount, constant.ERDBAccessDenied, constant.ERAccessDeniedError,
		constant.ERTableAccessDenied, constant.ERColumnAccessDenied,
		constant.ERServerShutdown, constant.ERLockWaitTimeout, constant.ERLockDeadlock:
		return KindOperational
	}

	if num < 1000 {
		return KindInternal
	}
	if num >= 2000 && num < 3000 {
		// Remaining CR_* range is a client interface problem.
		return KindInterface
	}
	return KindOperational
}

// IsKind reports whether err is a SQLError of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *SQLError
	if goerrors.As(err, &se) {
		return se.Kind() == kind
	}
	return false
}

// Convenience constructors for client-side failures.

// NewInterfaceError flags a broken connection or protocol framing.
func NewInterfaceError(format string, args ...interface{}) *SQLError {
	return &SQLError{
		Num:     constant.CRServerLost,
		State:   constant.SSUnknownSQLState,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewProgrammingError flags a caller mistake.
func NewProgrammingError(format string, args ...interface{}) *SQLError {
	return NewSQLErrorKind(KindProgramming, format, args...)
}

// NewNotSupportedError flags an unimplemented feature.
func NewNotSupportedError(format string, args ...interface{}) *SQLError {
	return NewSQLErrorKind(KindNotSupported, format, args...)
}

// NewDataError flags a decoding failure.
func NewDataError(format string, args ...interface{}) *SQLError {
	return NewSQLErrorKind(KindData, format, args...)
}

// Sentinel errors shared across packages.
var (
	ErrMalformedPkt  = NewSQLError(constant.CRMalformedPacket, constant.SSUnknownSQLState, "malformed packet")
	ErrUnknownPlugin = NewSQLErrorKind(KindNotSupported, "this authentication plugin is not supported")
	ErrPoolClosed    = NewSQLErrorKind(KindInterface, "cannot acquire connection after closing pool")
	ErrCursorClosed  = NewSQLErrorKind(KindProgramming, "cursor closed")

	ErrInvalidDSNUnescaped = goerrors.New("invalid DSN: did you forget to escape a param value?")
	ErrInvalidDSNAddr      = goerrors.New("invalid DSN: network address not terminated (missing closing brace)")
	ErrInvalidDSNNoSlash   = goerrors.New("invalid DSN: missing the slash separating the database name")
)
