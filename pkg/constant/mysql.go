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

package constant

const (
	// MaxPacketSize is the maximum payload length of a packet
	// the server supports.
	MaxPacketSize = (1 << 24) - 1

	// ProtocolVersion is the current version of the protocol.
	// Always 10.
	ProtocolVersion = 10

	// DefaultServerVersion is the default server version we reply with.
	DefaultServerVersion = "8.0.27"

	// DefaultMaxAllowedPacket is the default value of max_allowed_packet
	// assumed until the real value is read from the server.
	DefaultMaxAllowedPacket = 4 << 20

	// MaxStmtLength is how large a single rendered statement produced by
	// the multi-row INSERT batcher may grow.
	MaxStmtLength = 1024000
)

// Supported auth plugin names.
const (
	MysqlNativePassword = "mysql_native_password"
	CachingSha2Password = "caching_sha2_password"
	Sha256Password      = "sha256_password"
	MysqlClearPassword  = "mysql_clear_password"
	MysqlOldPassword    = "mysql_old_password"
)

// Packet type markers.
const (
	// OKPacket is the header of the OK packet.
	OKPacket = 0x00

	// EOFPacket is the header of the EOF packet. It may be also the
	// header of a length-encoded integer.
	EOFPacket = 0xfe

	// ErrPacket is the header of the error packet.
	ErrPacket = 0xff

	// NullValue is the encoded value of NULL in a text row, and the
	// header of the LOCAL INFILE request packet.
	NullValue = 0xfb

	// LocalInfilePacket requests the client to stream a local file.
	LocalInfilePacket = 0xfb

	// AuthMoreDataPacket prefixes extra authentication exchange data.
	AuthMoreDataPacket = 0x01

	// AuthSwitchRequestPacket asks the client to restart
	// authentication with another plugin.
	AuthSwitchRequestPacket = 0xfe
)

// Auth exchange markers used by caching_sha2_password.
const (
	CachingSha2RequestPublicKey = 0x02
	CachingSha2FastAuthSuccess  = 0x03
	CachingSha2FullAuthRequired = 0x04
)

// Client command bytes.
const (
	ComQuit        = 0x01
	ComInitDB      = 0x02
	ComQuery       = 0x03
	ComFieldList   = 0x04
	ComStatistics  = 0x09
	ComProcessKill = 0x0c
	ComPing        = 0x0e
	ComSetOption   = 0x1b
)

// Capability flags, as exchanged in the handshake.
// See https://dev.mysql.com/doc/internals/en/capability-flags.html
const (
	CapabilityClientLongPassword = 1 << 0

	CapabilityClientFoundRows = 1 << 1

	CapabilityClientLongFlag = 1 << 2

	CapabilityClientConnectWithDB = 1 << 3

	// CapabilityClientLocalFiles enables LOAD DATA LOCAL INFILE.
	CapabilityClientLocalFiles = 1 << 7

	// CapabilityClientProtocol41 is set for new 4.1+ protocol.
	CapabilityClientProtocol41 = 1 << 9

	// CapabilityClientSSL asks to switch to TLS after the first packet.
	CapabilityClientSSL = 1 << 11

	CapabilityClientTransactions = 1 << 13

	CapabilityClientSecureConnection = 1 << 15

	CapabilityClientMultiStatements = 1 << 16

	CapabilityClientMultiResults = 1 << 17

	CapabilityClientPluginAuth = 1 << 19

	CapabilityClientConnectAttrs = 1 << 20

	CapabilityClientPluginAuthLenencClientData = 1 << 21

	CapabilityClientDeprecateEOF = 1 << 24
)

// Server status flags, returned in OK and EOF packets.
const (
	ServerStatusInTrans = 1 << 0

	ServerStatusAutocommit = 1 << 1

	ServerMoreResultsExists = 1 << 3

	ServerStatusNoGoodIndexUsed = 1 << 4

	ServerStatusNoIndexUsed = 1 << 5

	ServerStatusCursorExists = 1 << 6

	ServerStatusLastRowSent = 1 << 7

	ServerStatusDBDropped = 1 << 8

	// ServerStatusNoBackslashEscapes flips the string escaping rules to
	// ANSI quote doubling.
	ServerStatusNoBackslashEscapes = 1 << 9

	ServerStatusMetadataChanged = 1 << 10

	ServerQueryWasSlow = 1 << 11

	ServerPSOutParams = 1 << 12

	ServerStatusInTransReadonly = 1 << 13

	ServerSessionStateChanged = 1 << 14
)

// Client-side error numbers (CR_* in the C client library).
const (
	CRUnknownError = 2000

	CRConnectionError = 2002

	CRConnHostError = 2003

	CRServerGone = 2006

	CRVersionError = 2007

	CROutOfMemory = 2008

	CRWrongHostInfo = 2009

	CRServerHandshakeErr = 2012

	CRServerLost = 2013

	CRCommandsOutOfSync = 2014

	CRNamedPipeOpenError = 2017

	CRSSLConnectionError = 2026

	CRMalformedPacket = 2027
)

// Server error numbers used to classify ERR packets into the driver
// error taxonomy. The full list lives in mysqld_error.h; only the
// numbers the classifier cares about are named here.
const (
	ERConCount           = 1040
	ERDBAccessDenied     = 1044
	ERAccessDeniedError  = 1045
	ERBadNullError       = 1048
	ERBadDb              = 1049
	ERServerShutdown     = 1053
	ERDupEntry           = 1062
	ERParseError         = 1064
	ERWrongValueCount    = 1058
	ERTableExists        = 1050
	ERNoSuchTable        = 1146
	ERSyntaxError        = 1149
	ERTableAccessDenied  = 1142
	ERColumnAccessDenied = 1143
	ERPrimaryCantHaveNULL = 1171
	ERWarnNotCompleteRollback = 1196
	ERLockWaitTimeout    = 1205
	ERLockDeadlock       = 1213
	ERCannotAddForeign   = 1215
	ERNoReferencedRow    = 1216
	ERRowIsReferenced    = 1217
	ERNoDefault          = 1230
	ERNotSupportedYet    = 1235
	ERWarnDataOutOfRange = 1264
	ERWarnDataTruncated  = 1265
	ERUnknownStorageEngine = 1286
	ERFeatureDisabled    = 1289
	ERUnknownError       = 1105
	ERRowIsReferenced2   = 1451
	ERNoReferencedRow2   = 1452
	ERDataTooLong        = 1406
	ERDatetimeFunctionOverflow = 1441
	ERXAERNota           = 1397
)

// SQL states.
const (
	SSUnknownSQLState = "HY000"
	SSAccessDenied    = "28000"
	SSHandshakeError  = "08S01"
)
