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
	"crypto/rsa"
	"crypto/tls"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lunarisdb/mypool/pkg/charset"
	"github.com/lunarisdb/mypool/pkg/constant"
	"github.com/lunarisdb/mypool/pkg/conv"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/misc"
)

// CursorType selects the default cursor a connection hands out.
type CursorType int

const (
	// CursorBuffered reads the whole result set on execute and
	// returns tuple rows.
	CursorBuffered CursorType = iota

	// CursorBufferedDict returns rows keyed by column name.
	CursorBufferedDict

	// CursorUnbuffered streams rows one at a time.
	CursorUnbuffered

	// CursorUnbufferedDict streams rows keyed by column name.
	CursorUnbufferedDict
)

// Config holds every connection option. The zero value is unusable;
// get one from NewConfig or ParseDSN.
type Config struct {
	User             string            // Username
	Passwd           string            // Password (requires User)
	Net              string            // Network type
	Addr             string            // Network address (requires Net)
	UnixSocket       string            // Unix socket path, preferred over Addr when set
	DBName           string            // Database name
	Params           map[string]string // Connection parameters
	Charset          string            // Connection character set
	Loc              *time.Location    // Location for time.Time values
	MaxAllowedPacket int               // Max packet size allowed
	ServerPubKey     string            // Server public key name
	pubKey           *rsa.PublicKey    // Server public key
	TLSConfig        string            // TLS configuration name: "", false, true, skip-verify, preferred
	tls              *tls.Config       // TLS configuration
	Timeout          time.Duration     // Dial + handshake timeout
	ReadTimeout      time.Duration     // I/O read timeout
	WriteTimeout     time.Duration     // I/O write timeout

	SQLMode     string // Session sql_mode applied after connect
	InitCommand string // Initial statement run when the connection is established

	ReadDefaultFile  string // my.cnf style defaults file
	ReadDefaultGroup string // option group, "client" when empty

	ClientFlag  uint32     // Extra capability flags requested by the caller
	AuthPlugin  string     // Forced auth plugin name, "" to follow the server
	ProgramName string     // Reported in connection attributes
	Cursor      CursorType // Default cursor type

	Autocommit      bool // Session autocommit mode
	LocalInfile     bool // Allow LOAD DATA LOCAL INFILE
	UseUnicode      bool // Decode text columns into strings
	ClientFoundRows bool // Return number of matching rows instead of rows changed
	Echo            bool // Log every statement before dispatch

	Conv conv.Map // Optional decoder table replacing the default one
}

// NewConfig creates a new Config and sets default values.
func NewConfig() *Config {
	return &Config{
		Charset:          charset.DefaultCharset,
		Loc:              time.Local,
		MaxAllowedPacket: constant.DefaultMaxAllowedPacket,
		UseUnicode:       true,
	}
}

func (cfg *Config) Clone() *Config {
	cp := *cfg
	if cp.tls != nil {
		cp.tls = cfg.tls.Clone()
	}
	if len(cp.Params) > 0 {
		cp.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			cp.Params[k] = v
		}
	}
	if cfg.pubKey != nil {
		cp.pubKey = &rsa.PublicKey{
			N: new(big.Int).Set(cfg.pubKey.N),
			E: cfg.pubKey.E,
		}
	}
	return &cp
}

// SetTLS installs an explicit TLS configuration, taking precedence
// over the TLSConfig name.
func (cfg *Config) SetTLS(conf *tls.Config) {
	cfg.tls = conf
}

func (cfg *Config) normalize() error {
	if cfg.ReadDefaultFile != "" {
		if err := cfg.readDefaults(); err != nil {
			return err
		}
	}

	if cfg.Charset == "" {
		cfg.Charset = charset.DefaultCharset
	}
	if _, err := charset.ByName(cfg.Charset); err != nil {
		return err
	}
	if cfg.Loc == nil {
		cfg.Loc = time.Local
	}
	if cfg.MaxAllowedPacket == 0 {
		cfg.MaxAllowedPacket = constant.DefaultMaxAllowedPacket
	}

	// Set default network if empty.
	if cfg.Net == "" {
		if cfg.UnixSocket != "" {
			cfg.Net = "unix"
			cfg.Addr = cfg.UnixSocket
		} else {
			cfg.Net = "tcp"
		}
	}

	// Set default address if empty.
	if cfg.Addr == "" {
		switch cfg.Net {
		case "tcp":
			cfg.Addr = "127.0.0.1:3306"
		case "unix":
			cfg.Addr = "/tmp/mysql.sock"
		default:
			return errors.New("default addr for network '" + cfg.Net + "' unknown")
		}
	} else if cfg.Net == "tcp" {
		cfg.Addr = ensureHavePort(cfg.Addr)
	}

	if cfg.tls == nil {
		switch cfg.TLSConfig {
		case "false", "":
			// don't set anything
		case "true":
			cfg.tls = &tls.Config{}
		case "skip-verify", "preferred":
			cfg.tls = &tls.Config{InsecureSkipVerify: true}
		default:
			return errors.New("invalid value / unknown tls config name: " + cfg.TLSConfig)
		}
	}

	if cfg.tls != nil && cfg.tls.ServerName == "" && !cfg.tls.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err == nil {
			cfg.tls.ServerName = host
		}
	}

	if cfg.ServerPubKey != "" {
		cfg.pubKey = getServerPubKey(cfg.ServerPubKey)
		if cfg.pubKey == nil {
			return errors.New("invalid value / unknown server pub key name: " + cfg.ServerPubKey)
		}
	}

	return nil
}

// readDefaults merges the my.cnf option group under explicit values:
// a file value is applied only where the caller left the option at
// its zero value, except the charset, which the file also replaces
// when it is still the default charset.
func (cfg *Config) readDefaults() error {
	group := cfg.ReadDefaultGroup
	if group == "" {
		group = "client"
	}
	options, err := misc.ParseDefaultsFile(cfg.ReadDefaultFile, group)
	if err != nil {
		return err
	}

	host, port := "", ""
	if cfg.Addr != "" {
		host, port, _ = net.SplitHostPort(cfg.Addr)
		if host == "" && port == "" {
			host = cfg.Addr
		}
	}
	if host == "" {
		host = options["host"]
	}
	if port == "" {
		port = options["port"]
	}
	if host != "" {
		if port == "" {
			port = "3306"
		}
		cfg.Addr = net.JoinHostPort(host, port)
	}

	if cfg.User == "" {
		cfg.User = options["user"]
	}
	if cfg.Passwd == "" {
		cfg.Passwd = options["password"]
	}
	if cfg.DBName == "" {
		cfg.DBName = options["database"]
	}
	if cfg.UnixSocket == "" {
		cfg.UnixSocket = options["socket"]
	}
	if cfg.Charset == "" || cfg.Charset == charset.DefaultCharset {
		if v, ok := options["default-character-set"]; ok {
			cfg.Charset = v
		}
	}
	return nil
}

// ParseDSN parses a data source name of the familiar
// [user[:password]@][net[(addr)]]/dbname[?param1=value1&...] shape.
func ParseDSN(dsn string) (cfg *Config, err error) {
	// New config with some default values.
	cfg = NewConfig()

	// Find the last '/' (since the password or the net addr might contain a '/')
	foundSlash := false
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] == '/' {
			foundSlash = true
			var j, k int

			// left part is empty if i <= 0
			if i > 0 {
				// [username[:password]@][protocol[(address)]]
				// Find the last '@' in dsn[:i]
				for j = i; j >= 0; j-- {
					if dsn[j] == '@' {
						// username[:password]
						// Find the first ':' in dsn[:j]
						for k = 0; k < j; k++ {
							if dsn[k] == ':' {
								cfg.Passwd = dsn[k+1 : j]
								break
							}
						}
						cfg.User = dsn[:k]

						break
					}
				}

				// [protocol[(address)]]
				// Find the first '(' in dsn[j+1:i]
				for k = j + 1; k < i; k++ {
					if dsn[k] == '(' {
						// dsn[i-1] must be == ')' if an address is specified
						if dsn[i-1] != ')' {
							if strings.ContainsRune(dsn[k+1:i], ')') {
								return nil, err2.ErrInvalidDSNUnescaped
							}
							return nil, err2.ErrInvalidDSNAddr
						}
						cfg.Addr = dsn[k+1 : i-1]
						break
					}
				}
				cfg.Net = dsn[j+1 : k]
			}

			// dbname[?param1=value1&...&paramN=valueN]
			// Find the first '?' in dsn[i+1:]
			for j = i + 1; j < len(dsn); j++ {
				if dsn[j] == '?' {
					if err = parseDSNParams(cfg, dsn[j+1:]); err != nil {
						return
					}
					break
				}
			}
			cfg.DBName = dsn[i+1 : j]

			break
		}
	}

	if !foundSlash && len(dsn) > 0 {
		return nil, err2.ErrInvalidDSNNoSlash
	}

	if err = cfg.normalize(); err != nil {
		return nil, err
	}
	return
}

// parseDSNParams parses the DSN "query string".
// Values must be url.QueryEscape'ed.
func parseDSNParams(cfg *Config, params string) (err error) {
	for _, v := range strings.Split(params, "&") {
		param := strings.SplitN(v, "=", 2)
		if len(param) != 2 {
			continue
		}

		switch value := param[1]; param[0] {
		case "charset":
			cfg.Charset = value

		case "autocommit":
			var isBool bool
			cfg.Autocommit, isBool = misc.ReadBool(value)
			if !isBool {
				return errors.New("invalid bool value: " + value)
			}

		case "localInfile":
			var isBool bool
			cfg.LocalInfile, isBool = misc.ReadBool(value)
			if !isBool {
				return errors.New("invalid bool value: " + value)
			}

		case "clientFoundRows":
			var isBool bool
			cfg.ClientFoundRows, isBool = misc.ReadBool(value)
			if !isBool {
				return errors.New("invalid bool value: " + value)
			}

		case "echo":
			var isBool bool
			cfg.Echo, isBool = misc.ReadBool(value)
			if !isBool {
				return errors.New("invalid bool value: " + value)
			}

		case "useUnicode":
			var isBool bool
			cfg.UseUnicode, isBool = misc.ReadBool(value)
			if !isBool {
				return errors.New("invalid bool value: " + value)
			}

		case "sqlMode":
			if cfg.SQLMode, err = url.QueryUnescape(value); err != nil {
				return
			}

		case "initCommand":
			if cfg.InitCommand, err = url.QueryUnescape(value); err != nil {
				return
			}

		case "readDefaultFile":
			if cfg.ReadDefaultFile, err = url.QueryUnescape(value); err != nil {
				return
			}

		case "readDefaultGroup":
			cfg.ReadDefaultGroup = value

		case "authPlugin":
			cfg.AuthPlugin = value

		case "programName":
			if cfg.ProgramName, err = url.QueryUnescape(value); err != nil {
				return
			}

		case "loc":
			if value, err = url.QueryUnescape(value); err != nil {
				return
			}
			cfg.Loc, err = time.LoadLocation(value)
			if err != nil {
				return
			}

		case "timeout":
			cfg.Timeout, err = time.ParseDuration(value)
			if err != nil {
				return
			}

		case "readTimeout":
			cfg.ReadTimeout, err = time.ParseDuration(value)
			if err != nil {
				return
			}

		case "writeTimeout":
			cfg.WriteTimeout, err = time.ParseDuration(value)
			if err != nil {
				return
			}

		case "maxAllowedPacket":
			cfg.MaxAllowedPacket, err = strconv.Atoi(value)
			if err != nil {
				return
			}

		case "serverPubKey":
			name, err := url.QueryUnescape(value)
			if err != nil {
				return errors.Errorf("invalid value for server pub key name: %v", err)
			}
			cfg.ServerPubKey = name

		case "tls":
			boolValue, isBool := misc.ReadBool(value)
			if isBool {
				if boolValue {
					cfg.TLSConfig = "true"
				} else {
					cfg.TLSConfig = "false"
				}
			} else if vl := strings.ToLower(value); vl == "skip-verify" || vl == "preferred" {
				cfg.TLSConfig = vl
			} else {
				name, err := url.QueryUnescape(value)
				if err != nil {
					return errors.Errorf("invalid value for TLS config name: %v", err)
				}
				cfg.TLSConfig = name
			}

		default:
			// lazy init
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}

			if cfg.Params[param[0]], err = url.QueryUnescape(value); err != nil {
				return
			}
		}
	}

	return
}

func ensureHavePort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "3306")
	}
	return addr
}
