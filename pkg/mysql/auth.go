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
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lunarisdb/mypool/pkg/constant"
	err2 "github.com/lunarisdb/mypool/pkg/errors"
	"github.com/lunarisdb/mypool/pkg/log"
	"github.com/lunarisdb/mypool/pkg/packet"
)

// AuthPlugin is one authentication method. Scramble computes the
// response sent in the handshake response packet; HandleMoreData, when
// set, continues the exchange after the server asked for more.
type AuthPlugin struct {
	Name string

	Scramble func(conn *Connection, seed []byte) ([]byte, error)

	HandleMoreData func(conn *Connection, seed, data []byte) error
}

var (
	authPluginsMu sync.RWMutex
	authPlugins   = map[string]*AuthPlugin{}
)

// RegisterAuthPlugin installs an authentication plugin. The built-in
// plugins may be overridden; registration is process wide.
func RegisterAuthPlugin(p *AuthPlugin) {
	authPluginsMu.Lock()
	authPlugins[p.Name] = p
	authPluginsMu.Unlock()
}

func lookupAuthPlugin(name string) *AuthPlugin {
	authPluginsMu.RLock()
	defer authPluginsMu.RUnlock()
	return authPlugins[name]
}

func init() {
	RegisterAuthPlugin(&AuthPlugin{
		Name: constant.MysqlNativePassword,
		Scramble: func(conn *Connection, seed []byte) ([]byte, error) {
			// Native password authentication only needs a 20-byte challenge.
			return ScrambleNativePassword(seed[:20], conn.conf.Passwd), nil
		},
	})

	RegisterAuthPlugin(&AuthPlugin{
		Name: constant.MysqlClearPassword,
		Scramble: func(conn *Connection, seed []byte) ([]byte, error) {
			return append([]byte(conn.conf.Passwd), 0), nil
		},
	})

	RegisterAuthPlugin(&AuthPlugin{
		Name: constant.MysqlOldPassword,
		Scramble: func(conn *Connection, seed []byte) ([]byte, error) {
			return append(ScrambleOldPassword(seed[:8], conn.conf.Passwd), 0), nil
		},
	})

	RegisterAuthPlugin(&AuthPlugin{
		Name: constant.CachingSha2Password,
		Scramble: func(conn *Connection, seed []byte) ([]byte, error) {
			return ScrambleSHA256Password(seed, conn.conf.Passwd), nil
		},
		HandleMoreData: cachingSha2MoreData,
	})

	RegisterAuthPlugin(&AuthPlugin{
		Name: constant.Sha256Password,
		Scramble: func(conn *Connection, seed []byte) ([]byte, error) {
			if conn.secureChannel() {
				// Cleartext over a protected channel.
				return append([]byte(conn.conf.Passwd), 0), nil
			}
			if len(conn.conf.Passwd) == 0 {
				return []byte{0}, nil
			}
			// Ask for the server public key.
			return []byte{1}, nil
		},
		HandleMoreData: sha256MoreData,
	})
}

// scramble computes the initial auth response for the named plugin.
func (conn *Connection) scramble(seed []byte, plugin string) ([]byte, error) {
	p := lookupAuthPlugin(plugin)
	if p == nil {
		log.Errorf("unknown auth plugin: %s", plugin)
		return nil, err2.ErrUnknownPlugin
	}
	return p.Scramble(conn, seed)
}

// handleAuthResult drives the authentication exchange after the
// handshake response, including at most one auth switch.
func (conn *Connection) handleAuthResult(oldAuthData []byte, plugin string) error {
	authData, newPlugin, err := conn.readAuthResult()
	if err != nil {
		return err
	}

	// Handle auth plugin switch, if requested.
	if newPlugin != "" {
		// If CLIENT_PLUGIN_AUTH capability is not supported, no new
		// seed is sent and we keep using the one from the greeting.
		if authData == nil {
			authData = oldAuthData
		} else {
			oldAuthData = authData
			conn.salt = authData
		}
		plugin = newPlugin

		authResp, err := conn.scramble(authData, plugin)
		if err != nil {
			return err
		}
		if err := conn.WritePacket(authResp); err != nil {
			return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "cannot send auth switch response: %v", err)
		}

		authData, newPlugin, err = conn.readAuthResult()
		if err != nil {
			return err
		}

		// Do not allow to change the auth plugin more than once.
		if newPlugin != "" {
			return err2.ErrMalformedPkt
		}
	}

	p := lookupAuthPlugin(plugin)
	if p == nil {
		return err2.ErrUnknownPlugin
	}
	if p.HandleMoreData == nil || authData == nil {
		// The OK packet has been consumed by readAuthResult.
		return nil
	}
	return p.HandleMoreData(conn, oldAuthData, authData)
}

// readAuthResult reads one packet of the auth exchange. It returns
// (nil, "", nil) on OK, extra plugin data on auth-more-data, and the
// new plugin name plus seed on an auth switch request.
func (conn *Connection) readAuthResult() ([]byte, string, error) {
	data, err := conn.readPacketOrClose()
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", err2.ErrMalformedPkt
	}

	switch data[0] {
	case constant.OKPacket:
		ok, err := packet.ParseOKPacket(data)
		if err != nil {
			return nil, "", err
		}
		conn.serverStatus = ok.StatusFlags
		return nil, "", nil

	case constant.AuthMoreDataPacket:
		return data[1:], "", nil

	case constant.AuthSwitchRequestPacket:
		if len(data) == 1 {
			// Old auth switch request, no plugin data.
			return nil, constant.MysqlOldPassword, nil
		}
		pluginEndIndex := bytes.IndexByte(data, 0x00)
		if pluginEndIndex < 0 {
			return nil, "", err2.ErrMalformedPkt
		}
		plugin := string(data[1:pluginEndIndex])
		authData := data[pluginEndIndex+1:]
		if len(authData) > 0 && authData[len(authData)-1] == 0 {
			authData = authData[:len(authData)-1]
		}
		return authData, plugin, nil

	default:
		return nil, "", packet.ParseErrorPacket(data)
	}
}

func cachingSha2MoreData(conn *Connection, seed, data []byte) error {
	if len(data) != 1 {
		return err2.ErrMalformedPkt
	}
	switch data[0] {
	case constant.CachingSha2FastAuthSuccess:
		return conn.readOKResponse()

	case constant.CachingSha2FullAuthRequired:
		if conn.secureChannel() {
			// Cleartext over TLS or a unix socket.
			if err := conn.WritePacket(append([]byte(conn.conf.Passwd), 0)); err != nil {
				return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", err)
			}
			return conn.readOKResponse()
		}

		pubKey := conn.conf.pubKey
		if pubKey == nil {
			pubKey = cachedServerKey(conn.conf.Addr)
		}
		if pubKey == nil {
			var err error
			pubKey, err = conn.requestServerKey(constant.CachingSha2RequestPublicKey)
			if err != nil {
				return err
			}
		}
		if err := conn.sendEncryptedPassword(seed, pubKey); err != nil {
			return err
		}
		return conn.readOKResponse()

	default:
		return err2.ErrMalformedPkt
	}
}

func sha256MoreData(conn *Connection, seed, data []byte) error {
	// The payload is the server public key in PEM form, answering the
	// request sent as the initial response.
	pubKey, err := parseServerKey(data)
	if err != nil {
		return err
	}
	cacheServerKey(conn.conf.Addr, pubKey)
	if err := conn.sendEncryptedPassword(seed, pubKey); err != nil {
		return err
	}
	return conn.readOKResponse()
}

// requestServerKey asks the server for its RSA public key and caches
// it for the address.
func (conn *Connection) requestServerKey(request byte) (*rsa.PublicKey, error) {
	if err := conn.WritePacket([]byte{request}); err != nil {
		return nil, err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", err)
	}
	data, err := conn.readPacketOrClose()
	if err != nil {
		return nil, err
	}
	if len(data) < 2 || data[0] != constant.AuthMoreDataPacket {
		return nil, err2.ErrMalformedPkt
	}
	pubKey, err := parseServerKey(data[1:])
	if err != nil {
		return nil, err
	}
	cacheServerKey(conn.conf.Addr, pubKey)
	return pubKey, nil
}

func parseServerKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, err2.NewSQLErrorKind(err2.KindInterface, "no PEM data found in server public key")
	}
	pkix, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err2.NewSQLErrorKind(err2.KindInterface, "cannot parse server public key: %v", err)
	}
	pubKey, ok := pkix.(*rsa.PublicKey)
	if !ok {
		return nil, err2.NewSQLErrorKind(err2.KindInterface, "server public key is not RSA")
	}
	return pubKey, nil
}

func (conn *Connection) sendEncryptedPassword(seed []byte, pub *rsa.PublicKey) error {
	enc, err := EncryptPassword(conn.conf.Passwd, seed, pub)
	if err != nil {
		return err
	}
	if err := conn.WritePacket(enc); err != nil {
		return err2.NewSQLError(constant.CRServerLost, constant.SSUnknownSQLState, "%v", err)
	}
	return nil
}

//
// Named key registry and per-host key cache.
//

var (
	serverPubKeyLock     sync.RWMutex
	serverPubKeyRegistry map[string]*rsa.PublicKey

	// fetchedServerKeys remembers keys obtained from servers during
	// full authentication, so repeated connects skip the extra round
	// trip until the entry expires.
	fetchedServerKeys = gocache.New(30*time.Minute, 10*time.Minute)
)

// RegisterServerPubKey registers a server RSA public key which can be
// used to send credentials securely without receiving the key from
// the (unauthenticated) server first. Registered keys are referenced
// by Config.ServerPubKey.
func RegisterServerPubKey(name string, pubKey *rsa.PublicKey) {
	serverPubKeyLock.Lock()
	if serverPubKeyRegistry == nil {
		serverPubKeyRegistry = make(map[string]*rsa.PublicKey)
	}
	serverPubKeyRegistry[name] = pubKey
	serverPubKeyLock.Unlock()
}

// DeregisterServerPubKey removes the public key registered with name.
func DeregisterServerPubKey(name string) {
	serverPubKeyLock.Lock()
	if serverPubKeyRegistry != nil {
		delete(serverPubKeyRegistry, name)
	}
	serverPubKeyLock.Unlock()
}

func getServerPubKey(name string) (pubKey *rsa.PublicKey) {
	serverPubKeyLock.RLock()
	if v, ok := serverPubKeyRegistry[name]; ok {
		pubKey = v
	}
	serverPubKeyLock.RUnlock()
	return
}

func cachedServerKey(addr string) *rsa.PublicKey {
	if v, ok := fetchedServerKeys.Get(addr); ok {
		return v.(*rsa.PublicKey)
	}
	return nil
}

func cacheServerKey(addr string, pubKey *rsa.PublicKey) {
	fetchedServerKeys.Set(addr, pubKey, gocache.DefaultExpiration)
}

//
// Scramble math.
//

// ScrambleNativePassword hashes a password with the 4.1+ method:
// SHA1(password) XOR SHA1(seed + SHA1(SHA1(password))).
func ScrambleNativePassword(scramble []byte, password string) []byte {
	if len(password) == 0 {
		return nil
	}

	// stage1Hash = SHA1(password)
	crypt := sha1.New()
	crypt.Write([]byte(password))
	stage1 := crypt.Sum(nil)

	// scrambleHash = SHA1(scramble + SHA1(stage1Hash))
	// inner hash
	crypt.Reset()
	crypt.Write(stage1)
	hash := crypt.Sum(nil)

	// outer hash
	crypt.Reset()
	crypt.Write(scramble)
	crypt.Write(hash)
	scramble = crypt.Sum(nil)

	// token = scrambleHash XOR stage1Hash
	for i := range scramble {
		scramble[i] ^= stage1[i]
	}
	return scramble
}

// ScrambleSHA256Password hashes a password with the MySQL 8+ method:
// SHA256(password) XOR SHA256(SHA256(SHA256(password)) + scramble).
func ScrambleSHA256Password(scramble []byte, password string) []byte {
	if len(password) == 0 {
		return nil
	}

	crypt := sha256.New()
	crypt.Write([]byte(password))
	message1 := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(message1)
	message1Hash := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(message1Hash)
	crypt.Write(scramble)
	message2 := crypt.Sum(nil)

	for i := range message1 {
		message1[i] ^= message2[i]
	}

	return message1
}

// EncryptPassword produces the RSA-OAEP ciphertext of the NUL
// terminated password XORed with the seed, for the sha256 family full
// authentication path.
func EncryptPassword(password string, seed []byte, pub *rsa.PublicKey) ([]byte, error) {
	plain := make([]byte, len(password)+1)
	copy(plain, password)
	for i := range plain {
		j := i % len(seed)
		plain[i] ^= seed[j]
	}
	h := sha1.New()
	return rsa.EncryptOAEP(h, rand.Reader, pub, plain, nil)
}

// Pre 4.1 password hashing.
// https://github.com/atcurtis/mariadb/blob/master/mysys/my_rnd.c
type myRnd struct {
	seed1, seed2 uint32
}

const myRndMaxVal = 0x3FFFFFFF

func newMyRnd(seed1, seed2 uint32) *myRnd {
	return &myRnd{
		seed1: seed1 % myRndMaxVal,
		seed2: seed2 % myRndMaxVal,
	}
}

func (r *myRnd) NextByte() byte {
	r.seed1 = (r.seed1*3 + r.seed2) % myRndMaxVal
	r.seed2 = (r.seed1 + r.seed2 + 33) % myRndMaxVal

	return byte(uint64(r.seed1) * 31 / myRndMaxVal)
}

func pwHash(password []byte) (result [2]uint32) {
	var add uint32 = 7
	var tmp uint32

	result[0] = 1345345333
	result[1] = 0x12345671

	for _, c := range password {
		// skip spaces and tabs in password
		if c == ' ' || c == '\t' {
			continue
		}

		tmp = uint32(c)
		result[0] ^= (((result[0] & 63) + add) * tmp) + (result[0] << 8)
		result[1] += (result[1] << 8) ^ result[0]
		add += tmp
	}

	// Remove sign bit (1<<31)-1)
	result[0] &= 0x7FFFFFFF
	result[1] &= 0x7FFFFFFF

	return
}

// ScrambleOldPassword hashes a password with the insecure pre 4.1
// method.
func ScrambleOldPassword(scramble []byte, password string) []byte {
	scramble = scramble[:8]

	hashPw := pwHash([]byte(password))
	hashSc := pwHash(scramble)

	r := newMyRnd(hashPw[0]^hashSc[0], hashPw[1]^hashSc[1])

	var out [8]byte
	for i := range out {
		out[i] = r.NextByte() + 64
	}

	mask := r.NextByte()
	for i := range out {
		out[i] ^= mask
	}

	return out[:]
}
