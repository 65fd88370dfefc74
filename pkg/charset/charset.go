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

// Package charset maps MySQL character set names and collation ids to
// Go text encodings. Only the character sets a client is likely to
// negotiate are covered; everything unknown decodes as raw bytes.
package charset

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

const (
	// DefaultCharset is used when the caller does not pick one.
	DefaultCharset = "utf8mb4"

	// BinaryID is the collation id of the binary pseudo charset. A
	// text column with this id holds binary data.
	BinaryID = 63
)

// Charset describes one MySQL character set.
type Charset struct {
	Name string

	// ID is the default collation id sent in the handshake.
	ID uint8

	// Encoding converts between the charset and UTF-8. A nil
	// Encoding means the bytes are already valid UTF-8 (or a strict
	// subset of it) and can be used as-is.
	Encoding encoding.Encoding

	// Binary marks the binary pseudo charset.
	Binary bool
}

var byName = map[string]*Charset{}
var byID = map[uint8]*Charset{}

func register(name string, id uint8, enc encoding.Encoding, binary bool) {
	cs := &Charset{Name: name, ID: id, Encoding: enc, Binary: binary}
	byName[name] = cs
	byID[id] = cs
}

func init() {
	register("big5", 1, traditionalchinese.Big5, false)
	register("cp850", 4, charmap.CodePage850, false)
	register("koi8r", 7, charmap.KOI8R, false)
	register("latin1", 8, charmap.Windows1252, false)
	register("latin2", 9, charmap.ISO8859_2, false)
	register("ascii", 11, nil, false)
	register("sjis", 13, japanese.ShiftJIS, false)
	register("hebrew", 16, charmap.ISO8859_8, false)
	register("tis620", 18, charmap.Windows874, false)
	register("euckr", 19, korean.EUCKR, false)
	register("koi8u", 22, charmap.KOI8U, false)
	register("gb2312", 24, simplifiedchinese.HZGB2312, false)
	register("greek", 25, charmap.ISO8859_7, false)
	register("cp1250", 26, charmap.Windows1250, false)
	register("gbk", 28, simplifiedchinese.GBK, false)
	register("latin5", 30, charmap.ISO8859_9, false)
	register("utf8", 33, nil, false)
	register("utf8mb3", 33, nil, false)
	register("cp866", 36, charmap.CodePage866, false)
	register("cp852", 40, charmap.CodePage852, false)
	register("latin7", 41, charmap.ISO8859_13, false)
	register("utf8mb4", 45, nil, false)
	register("cp1251", 51, charmap.Windows1251, false)
	register("cp1256", 57, charmap.Windows1256, false)
	register("cp1257", 59, charmap.Windows1257, false)
	register("binary", BinaryID, nil, true)
	register("geostd8", 92, charmap.Windows1252, false)
	register("cp932", 95, japanese.ShiftJIS, false)
	register("eucjpms", 97, japanese.EUCJP, false)
	register("gb18030", 248, simplifiedchinese.GB18030, false)
}

// ByName looks a character set up by its MySQL name.
func ByName(name string) (*Charset, error) {
	if cs, ok := byName[name]; ok {
		return cs, nil
	}
	return nil, fmt.Errorf("unknown charset %q", name)
}

// ByID looks a character set up by collation id. Collation ids beyond
// the default ones collapse onto their character set where known;
// unknown ids return nil.
func ByID(id uint8) *Charset {
	if cs, ok := byID[id]; ok {
		return cs
	}
	switch {
	case id == 83 || id == 76 || (id >= 192 && id <= 215):
		return byName["utf8"]
	case id == 46 || id == 246 || id == 255 || (id >= 224 && id <= 247):
		return byName["utf8mb4"]
	case id == 5 || id == 15 || id == 31 || id == 47 || id == 48 || id == 49 || id == 94:
		return byName["latin1"]
	case id == 87:
		return byName["gbk"]
	}
	return nil
}

// Decode converts raw column bytes into a UTF-8 string.
func (cs *Charset) Decode(raw []byte) (string, error) {
	if cs == nil || cs.Encoding == nil {
		return string(raw), nil
	}
	out, err := cs.Encoding.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Encode converts a UTF-8 string into the charset's byte encoding.
func (cs *Charset) Encode(s string) ([]byte, error) {
	if cs == nil || cs.Encoding == nil {
		return []byte(s), nil
	}
	return cs.Encoding.NewEncoder().Bytes([]byte(s))
}
