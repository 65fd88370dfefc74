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

import "fmt"

type FieldType byte

const (
	FieldTypeDecimal FieldType = iota
	FieldTypeTiny
	FieldTypeShort
	FieldTypeLong
	FieldTypeFloat
	FieldTypeDouble
	FieldTypeNULL
	FieldTypeTimestamp
	FieldTypeLongLong
	FieldTypeInt24
	FieldTypeDate
	FieldTypeTime
	FieldTypeDateTime
	FieldTypeYear
	FieldTypeNewDate
	FieldTypeVarChar
	FieldTypeBit
)

const (
	FieldTypeJSON FieldType = iota + 0xf5
	FieldTypeNewDecimal
	FieldTypeEnum
	FieldTypeSet
	FieldTypeTinyBLOB
	FieldTypeMediumBLOB
	FieldTypeLongBLOB
	FieldTypeBLOB
	FieldTypeVarString
	FieldTypeString
	FieldTypeGeometry
)

// mysqlToType maps the wire type byte to the FieldType value.
var mysqlToType = map[int64]FieldType{
	0:   FieldTypeDecimal,
	1:   FieldTypeTiny,
	2:   FieldTypeShort,
	3:   FieldTypeLong,
	4:   FieldTypeFloat,
	5:   FieldTypeDouble,
	6:   FieldTypeNULL,
	7:   FieldTypeTimestamp,
	8:   FieldTypeLongLong,
	9:   FieldTypeInt24,
	10:  FieldTypeDate,
	11:  FieldTypeTime,
	12:  FieldTypeDateTime,
	13:  FieldTypeYear,
	14:  FieldTypeNewDate,
	15:  FieldTypeVarChar,
	16:  FieldTypeBit,
	245: FieldTypeJSON,
	246: FieldTypeNewDecimal,
	247: FieldTypeEnum,
	248: FieldTypeSet,
	249: FieldTypeTinyBLOB,
	250: FieldTypeMediumBLOB,
	251: FieldTypeLongBLOB,
	252: FieldTypeBLOB,
	253: FieldTypeVarString,
	254: FieldTypeString,
	255: FieldTypeGeometry,
}

// MySQLToType computes the FieldType for a wire type byte and flags.
func MySQLToType(mysqlType, flags int64) (FieldType, error) {
	result, ok := mysqlToType[mysqlType]
	if !ok {
		return 0, fmt.Errorf("unsupported type: %d", mysqlType)
	}
	return result, nil
}

// IsTextType reports whether values of the type are subject to the
// column character set when decoding text protocol rows. Everything
// else decodes as ASCII digits or raw bytes.
func (t FieldType) IsTextType() bool {
	switch t {
	case FieldTypeVarChar, FieldTypeVarString, FieldTypeString,
		FieldTypeEnum, FieldTypeSet,
		FieldTypeTinyBLOB, FieldTypeMediumBLOB, FieldTypeLongBLOB, FieldTypeBLOB,
		FieldTypeJSON, FieldTypeGeometry:
		return true
	}
	return false
}

// Column definition flags.
const (
	NotNullFlag       uint = 1 << 0  /* Field can't be NULL */
	PriKeyFlag        uint = 1 << 1  /* Field is part of a primary key */
	UniqueKeyFlag     uint = 1 << 2  /* Field is part of a unique key */
	MultipleKeyFlag   uint = 1 << 3  /* Field is part of a key */
	BlobFlag          uint = 1 << 4  /* Field is a blob */
	UnsignedFlag      uint = 1 << 5  /* Field is unsigned */
	ZerofillFlag      uint = 1 << 6  /* Field is zerofill */
	BinaryFlag        uint = 1 << 7  /* Field is binary */
	EnumFlag          uint = 1 << 8  /* Field is an enum */
	AutoIncrementFlag uint = 1 << 9  /* Field is an auto increment field */
	TimestampFlag     uint = 1 << 10 /* Field is a timestamp */
	SetFlag           uint = 1 << 11 /* Field is a set */
)

// HasUnsignedFlag checks if UnsignedFlag is set.
func HasUnsignedFlag(flag uint) bool {
	return (flag & UnsignedFlag) > 0
}

// HasBinaryFlag checks if BinaryFlag is set.
func HasBinaryFlag(flag uint) bool {
	return (flag & BinaryFlag) > 0
}

// HasNotNullFlag checks if NotNullFlag is set.
func HasNotNullFlag(flag uint) bool {
	return (flag & NotNullFlag) > 0
}
