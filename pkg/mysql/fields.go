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
	"github.com/lunarisdb/mypool/pkg/charset"
	"github.com/lunarisdb/mypool/pkg/constant"
)

// Field is one column definition of a result set, parsed from a
// column definition packet.
type Field struct {
	Catalog      string
	Database     string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharSet      uint16
	ColumnLength uint32
	FieldType    constant.FieldType
	Flags        uint
	Decimals     byte
}

// IsBinary reports whether the column holds binary rather than text
// data. TEXT wire types with the binary collation are BLOBs.
func (f *Field) IsBinary() bool {
	return f.CharSet == charset.BinaryID
}

// Description is one entry of a cursor description, the 7-item
// column summary of the generic database client convention.
type Description struct {
	Name         string
	TypeCode     constant.FieldType
	DisplaySize  interface{}
	InternalSize interface{}
	Precision    interface{}
	Scale        interface{}
	NullOK       bool
}

func (f *Field) description() Description {
	d := Description{
		Name:         f.Name,
		TypeCode:     f.FieldType,
		InternalSize: int64(f.ColumnLength),
		NullOK:       !constant.HasNotNullFlag(f.Flags),
	}
	switch f.FieldType {
	case constant.FieldTypeDecimal, constant.FieldTypeNewDecimal:
		d.Precision = int64(f.ColumnLength)
		d.Scale = int64(f.Decimals)
	default:
		d.DisplaySize = int64(f.ColumnLength)
	}
	return d
}

// TypeDatabaseName returns the SQL name of the column type.
func (f *Field) TypeDatabaseName() string {
	switch f.FieldType {
	case constant.FieldTypeBit:
		return "BIT"
	case constant.FieldTypeBLOB:
		if !f.IsBinary() {
			return "TEXT"
		}
		return "BLOB"
	case constant.FieldTypeDate, constant.FieldTypeNewDate:
		return "DATE"
	case constant.FieldTypeDateTime:
		return "DATETIME"
	case constant.FieldTypeDecimal, constant.FieldTypeNewDecimal:
		return "DECIMAL"
	case constant.FieldTypeDouble:
		return "DOUBLE"
	case constant.FieldTypeEnum:
		return "ENUM"
	case constant.FieldTypeFloat:
		return "FLOAT"
	case constant.FieldTypeGeometry:
		return "GEOMETRY"
	case constant.FieldTypeInt24:
		return "MEDIUMINT"
	case constant.FieldTypeJSON:
		return "JSON"
	case constant.FieldTypeLong:
		return "INT"
	case constant.FieldTypeLongBLOB:
		if !f.IsBinary() {
			return "LONGTEXT"
		}
		return "LONGBLOB"
	case constant.FieldTypeLongLong:
		return "BIGINT"
	case constant.FieldTypeMediumBLOB:
		if !f.IsBinary() {
			return "MEDIUMTEXT"
		}
		return "MEDIUMBLOB"
	case constant.FieldTypeNULL:
		return "NULL"
	case constant.FieldTypeSet:
		return "SET"
	case constant.FieldTypeShort:
		return "SMALLINT"
	case constant.FieldTypeString:
		if f.IsBinary() {
			return "BINARY"
		}
		return "CHAR"
	case constant.FieldTypeTime:
		return "TIME"
	case constant.FieldTypeTimestamp:
		return "TIMESTAMP"
	case constant.FieldTypeTiny:
		return "TINYINT"
	case constant.FieldTypeTinyBLOB:
		if !f.IsBinary() {
			return "TINYTEXT"
		}
		return "TINYBLOB"
	case constant.FieldTypeVarChar, constant.FieldTypeVarString:
		if f.IsBinary() {
			return "VARBINARY"
		}
		return "VARCHAR"
	case constant.FieldTypeYear:
		return "YEAR"
	default:
		return ""
	}
}
