// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frame

import (
	"fmt"
	"strings"
)

// DeclaredType is the server-advertised semantic type of a column, which drives
// coercion. The set of values is closed; anything the server reports that is
// not recognized becomes TypeOther and passes through untouched.
type DeclaredType int

// Values of DeclaredType.
const (
	TypeNone DeclaredType = iota // no declared type
	TypeNumeric
	TypeMoney
	TypeBoolean
	TypeText
	TypeTemporal
	TypeGeo
	TypeOther
)

func (t DeclaredType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeNumeric:
		return "numeric"
	case TypeMoney:
		return "money"
	case TypeBoolean:
		return "boolean"
	case TypeText:
		return "text"
	case TypeTemporal:
		return "temporal"
	case TypeGeo:
		return "geo"
	case TypeOther:
		return "other"
	default:
		return fmt.Sprintf("<Undefined DeclaredType: %d>", int(t))
	}
}

// ParseDeclaredType maps a SODA dataTypeName onto DeclaredType. An empty name
// means the field has no declared type.
func ParseDeclaredType(name string) DeclaredType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return TypeNone
	case "number", "double", "percent":
		return TypeNumeric
	case "money":
		return TypeMoney
	case "checkbox", "boolean":
		return TypeBoolean
	case "text", "url", "email", "phone", "html":
		return TypeText
	case "calendar_date", "date", "floating_timestamp", "fixed_timestamp":
		return TypeTemporal
	case "point", "multipoint", "line", "multiline", "polygon", "multipolygon",
		"location":
		return TypeGeo
	default:
		return TypeOther
	}
}

// Schema maps field names to their declared types. A field absent from the map
// has no declared type.
type Schema map[string]DeclaredType

// Type returns the declared type of the field, or TypeNone.
func (s Schema) Type(field string) DeclaredType {
	if s == nil {
		return TypeNone
	}
	return s[field]
}
