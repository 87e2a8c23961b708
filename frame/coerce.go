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
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/logging"
)

// CoercionError is a failure to convert a single column. The column is left
// unconverted; the rest of the table is not affected.
type CoercionError struct {
	Column string
	Type   DeclaredType
	Row    int // -1 when not attributable to a row
	Reason string
}

var _ error = &CoercionError{}

func (e *CoercionError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("column %s (%s): %s", e.Column, e.Type, e.Reason)
	}
	return fmt.Sprintf("column %s (%s), row %d: %s", e.Column, e.Type, e.Row, e.Reason)
}

// timeFormats accepted for temporal values, tried in order.
var timeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05.999Z",
	"2006-01-02 15:04:05.999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 03:04:05 PM",
	"01/02/2006",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, f := range timeFormats {
		if tm, err := time.Parse(f, s); err == nil {
			return tm, true
		}
	}
	return time.Time{}, false
}

// isEmpty checks whether every value of a raw column is missing or "".
func isEmpty(c *Column) bool {
	for i := range c.Raw {
		if c.Null[i] {
			continue
		}
		if s, ok := c.Raw[i].(string); ok && s == "" {
			continue
		}
		return false
	}
	return true
}

// Coerce converts the raw columns of the table to typed columns according to
// the declared types in the schema, replacing them in place. Columns that are
// already typed are left alone, so coercing the same table again does not
// change it.
//
// A column that is entirely missing or empty is left as is, unless it is
// declared temporal, in which case it still becomes a KindTime column of
// missing values.
//
// A failure to convert a column does not affect the other columns: the column
// stays raw, and the error is logged and returned.
func (t *Table) Coerce(ctx context.Context, s Schema) []*CoercionError {
	var errs []*CoercionError
	for i, c := range t.Columns {
		tp := s.Type(c.Name)
		res, err := CoerceColumn(c, tp)
		if err != nil {
			logging.Warningf(ctx, "leaving column %s unconverted: %s", c.Name, err.Error())
			errs = append(errs, err)
			continue
		}
		t.Columns[i] = res
	}
	return errs
}

// CoerceColumn converts a single column to its declared type. The original
// column is never modified; when there is nothing to convert, it is returned
// as is.
func CoerceColumn(c *Column, tp DeclaredType) (res *Column, err *CoercionError) {
	if c.Kind != KindRaw {
		return c, nil
	}
	switch tp {
	case TypeNumeric, TypeMoney, TypeBoolean, TypeText, TypeTemporal:
	default:
		return c, nil
	}
	if tp != TypeTemporal && isEmpty(c) {
		return c, nil
	}
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &CoercionError{Column: c.Name, Type: tp, Row: -1,
				Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	switch tp {
	case TypeNumeric, TypeMoney:
		return convert(c, tp, KindFloat, func(res *Column, v interface{}) (bool, string) {
			f, ok := toFloat(v)
			res.Floats = append(res.Floats, f)
			return ok, ""
		})
	case TypeTemporal:
		return convert(c, tp, KindTime, func(res *Column, v interface{}) (bool, string) {
			tm, ok := toTime(v)
			res.Times = append(res.Times, tm)
			return ok, ""
		})
	case TypeBoolean:
		return convert(c, tp, KindBool, func(res *Column, v interface{}) (bool, string) {
			b, ok, reason := toBool(v)
			res.Bools = append(res.Bools, b)
			return ok, reason
		})
	default: // TypeText
		return convert(c, tp, KindString, func(res *Column, v interface{}) (bool, string) {
			s, ok, reason := toString(v)
			res.Strings = append(res.Strings, s)
			return ok, reason
		})
	}
}

// convert builds a new column of the given kind by calling f on every raw
// value. f appends exactly one value to res and reports whether it is present;
// a non-empty reason aborts the conversion of the whole column.
func convert(c *Column, tp DeclaredType, kind Kind,
	f func(res *Column, v interface{}) (bool, string)) (*Column, *CoercionError) {
	res := NewColumn(c.Name, kind)
	res.Null = make([]bool, 0, c.Len())
	for i, v := range c.Raw {
		ok, reason := f(res, v)
		if reason != "" {
			return nil, &CoercionError{Column: c.Name, Type: tp, Row: i, Reason: reason}
		}
		res.Null = append(res.Null, !ok)
	}
	return res, nil
}

// toFloat never fails; unparsable values are missing.
func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, false
		}
	case bool:
		if x {
			f = 1
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// toTime never fails; unparsable values are missing.
func toTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case string:
		return parseTime(x)
	}
	return time.Time{}, false
}

// toBool accepts native booleans and "true"/"false" in any case. Other strings
// and nil are unset. Values of any other type cannot represent a boolean.
func toBool(v interface{}) (bool, bool, string) {
	switch x := v.(type) {
	case nil:
		return false, false, ""
	case bool:
		return x, true, ""
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, true, ""
		case "false":
			return false, true, ""
		}
		return false, false, ""
	}
	return false, false, fmt.Sprintf("not a boolean literal: %v (%T)", v, v)
}

// toString normalizes scalars to strings. nil and NaN are missing; objects and
// arrays are not text.
func toString(v interface{}) (string, bool, string) {
	switch x := v.(type) {
	case nil:
		return "", false, ""
	case string:
		return x, true, ""
	case float64:
		if math.IsNaN(x) {
			return "", false, ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true, ""
	case json.Number:
		return x.String(), true, ""
	case bool:
		return strconv.FormatBool(x), true, ""
	}
	return "", false, fmt.Sprintf("not a text value: %T", v)
}
