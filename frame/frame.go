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

// Package frame implements a small columnar table for data downloaded from a
// paginated API, together with the schema-driven coercion of its raw columns
// into typed ones.
//
// A freshly assembled Table has only KindRaw columns, holding the values as
// they were decoded from JSON. Coerce converts them to typed columns according
// to a Schema of declared types.
package frame

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stockparfait/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Kind is the storage kind of a Column.
type Kind int

// Values of Kind.
const (
	KindRaw Kind = iota
	KindFloat
	KindTime
	KindBool // tri-state: unset values are null
	KindString
	KindLast // to check for invalid kinds
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindFloat:
		return "float"
	case KindTime:
		return "time"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("<Undefined Kind: %d>", int(k))
	}
}

// TimeFormat is used when rendering KindTime values as strings.
const TimeFormat = "2006-01-02T15:04:05.000"

// Column is a named sequence of values of a single Kind. Null marks missing
// values and is always as long as the column. Only the value slice matching
// the Kind is populated.
type Column struct {
	Name    string
	Kind    Kind
	Null    []bool
	Raw     []interface{}
	Floats  []float64
	Times   []time.Time
	Bools   []bool
	Strings []string
}

// NewColumn creates an empty column of the given kind.
func NewColumn(name string, kind Kind) *Column {
	return &Column{Name: name, Kind: kind}
}

// Len is the number of values in the column.
func (c *Column) Len() int { return len(c.Null) }

// IsNull checks whether i'th value is missing.
func (c *Column) IsNull(i int) bool { return c.Null[i] }

// Value returns i'th value as interface{}, or nil for a missing value.
func (c *Column) Value(i int) interface{} {
	if c.Null[i] {
		return nil
	}
	switch c.Kind {
	case KindRaw:
		return c.Raw[i]
	case KindFloat:
		return c.Floats[i]
	case KindTime:
		return c.Times[i]
	case KindBool:
		return c.Bools[i]
	case KindString:
		return c.Strings[i]
	}
	return nil
}

// String renders i'th value for CSV or text output. Missing values are empty.
func (c *Column) String(i int) string {
	if c.Null[i] {
		return ""
	}
	switch c.Kind {
	case KindRaw:
		return rawString(c.Raw[i])
	case KindFloat:
		return strconv.FormatFloat(c.Floats[i], 'f', -1, 64)
	case KindTime:
		return c.Times[i].Format(TimeFormat)
	case KindBool:
		return strconv.FormatBool(c.Bools[i])
	case KindString:
		return c.Strings[i]
	}
	return ""
}

func rawString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

// appendRaw adds a raw value, treating nil as missing.
func (c *Column) appendRaw(v interface{}) {
	c.Null = append(c.Null, v == nil)
	c.Raw = append(c.Raw, v)
}

// appendNulls adds n missing values of the column's kind.
func (c *Column) appendNulls(n int) {
	for i := 0; i < n; i++ {
		c.Null = append(c.Null, true)
		switch c.Kind {
		case KindRaw:
			c.Raw = append(c.Raw, nil)
		case KindFloat:
			c.Floats = append(c.Floats, 0)
		case KindTime:
			c.Times = append(c.Times, time.Time{})
		case KindBool:
			c.Bools = append(c.Bools, false)
		case KindString:
			c.Strings = append(c.Strings, "")
		}
	}
}

// appendColumn appends all the values of c2, which must be of the same kind.
func (c *Column) appendColumn(c2 *Column) error {
	if c.Kind != c2.Kind {
		return errors.Reason("column %s: cannot append %s values to %s column",
			c.Name, c2.Kind, c.Kind)
	}
	c.Null = append(c.Null, c2.Null...)
	switch c.Kind {
	case KindRaw:
		c.Raw = append(c.Raw, c2.Raw...)
	case KindFloat:
		c.Floats = append(c.Floats, c2.Floats...)
	case KindTime:
		c.Times = append(c.Times, c2.Times...)
	case KindBool:
		c.Bools = append(c.Bools, c2.Bools...)
	case KindString:
		c.Strings = append(c.Strings, c2.Strings...)
	}
	return nil
}

// Table is an ordered set of equally long columns.
type Table struct {
	Columns []*Column
}

// NewTable creates a Table from columns. It is expected that all the columns
// have the same length.
func NewTable(columns ...*Column) *Table {
	return &Table{Columns: columns}
}

// NumRows is the number of rows in the table.
func (t *Table) NumRows() int {
	if t == nil || len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Len()
}

// Header is the list of column names.
func (t *Table) Header() []string {
	h := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		h[i] = c.Name
	}
	return h
}

// Column by name, or nil if not present.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Row renders i'th row as strings, in column order.
func (t *Table) Row(i int) []string {
	row := make([]string, len(t.Columns))
	for j, c := range t.Columns {
		row[j] = c.String(i)
	}
	return row
}

// Check verifies that all the columns are consistent and of the same length.
func (t *Table) Check() error {
	n := t.NumRows()
	for _, c := range t.Columns {
		if c.Kind < 0 || c.Kind >= KindLast {
			return errors.Reason("column %s has invalid kind %d", c.Name, int(c.Kind))
		}
		if c.Len() != n {
			return errors.Reason("column %s has %d values, expected %d",
				c.Name, c.Len(), n)
		}
		var l int
		switch c.Kind {
		case KindRaw:
			l = len(c.Raw)
		case KindFloat:
			l = len(c.Floats)
		case KindTime:
			l = len(c.Times)
		case KindBool:
			l = len(c.Bools)
		case KindString:
			l = len(c.Strings)
		}
		if l != n {
			return errors.Reason("column %s has %d %s values, expected %d",
				c.Name, l, c.Kind, n)
		}
	}
	return nil
}

// FromRecords assembles a table of KindRaw columns from decoded JSON records.
// Records may omit fields; the omitted values become missing. Columns listed
// in order come first, in that order; the remaining fields follow sorted by
// name.
func FromRecords(records []map[string]interface{}, order ...string) *Table {
	seen := make(map[string]bool)
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}
	names := make([]string, 0, len(seen))
	for _, n := range order {
		if seen[n] {
			names = append(names, n)
			delete(seen, n)
		}
	}
	rest := maps.Keys(seen)
	slices.Sort(rest)
	names = append(names, rest...)

	t := &Table{Columns: make([]*Column, len(names))}
	for i, n := range names {
		c := NewColumn(n, KindRaw)
		c.Null = make([]bool, 0, len(records))
		c.Raw = make([]interface{}, 0, len(records))
		for _, r := range records {
			c.appendRaw(r[n])
		}
		t.Columns[i] = c
	}
	return t
}

// Concat creates a new table with the rows of all the tables, in order. The
// result has the union of the columns in the order of their first appearance;
// a table lacking a column contributes missing values to it. Columns of the
// same name must have the same kind.
func Concat(tables ...*Table) (*Table, error) {
	res := &Table{}
	index := make(map[string]int)
	rows := 0
	for _, t := range tables {
		if t == nil {
			continue
		}
		n := t.NumRows()
		for _, c := range t.Columns {
			j, ok := index[c.Name]
			if !ok {
				j = len(res.Columns)
				index[c.Name] = j
				nc := NewColumn(c.Name, c.Kind)
				nc.appendNulls(rows)
				res.Columns = append(res.Columns, nc)
			}
			if err := res.Columns[j].appendColumn(c); err != nil {
				return nil, errors.Annotate(err, "failed to concatenate tables")
			}
		}
		rows += n
		for _, c := range res.Columns {
			if c.Len() < rows {
				c.appendNulls(rows - c.Len())
			}
		}
	}
	return res, nil
}
