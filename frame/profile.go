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
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ColumnProfile summarizes the values of a single column.
type ColumnProfile struct {
	Name       string
	Kind       Kind
	Missing    int
	MissingPct float64 // percentage of missing values, [0..100]
	// Numeric summary, for KindFloat columns with at least one value.
	Min, Max, Mean, StdDev float64
	// Temporal range, for KindTime columns with at least one value.
	Earliest, Latest time.Time
}

// Profile summarizes the whole table: its size, column kinds, missing data and
// value ranges.
type Profile struct {
	Rows    int
	Columns []ColumnProfile
}

// NewProfile computes the profile of the table.
func NewProfile(t *Table) *Profile {
	p := &Profile{Rows: t.NumRows()}
	for _, c := range t.Columns {
		cp := ColumnProfile{Name: c.Name, Kind: c.Kind}
		var xs []float64
		for i := 0; i < c.Len(); i++ {
			if c.Null[i] {
				cp.Missing++
				continue
			}
			switch c.Kind {
			case KindFloat:
				xs = append(xs, c.Floats[i])
			case KindTime:
				tm := c.Times[i]
				if cp.Earliest.IsZero() || tm.Before(cp.Earliest) {
					cp.Earliest = tm
				}
				if cp.Latest.IsZero() || tm.After(cp.Latest) {
					cp.Latest = tm
				}
			}
		}
		if p.Rows > 0 {
			cp.MissingPct = float64(cp.Missing) / float64(p.Rows) * 100.0
		}
		if len(xs) > 0 {
			cp.Min = floats.Min(xs)
			cp.Max = floats.Max(xs)
			if len(xs) > 1 {
				cp.Mean, cp.StdDev = stat.MeanStdDev(xs, nil)
			} else {
				cp.Mean = xs[0]
			}
		}
		p.Columns = append(p.Columns, cp)
	}
	return p
}

// Counts returns the number of columns of each kind.
func (p *Profile) Counts() map[Kind]int {
	m := make(map[Kind]int)
	for _, c := range p.Columns {
		m[c.Kind]++
	}
	return m
}

// Table renders the profile as a table of strings, one row per column, for
// printing with WriteText or WriteCSV.
func (p *Profile) Table() *Table {
	names := []string{"column", "kind", "missing %", "min", "max", "mean", "earliest", "latest"}
	cols := make([]*Column, len(names))
	for i, n := range names {
		cols[i] = NewColumn(n, KindString)
	}
	num := func(x float64) string { return strconv.FormatFloat(x, 'g', 6, 64) }
	for _, c := range p.Columns {
		row := make([]string, len(names))
		row[0] = c.Name
		row[1] = c.Kind.String()
		row[2] = fmt.Sprintf("%.1f", c.MissingPct)
		if c.Kind == KindFloat && c.Missing < p.Rows {
			row[3], row[4], row[5] = num(c.Min), num(c.Max), num(c.Mean)
		}
		if !c.Earliest.IsZero() {
			row[6] = c.Earliest.Format(TimeFormat)
			row[7] = c.Latest.Format(TimeFormat)
		}
		for i, s := range row {
			cols[i].Null = append(cols[i].Null, false)
			cols[i].Strings = append(cols[i].Strings, s)
		}
	}
	return NewTable(cols...)
}
