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

package soda

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxPageSize is the largest number of rows the server returns in one page.
// It is enforced on every request, regardless of the requested limit.
const MaxPageSize = 50000

// Query is a builder for a dataset query. All the builder methods create a
// deep copy of the query, leaving the original intact.
type Query struct {
	dataset string // dataset ID, e.g. "ajtu-isnz"
	name    string // session label; default: dataset ID
	selects []string
	where   []string // predicates joined with AND
	order   string
	search  string // full-text $q
	limit   int    // 0 = server default
	offset  int
	params  map[string]string // extension parameters, forwarded verbatim
}

// NewQuery creates a new query for the dataset.
func NewQuery(dataset string) *Query {
	return &Query{dataset: dataset}
}

// Copy creates a deep copy of the query.
func (q *Query) Copy() *Query {
	q2 := *q
	q2.selects = append([]string(nil), q.selects...)
	q2.where = append([]string(nil), q.where...)
	if q.params != nil {
		q2.params = make(map[string]string, len(q.params))
		for k, v := range q.params {
			q2.params[k] = v
		}
	}
	return &q2
}

// Dataset ID of the query.
func (q *Query) Dataset() string { return q.dataset }

// Label of the query, used to name persisted batches and in logs. Defaults to
// the dataset ID.
func (q *Query) Label() string {
	if q.name != "" {
		return q.name
	}
	return q.dataset
}

// Selected columns, or nil for all columns.
func (q *Query) Selected() []string { return q.selects }

// Window returns the offset and the limit of the query.
func (q *Query) Window() (offset, limit int) { return q.offset, q.limit }

// Name sets the label of the query.
func (q *Query) Name(name string) *Query {
	q2 := q.Copy()
	q2.name = name
	return q2
}

// Select restricts the result to the given columns ($select).
func (q *Query) Select(columns ...string) *Query {
	q2 := q.Copy()
	q2.selects = columns
	return q2
}

// Where adds a filter predicate in SoQL syntax ($where). Multiple predicates
// are combined with AND.
func (q *Query) Where(predicate string) *Query {
	q2 := q.Copy()
	q2.where = append(q2.where, predicate)
	return q2
}

// Between adds a filter for a timestamp column to lie within the inclusive
// range of dates given as YYYY-MM-DD, from the start of the first day to the
// end of the last one.
func (q *Query) Between(column, start, end string) *Query {
	return q.Where(fmt.Sprintf("%s between '%sT00:00:00' and '%sT23:59:59'",
		column, start, end))
}

// Since adds a filter for a timestamp column to be at or after the start of
// the date.
func (q *Query) Since(column, start string) *Query {
	return q.Where(fmt.Sprintf("%s >= '%sT00:00:00'", column, start))
}

// Until adds a filter for a timestamp column to be at or before the end of the
// date.
func (q *Query) Until(column, end string) *Query {
	return q.Where(fmt.Sprintf("%s <= '%sT23:59:59'", column, end))
}

// DateRange adds the appropriate date filter depending on which of the dates
// are not empty. With both empty, the query is returned unchanged.
func (q *Query) DateRange(column, start, end string) *Query {
	switch {
	case start != "" && end != "":
		return q.Between(column, start, end)
	case start != "":
		return q.Since(column, start)
	case end != "":
		return q.Until(column, end)
	}
	return q
}

// Order sets the sort order ($order), e.g. "trip_start_timestamp DESC".
func (q *Query) Order(order string) *Query {
	q2 := q.Copy()
	q2.order = order
	return q2
}

// Search sets the full-text query ($q).
func (q *Query) Search(text string) *Query {
	q2 := q.Copy()
	q2.search = text
	return q2
}

// Limit sets the page size. Negative values are treated as 0 (server
// default). Values above MaxPageSize are capped when sending the request.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		n = 0
	}
	q2 := q.Copy()
	q2.limit = n
	return q2
}

// Offset sets the number of records to skip.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		n = 0
	}
	q2 := q.Copy()
	q2.offset = n
	return q2
}

// Param adds an extension parameter, which is sent verbatim. It cannot
// override the parameters set by the other builder methods.
func (q *Query) Param(key, value string) *Query {
	q2 := q.Copy()
	if q2.params == nil {
		q2.params = make(map[string]string)
	}
	q2.params[key] = value
	return q2
}

// Values returns the URL query values. Each call creates a new object, so the
// caller is free to modify it without affecting the query.
func (q *Query) Values() url.Values {
	v := make(url.Values)
	for k, p := range q.params {
		v.Set(k, p)
	}
	if len(q.selects) > 0 {
		v.Set("$select", strings.Join(q.selects, ","))
	}
	switch len(q.where) {
	case 0:
	case 1:
		v.Set("$where", q.where[0])
	default:
		preds := make([]string, len(q.where))
		for i, w := range q.where {
			preds[i] = "(" + w + ")"
		}
		v.Set("$where", strings.Join(preds, " AND "))
	}
	if q.order != "" {
		v.Set("$order", q.order)
	}
	if q.search != "" {
		v.Set("$q", q.search)
	}
	if q.limit > 0 {
		limit := q.limit
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
		v.Set("$limit", fmt.Sprintf("%d", limit))
	}
	if q.offset > 0 {
		v.Set("$offset", fmt.Sprintf("%d", q.offset))
	}
	return v
}

// MonthRange returns the first and the last dates of the month as YYYY-MM-DD.
func MonthRange(year int, month time.Month) (start, end string) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return first.Format("2006-01-02"), last.Format("2006-01-02")
}
