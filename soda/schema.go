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
	"context"
	"sync"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/soda/frame"
	"golang.org/x/sync/singleflight"
)

// ColumnMeta describes a single column in the dataset metadata.
type ColumnMeta struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	FieldName    string `json:"fieldName"`
	DataTypeName string `json:"dataTypeName"`
	Description  string `json:"description"`
	Position     int    `json:"position"`
}

// Metadata is the subset of the dataset view returned by the metadata API.
type Metadata struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	RowsUpdatedAt int64        `json:"rowsUpdatedAt"`
	Columns       []ColumnMeta `json:"columns"`
}

// Schema returns the declared types of the dataset's fields. Columns without a
// field name are skipped.
func (m *Metadata) Schema() frame.Schema {
	s := make(frame.Schema)
	for _, c := range m.Columns {
		if c.FieldName == "" {
			continue
		}
		s[c.FieldName] = frame.ParseDeclaredType(c.DataTypeName)
	}
	return s
}

// FieldNames in the order they appear in the metadata.
func (m *Metadata) FieldNames() []string {
	var names []string
	for _, c := range m.Columns {
		if c.FieldName != "" {
			names = append(names, c.FieldName)
		}
	}
	return names
}

// FetchMetadata obtains metadata about the dataset.
func (c *Client) FetchMetadata(ctx context.Context, dataset string) (*Metadata, error) {
	var m Metadata
	uri := c.baseURL + "/api/views/" + dataset + ".json"
	if err := fetch.FetchJSON(c.fetchContext(ctx), uri, &m, nil, nil); err != nil {
		return nil, errors.Annotate(err, "failed to fetch metadata of %s", dataset)
	}
	return &m, nil
}

// Schema returns the schema cache of the dataset, creating it if necessary.
func (c *Client) Schema(dataset string) *SchemaCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schemas[dataset]
	if !ok {
		s = NewSchemaCache(dataset, func(ctx context.Context) (frame.Schema, error) {
			m, err := c.FetchMetadata(ctx, dataset)
			if err != nil {
				return nil, err
			}
			return m.Schema(), nil
		})
		c.schemas[dataset] = s
	}
	return s
}

// DeclaredTypes of the dataset's fields, using the client's cache.
func (c *Client) DeclaredTypes(ctx context.Context, dataset string, refresh bool) (frame.Schema, error) {
	return c.Schema(dataset).DeclaredTypes(ctx, refresh)
}

// SchemaLoader fetches the declared types of a dataset.
type SchemaLoader = func(ctx context.Context) (frame.Schema, error)

// SchemaCache holds the declared types of a single dataset. The schema is
// loaded at most once, until an explicit refresh. A failed load is cached as
// well, as an empty schema with its error, so that later calls do not keep
// hitting the metadata endpoint.
//
// Concurrent callers share a single in-flight load, which is not interrupted
// by the cancellation of any of them.
type SchemaCache struct {
	dataset string
	load    SchemaLoader
	group   singleflight.Group

	mu     sync.Mutex
	cached bool
	schema frame.Schema
	err    error
}

// NewSchemaCache creates an empty cache using load to fetch the schema.
func NewSchemaCache(dataset string, load SchemaLoader) *SchemaCache {
	return &SchemaCache{dataset: dataset, load: load}
}

func (s *SchemaCache) get() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entry{s.schema, s.err}, s.cached
}

// DeclaredTypes returns the cached schema, loading it if it is not cached yet
// or if refresh is true. A failed load returns an empty schema and a
// *SchemaUnavailable error, both of which are cached.
func (s *SchemaCache) DeclaredTypes(ctx context.Context, refresh bool) (frame.Schema, error) {
	if !refresh {
		if e, ok := s.get(); ok {
			return e.schema, e.err
		}
	}
	v, _, _ := s.group.Do(s.dataset, func() (interface{}, error) {
		if !refresh {
			// Another caller may have completed the load since the check above.
			if e, ok := s.get(); ok {
				return e, nil
			}
		}
		// The result is cached for all callers, regardless of this one's
		// cancellation.
		schema, err := s.load(context.WithoutCancel(ctx))
		if err != nil {
			logging.Warningf(ctx, "failed to load schema of %s, disabling coercion: %s",
				s.dataset, err.Error())
			schema = frame.Schema{}
			err = &SchemaUnavailable{Dataset: s.dataset, Err: err}
		} else {
			logging.Debugf(ctx, "loaded schema of %s with %d fields", s.dataset, len(schema))
		}
		s.mu.Lock()
		s.cached, s.schema, s.err = true, schema, err
		s.mu.Unlock()
		return entry{schema, err}, nil
	})
	e := v.(entry)
	return e.schema, e.err
}

// entry is the result shared by the callers of a single load.
type entry struct {
	schema frame.Schema
	err    error
}
