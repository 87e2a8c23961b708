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

// Package store persists downloaded tables to a local directory: one immutable
// artifact per downloaded batch, and one combined artifact per session.
//
// Artifacts use the "soda frame" format (.sfr): a snappy-compressed gob stream
// of the columnar table, which preserves the kind of every column, so a loaded
// table is identical to the saved one.
package store

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/soda/frame"
)

// Ext is the file extension of the artifacts.
const Ext = ".sfr"

// formatVersion is bumped on incompatible changes to wireTable.
const formatVersion = 1

// PersistenceError is a failure to save or load an artifact.
type PersistenceError struct {
	Path string
	Err  error
}

var _ error = &PersistenceError{}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error for '%s': %s", e.Path, e.Err.Error())
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Artifact is a record of one persisted table.
type Artifact struct {
	Session string
	Seq     int // batch sequence number starting from 1; 0 for combined
	Offset  int // offset of the first row in the session
	Rows    int // -1 if unknown
	Path    string
}

// BatchName is the file name of a batch artifact. The zero-padded sequence
// number and offset make the names sort in download order.
func BatchName(session string, seq, offset int) string {
	return fmt.Sprintf("%s_batch_%05d_%010d%s", session, seq, offset, Ext)
}

// CombinedName is the file name of the combined artifact of the session.
func CombinedName(session string) string {
	return session + "_combined" + Ext
}

// Store saves artifacts in a directory, created on first use.
type Store struct {
	dir string
}

// NewStore creates a Store in the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir is the directory of the store.
func (s *Store) Dir() string { return s.dir }

// Persist writes one batch of the session. An existing artifact is never
// overwritten, so that re-running a download keeps the already saved batches;
// its Rows are then unknown.
func (s *Store) Persist(ctx context.Context, session string, t *frame.Table, seq, offset int) (*Artifact, error) {
	a := &Artifact{
		Session: session,
		Seq:     seq,
		Offset:  offset,
		Rows:    t.NumRows(),
		Path:    filepath.Join(s.dir, BatchName(session, seq, offset)),
	}
	if _, err := os.Stat(a.Path); err == nil {
		logging.Debugf(ctx, "batch %s already exists, keeping it", a.Path)
		a.Rows = -1 // the kept file may differ from t
		return a, nil
	}
	if err := Save(a.Path, t); err != nil {
		return nil, err
	}
	return a, nil
}

// PersistCombined writes the whole table of the session, replacing the
// previous combined artifact, if any.
func (s *Store) PersistCombined(ctx context.Context, session string, t *frame.Table) (*Artifact, error) {
	a := &Artifact{
		Session: session,
		Rows:    t.NumRows(),
		Path:    filepath.Join(s.dir, CombinedName(session)),
	}
	if err := Save(a.Path, t); err != nil {
		return nil, err
	}
	logging.Debugf(ctx, "saved %d rows to %s", a.Rows, a.Path)
	return a, nil
}

// Artifacts lists the batches of the session sorted by sequence number. Their
// Rows are unknown until loaded.
func (s *Store) Artifacts(session string) ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &PersistenceError{Path: s.dir, Err: err}
	}
	prefix := session + "_batch_"
	var res []Artifact
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, Ext) {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, prefix), Ext), "_")
		if len(parts) != 2 {
			continue
		}
		seq, err1 := strconv.Atoi(parts[0])
		offset, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		res = append(res, Artifact{
			Session: session,
			Seq:     seq,
			Offset:  offset,
			Rows:    -1,
			Path:    filepath.Join(s.dir, name),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res, nil
}

// Resumed is the state of a partially downloaded session.
type Resumed struct {
	Tables     []*frame.Table
	Artifacts  []Artifact
	NextSeq    int
	NextOffset int
}

// Resume loads the batches of the session for continuing the download. Only
// the batches forming a contiguous sequence of offsets from 0 are used.
func (s *Store) Resume(ctx context.Context, session string) (*Resumed, error) {
	arts, err := s.Artifacts(session)
	if err != nil {
		return nil, err
	}
	r := &Resumed{NextSeq: 1}
	for _, a := range arts {
		if a.Offset != r.NextOffset || a.Seq < r.NextSeq {
			logging.Warningf(ctx, "batch %s does not continue offset %d, ignoring it and the rest",
				a.Path, r.NextOffset)
			break
		}
		t, err := Load(a.Path)
		if err != nil {
			return nil, err
		}
		a.Rows = t.NumRows()
		r.Tables = append(r.Tables, t)
		r.Artifacts = append(r.Artifacts, a)
		r.NextOffset += a.Rows
		r.NextSeq = a.Seq + 1
	}
	return r, nil
}

// wireColumn is the serialized form of frame.Column. Raw values are kept as
// JSON, since gob cannot encode arbitrary interface{} values.
type wireColumn struct {
	Name    string
	Kind    int
	Null    []bool
	Raw     [][]byte
	Floats  []float64
	Times   []time.Time
	Bools   []bool
	Strings []string
}

type wireTable struct {
	Version int
	Rows    int
	Columns []wireColumn
}

func toWire(t *frame.Table) (*wireTable, error) {
	w := &wireTable{Version: formatVersion, Rows: t.NumRows()}
	for _, c := range t.Columns {
		wc := wireColumn{
			Name:    c.Name,
			Kind:    int(c.Kind),
			Null:    c.Null,
			Floats:  c.Floats,
			Times:   c.Times,
			Bools:   c.Bools,
			Strings: c.Strings,
		}
		if c.Kind == frame.KindRaw {
			wc.Raw = make([][]byte, len(c.Raw))
			for i, v := range c.Raw {
				if c.Null[i] {
					continue
				}
				b, err := json.Marshal(v)
				if err != nil {
					return nil, errors.Annotate(err, "failed to encode value %d of column %s", i, c.Name)
				}
				wc.Raw[i] = b
			}
		}
		w.Columns = append(w.Columns, wc)
	}
	return w, nil
}

func fromWire(w *wireTable) (*frame.Table, error) {
	if w.Version != formatVersion {
		return nil, errors.Reason("unsupported format version %d", w.Version)
	}
	t := frame.NewTable()
	for _, wc := range w.Columns {
		c := frame.NewColumn(wc.Name, frame.Kind(wc.Kind))
		c.Null = make([]bool, w.Rows)
		copy(c.Null, wc.Null)
		switch c.Kind {
		case frame.KindRaw:
			c.Raw = make([]interface{}, w.Rows)
			for i := range c.Raw {
				if c.Null[i] || i >= len(wc.Raw) {
					continue
				}
				if err := json.Unmarshal(wc.Raw[i], &c.Raw[i]); err != nil {
					return nil, errors.Annotate(err, "failed to decode value %d of column %s", i, c.Name)
				}
			}
		case frame.KindFloat:
			c.Floats = wc.Floats
		case frame.KindTime:
			c.Times = wc.Times
		case frame.KindBool:
			c.Bools = wc.Bools
		case frame.KindString:
			c.Strings = wc.Strings
		}
		t.Columns = append(t.Columns, c)
	}
	if err := t.Check(); err != nil {
		return nil, errors.Annotate(err, "inconsistent table")
	}
	return t, nil
}

// Save writes the table to the file atomically, creating its directory if
// necessary.
func Save(path string, t *frame.Table) error {
	w, err := toWire(t)
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to create directory")}
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to open file for writing")}
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	sw := snappy.NewBufferedWriter(f)
	if err := gob.NewEncoder(sw).Encode(w); err != nil {
		f.Close()
		return &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to encode table")}
	}
	if err := sw.Close(); err != nil {
		f.Close()
		return &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to flush")}
	}
	if err := f.Close(); err != nil {
		return &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to close")}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to rename")}
	}
	return nil
}

// Load reads a table saved by Save.
func Load(path string) (*frame.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to open file for reading")}
	}
	defer f.Close()
	var w wireTable
	if err := gob.NewDecoder(snappy.NewReader(f)).Decode(&w); err != nil {
		return nil, &PersistenceError{Path: path, Err: errors.Annotate(err, "failed to decode table")}
	}
	t, err := fromWire(&w)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	return t, nil
}
