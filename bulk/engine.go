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

// Package bulk downloads whole datasets from a paginated query API, whose
// total number of records is not known in advance.
//
// An Engine runs a session per query: it requests consecutive pages, advancing
// the offset by the number of records actually returned, until the server
// returns an empty or a short page, or the requested number of records is
// reached. Pages are requested strictly one after another, since the offset of
// the next page depends on the size of the previous one.
//
// Each page can be saved as an immutable batch for resuming an interrupted
// download. When the session ends, for whatever reason, the batches are
// concatenated and the columns are converted to their declared types once,
// over the whole table. A failed or cancelled session still returns all the
// records fetched before the failure.
package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/soda/frame"
	"github.com/stockparfait/soda/soda"
	"github.com/stockparfait/soda/store"
)

// PageFetcher issues a single page request using the query's offset and
// limit.
type PageFetcher interface {
	FetchPage(ctx context.Context, q *soda.Query) (*soda.Page, error)
}

// Counter estimates the number of records matching a query.
type Counter interface {
	Count(ctx context.Context, q *soda.Query) (int, error)
}

// SchemaSource provides declared column types of a dataset.
type SchemaSource interface {
	DeclaredTypes(ctx context.Context, dataset string, refresh bool) (frame.Schema, error)
}

// BatchStore persists the tables of a session.
type BatchStore interface {
	Persist(ctx context.Context, session string, t *frame.Table, seq, offset int) (*store.Artifact, error)
	PersistCombined(ctx context.Context, session string, t *frame.Table) (*store.Artifact, error)
	Resume(ctx context.Context, session string) (*store.Resumed, error)
}

var (
	_ PageFetcher  = &soda.Client{}
	_ Counter      = &soda.Client{}
	_ SchemaSource = &soda.Client{}
	_ BatchStore   = &store.Store{}
)

// State of a session.
type State int

// Values of State.
const (
	StateInit State = iota
	StateFetching
	StateAccumulating
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFetching:
		return "FETCHING"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("<Undefined State: %d>", int(s))
	}
}

// Status of a session's result.
type Status int

// Values of Status.
const (
	StatusEmpty    Status = iota // no matching records
	StatusComplete               // all matching records
	StatusPartial                // stopped early by the target or an error, possibly with no records
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusComplete:
		return "COMPLETE"
	case StatusPartial:
		return "PARTIAL"
	default:
		return fmt.Sprintf("<Undefined Status: %d>", int(s))
	}
}

// Config of the Engine.
type Config struct {
	PageSize   int           // records per request, up to soda.MaxPageSize; 0 = max
	Target     int           // stop after this many records; 0 = all
	Delay      time.Duration // pause between requests
	CountProbe bool          // estimate the total for progress, when Target is 0
	Persist    bool          // save batches and the combined table to the store
}

// Engine downloads datasets. It holds no per-session state, so it can run
// multiple sessions concurrently.
type Engine struct {
	fetcher  PageFetcher
	schemas  SchemaSource // optional; no coercion when nil
	counter  Counter      // optional
	store    BatchStore   // optional
	observer Observer     // optional
	config   Config
}

// NewEngine creates an Engine using the fetcher for page requests.
func NewEngine(fetcher PageFetcher, config Config) *Engine {
	if config.PageSize <= 0 || config.PageSize > soda.MaxPageSize {
		config.PageSize = soda.MaxPageSize
	}
	if config.Target < 0 {
		config.Target = 0
	}
	return &Engine{fetcher: fetcher, config: config}
}

// ClientEngine creates an Engine which uses the client for pages, counts and
// declared types.
func ClientEngine(c *soda.Client, config Config) *Engine {
	return NewEngine(c, config).UseSchemas(c).UseCounter(c)
}

// UseSchemas sets the source of declared types for coercion.
func (e *Engine) UseSchemas(s SchemaSource) *Engine {
	e.schemas = s
	return e
}

// UseCounter sets the count probe.
func (e *Engine) UseCounter(c Counter) *Engine {
	e.counter = c
	return e
}

// UseStore sets the batch store. Config.Persist must also be set for the
// batches to be saved.
func (e *Engine) UseStore(s BatchStore) *Engine {
	e.store = s
	return e
}

// UseObserver sets the progress observer.
func (e *Engine) UseObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// Config of the engine, after applying the defaults.
func (e *Engine) Config() Config { return e.config }

// Result of a session.
type Result struct {
	SessionID string
	Name      string
	State     State // StateDone or StateAborted
	Status    Status
	Table     *frame.Table // all the fetched records, coerced
	Rows      int
	Pages     int // pages fetched in this run, excluding resumed batches
	Offset    int // offset of the next page
	Artifacts []store.Artifact
	Combined  *store.Artifact
	Err       error   // the reason for StateAborted
	Warnings  []error // schema, persistence and coercion failures
}

// session is the mutable state of a single download.
type session struct {
	id        string
	query     *soda.Query
	state     State
	offset    int
	rows      int
	target    int // 0 = unset
	total     int // for progress; -1 = unknown
	pages     int
	nextSeq   int
	capped    bool // stopped by reaching the target
	batches   []*frame.Table
	artifacts []store.Artifact
	err       error
	warnings  []error
}

func (e *Engine) newSession(q *soda.Query) *session {
	return &session{
		id:      uuid.NewString(),
		query:   q,
		state:   StateInit,
		target:  e.config.Target,
		total:   -1,
		nextSeq: 1,
	}
}

func (s *session) abort(err error) {
	s.state = StateAborted
	s.err = err
}

func (s *session) warn(ctx context.Context, err error) {
	logging.Warningf(ctx, "%s: %s", s.query.Label(), err.Error())
	s.warnings = append(s.warnings, err)
}

// Fetch downloads all the records matching the query, from offset 0. The
// query's own offset and limit are ignored.
func (e *Engine) Fetch(ctx context.Context, q *soda.Query) *Result {
	return e.run(ctx, e.newSession(q))
}

// Resume continues the download of the query from the batches previously
// saved in the store under the query's label. Without a store, or when there
// is nothing to resume, it is the same as Fetch.
func (e *Engine) Resume(ctx context.Context, q *soda.Query) *Result {
	s := e.newSession(q)
	if e.store != nil {
		r, err := e.store.Resume(ctx, q.Label())
		if err != nil {
			s.warn(ctx, errors.Annotate(err, "failed to resume, starting over"))
		} else {
			s.batches = r.Tables
			s.artifacts = r.Artifacts
			s.offset = r.NextOffset
			s.rows = r.NextOffset
			s.nextSeq = r.NextSeq
			if len(r.Tables) > 0 {
				logging.Infof(ctx, "%s: resuming from %d saved batches, offset %d",
					q.Label(), len(r.Tables), s.offset)
			}
		}
	}
	return e.run(ctx, s)
}

// FetchMany runs independent sessions for the queries concurrently, at most
// workers at a time. Results are in the order of the queries, one for every
// query: when ctx is cancelled, the sessions not yet started are aborted
// without any requests. The queries must have distinct labels when persisting.
func (e *Engine) FetchMany(ctx context.Context, queries []*soda.Query, workers int) []*Result {
	if workers <= 0 {
		workers = 1
	}
	type job struct {
		index int
		query *soda.Query
	}
	type done struct {
		index  int
		result *Result
	}
	jobs := make([]job, len(queries))
	for i, q := range queries {
		jobs[i] = job{index: i, query: q}
	}
	f := func(j job) done {
		return done{index: j.index, result: e.Fetch(ctx, j.query)}
	}
	// The sessions handle cancellation themselves, so every job must run.
	pm := iterator.ParallelMap(context.WithoutCancel(ctx), workers, iterator.FromSlice(jobs), f)
	defer iterator.Flush(pm)

	results := make([]*Result, len(queries))
	iterator.Reduce[done, []*Result](pm, results, func(d done, res []*Result) []*Result {
		res[d.index] = d.result
		return res
	})
	return results
}

func (e *Engine) run(ctx context.Context, s *session) *Result {
	e.probeTotal(ctx, s)
	logging.Infof(ctx, "%s: starting session %s at offset %d", s.query.Label(), s.id, s.offset)

	s.state = StateFetching
	if s.target > 0 && s.rows >= s.target {
		s.capped = true
		s.state = StateDone
	}
	for s.state == StateFetching {
		if err := ctx.Err(); err != nil {
			s.abort(err)
			break
		}
		e.step(ctx, s)
		if s.state != StateAccumulating {
			break
		}
		if err := sleep(ctx, e.config.Delay); err != nil {
			s.abort(err)
			break
		}
		s.state = StateFetching
	}
	if s.state == StateAborted {
		logging.Warningf(ctx, "%s: aborted after %d records at offset %d: %s",
			s.query.Label(), s.rows, s.offset, s.err.Error())
	}
	return e.assemble(ctx, s)
}

// probeTotal sets the expected total for progress reporting. A failed count
// only degrades the reporting.
func (e *Engine) probeTotal(ctx context.Context, s *session) {
	if s.target > 0 {
		s.total = s.target
		return
	}
	if !e.config.CountProbe || e.counter == nil || ctx.Err() != nil {
		return
	}
	n, err := e.counter.Count(ctx, s.query)
	if err != nil {
		logging.Warningf(ctx, "%s: failed to count records, total is unknown: %s",
			s.query.Label(), err.Error())
		return
	}
	s.total = n
}

// step fetches one page and moves the session to StateAccumulating when more
// pages may follow, or to StateDone or StateAborted.
func (e *Engine) step(ctx context.Context, s *session) {
	size := e.config.PageSize
	if s.target > 0 && s.target-s.rows < size {
		size = s.target - s.rows
	}
	page, err := e.fetcher.FetchPage(ctx, s.query.Offset(s.offset).Limit(size))
	if err != nil {
		s.abort(err)
		return
	}
	records := page.Records
	if len(records) == 0 {
		s.state = StateDone
		return
	}
	if len(records) > size {
		logging.Warningf(ctx, "%s: server returned %d records for a page of %d, dropping the excess",
			s.query.Label(), len(records), size)
		records = records[:size]
	}
	n := len(records)
	s.state = StateAccumulating
	batch := frame.FromRecords(records, s.query.Selected()...)
	s.batches = append(s.batches, batch)
	e.persist(ctx, s, batch)
	s.offset += n
	s.rows += n
	s.pages++
	s.nextSeq++
	if e.observer != nil {
		e.observer.Progress(ctx, Progress{
			SessionID: s.id,
			Name:      s.query.Label(),
			Page:      s.pages,
			Offset:    s.offset,
			Rows:      s.rows,
			Total:     s.total,
		})
	}
	switch {
	case n < size:
		s.state = StateDone
	case s.target > 0 && s.rows >= s.target:
		s.capped = true
		s.state = StateDone
	}
}

// persist saves the batch at the session's current offset. Failures are only
// recorded as warnings.
func (e *Engine) persist(ctx context.Context, s *session, batch *frame.Table) {
	if !e.config.Persist || e.store == nil {
		return
	}
	a, err := e.store.Persist(ctx, s.query.Label(), batch, s.nextSeq, s.offset)
	if err != nil {
		s.warn(ctx, errors.Annotate(err, "failed to save batch %d", s.nextSeq))
		return
	}
	s.artifacts = append(s.artifacts, *a)
}

// assemble concatenates the batches, coerces the result once and saves it.
func (e *Engine) assemble(ctx context.Context, s *session) *Result {
	res := &Result{
		SessionID: s.id,
		Name:      s.query.Label(),
		State:     s.state,
		Rows:      s.rows,
		Pages:     s.pages,
		Offset:    s.offset,
		Artifacts: s.artifacts,
		Err:       s.err,
	}
	table, err := frame.Concat(s.batches...)
	if err != nil {
		s.warn(ctx, errors.Annotate(err, "failed to assemble batches"))
		table = frame.NewTable()
	}
	res.Table = table

	// A cancelled session still gets its records typed with a cached or
	// freshly loaded schema.
	sctx := context.WithoutCancel(ctx)
	if e.schemas != nil && s.rows > 0 {
		schema, err := e.schemas.DeclaredTypes(sctx, s.query.Dataset(), false)
		if err != nil {
			s.warn(ctx, err)
		}
		if len(schema) > 0 {
			for _, ce := range table.Coerce(sctx, schema) {
				s.warnings = append(s.warnings, ce)
			}
		}
	}
	if e.config.Persist && e.store != nil && s.rows > 0 {
		a, err := e.store.PersistCombined(sctx, s.query.Label(), table)
		if err != nil {
			s.warn(ctx, errors.Annotate(err, "failed to save combined table"))
		} else {
			res.Combined = a
		}
	}

	switch {
	case s.rows == 0 && s.state != StateAborted:
		res.Status = StatusEmpty
	case s.state == StateAborted || s.capped:
		res.Status = StatusPartial
	default:
		res.Status = StatusComplete
	}
	res.Warnings = s.warnings
	logging.Infof(ctx, "%s: %s, %s with %d records in %d pages",
		res.Name, res.State, res.Status, res.Rows, res.Pages)
	return res
}

// sleep pauses for d, returning early with the context's error when it is
// cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
