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
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/soda/frame"
	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestQuery(t *testing.T) {
	t.Parallel()

	Convey("Query builds nondestructively", t, func() {
		q := NewQuery("ajtu-isnz")

		Convey("Select and Order", func() {
			q2 := q.Select("a", "b").Order("a DESC").Search("airport")
			So(len(q.Values()), ShouldEqual, 0)
			So(q2.Values(), ShouldResemble, url.Values{
				"$select": {"a,b"},
				"$order":  {"a DESC"},
				"$q":      {"airport"},
			})
			So(q2.Selected(), ShouldResemble, []string{"a", "b"})
		})

		Convey("Where", func() {
			q2 := q.Where("fare > 10")
			So(q2.Values(), ShouldResemble, url.Values{"$where": {"fare > 10"}})
			q3 := q2.Where("tips > 0")
			So(q2.Values(), ShouldResemble, url.Values{"$where": {"fare > 10"}})
			So(q3.Values(), ShouldResemble, url.Values{"$where": {"(fare > 10) AND (tips > 0)"}})
		})

		Convey("Date ranges", func() {
			ts := "trip_start_timestamp"
			So(q.DateRange(ts, "2024-01-01", "2024-01-31").Values().Get("$where"), ShouldEqual,
				"trip_start_timestamp between '2024-01-01T00:00:00' and '2024-01-31T23:59:59'")
			So(q.DateRange(ts, "2024-01-01", "").Values().Get("$where"), ShouldEqual,
				"trip_start_timestamp >= '2024-01-01T00:00:00'")
			So(q.DateRange(ts, "", "2024-01-31").Values().Get("$where"), ShouldEqual,
				"trip_start_timestamp <= '2024-01-31T23:59:59'")
			So(q.DateRange(ts, "", ""), ShouldEqual, q)
		})

		Convey("Limit and Offset", func() {
			q2 := q.Limit(100).Offset(200)
			So(q2.Values(), ShouldResemble, url.Values{"$limit": {"100"}, "$offset": {"200"}})
			off, lim := q2.Window()
			So(off, ShouldEqual, 200)
			So(lim, ShouldEqual, 100)
			So(q.Limit(70000).Values().Get("$limit"), ShouldEqual, "50000")
			So(q.Limit(-1).Offset(-5).Values(), ShouldResemble, url.Values{})
		})

		Convey("Extension parameters cannot override paging", func() {
			q2 := q.Param("$$app_token", "x").Param("$limit", "999999").Limit(10)
			So(q2.Values(), ShouldResemble, url.Values{"$$app_token": {"x"}, "$limit": {"10"}})
			So(len(q.Values()), ShouldEqual, 0)
		})

		Convey("Label", func() {
			So(q.Label(), ShouldEqual, "ajtu-isnz")
			So(q.Name("taxi-2024-01").Label(), ShouldEqual, "taxi-2024-01")
			So(q.Label(), ShouldEqual, "ajtu-isnz")
		})
	})

	Convey("MonthRange", t, func() {
		start, end := MonthRange(2024, time.February)
		So(start, ShouldEqual, "2024-02-01")
		So(end, ShouldEqual, "2024-02-29")
		start, end = MonthRange(2023, time.December)
		So(start, ShouldEqual, "2023-12-01")
		So(end, ShouldEqual, "2023-12-31")
	})
}

func TestClient(t *testing.T) {
	t.Parallel()

	Convey("API calls work correctly", t, func() {
		server := testutil.NewTestServer()
		defer server.Close()
		server.ResponseBody = []string{"[]"}
		ctx := context.Background()
		c := NewClient(server.URL(), "").UseHTTPClient(server.Client())

		Convey("FetchPage", func() {
			server.ResponseBody = []string{`[{"a":"1","b":2},{"a":"3"}]`}
			q := NewQuery("abcd-1234").Select("a", "b").Limit(2).Offset(4)
			p, err := c.FetchPage(ctx, q)
			So(err, ShouldBeNil)
			So(p.Offset, ShouldEqual, 4)
			So(p.Limit, ShouldEqual, 2)
			So(p.Records, ShouldResemble, []Record{{"a": "1", "b": 2.0}, {"a": "3"}})
			So(server.RequestPath, ShouldEqual, "/resource/abcd-1234.json")
			So(server.RequestQuery, ShouldResemble, q.Values())
		})

		Convey("FetchPage of an empty page", func() {
			server.ResponseBody = []string{`[]`}
			p, err := c.FetchPage(ctx, NewQuery("abcd-1234").Limit(10))
			So(err, ShouldBeNil)
			So(len(p.Records), ShouldEqual, 0)
		})

		Convey("FetchPage with a non-list payload", func() {
			server.ResponseBody = []string{`{"error": true}`}
			_, err := c.FetchPage(ctx, NewQuery("abcd-1234"))
			So(err, ShouldNotBeNil)
			_, ok := err.(*DecodeError)
			So(ok, ShouldBeTrue)
			So(ErrorKind(err), ShouldEqual, "decode")
		})

		Convey("Count", func() {
			server.ResponseBody = []string{`[{"count":"12345"}]`}
			n, err := c.Count(ctx, NewQuery("abcd-1234").Where("x > 1").Limit(5).Order("x"))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 12345)
			So(server.RequestQuery, ShouldResemble, url.Values{
				"$select": {"count(*) AS count"},
				"$where":  {"x > 1"},
			})
		})

		Convey("Metadata", func() {
			server.ResponseBody = []string{`{
				"id": "abcd-1234",
				"name": "Taxi Trips",
				"rowsUpdatedAt": 1700000000,
				"columns": [
					{"id": 1, "name": "Trip ID", "fieldName": "trip_id", "dataTypeName": "text", "position": 1},
					{"id": 2, "name": "Fare", "fieldName": "fare", "dataTypeName": "money", "position": 2},
					{"id": 3, "name": "Start", "fieldName": "trip_start_timestamp", "dataTypeName": "floating_timestamp", "position": 3},
					{"id": 4, "name": "Location", "fieldName": "pickup_location", "dataTypeName": "point", "position": 4},
					{"id": 5, "name": "Computed", "fieldName": "", "dataTypeName": "number", "position": 5}
				]}`}
			m, err := c.FetchMetadata(ctx, "abcd-1234")
			So(err, ShouldBeNil)
			So(server.RequestPath, ShouldEqual, "/api/views/abcd-1234.json")
			So(m.Name, ShouldEqual, "Taxi Trips")
			So(m.FieldNames(), ShouldResemble, []string{
				"trip_id", "fare", "trip_start_timestamp", "pickup_location"})
			So(m.Schema(), ShouldResemble, frame.Schema{
				"trip_id":              frame.TypeText,
				"fare":                 frame.TypeMoney,
				"trip_start_timestamp": frame.TypeTemporal,
				"pickup_location":      frame.TypeGeo,
			})
		})
	})

	Convey("All requests send the client's headers", t, func() {
		var mu sync.Mutex
		headers := map[string]http.Header{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			headers[r.URL.Path] = r.Header.Clone()
			mu.Unlock()
			switch r.URL.Path {
			case "/api/views/abcd-1234.json":
				fmt.Fprint(w, `{"id": "abcd-1234", "columns": []}`)
			case "/resource/abcd-1234.json":
				if r.URL.Query().Get("$select") == "count(*) AS count" {
					fmt.Fprint(w, `[{"count": "7"}]`)
					return
				}
				fmt.Fprint(w, `[]`)
			}
		}))
		defer server.Close()
		ctx := context.Background()
		c := NewClient(server.URL, "secret")

		_, err := c.FetchMetadata(ctx, "abcd-1234")
		So(err, ShouldBeNil)
		h := headers["/api/views/abcd-1234.json"]
		So(h.Get("X-App-Token"), ShouldEqual, "secret")
		So(h.Get("User-Agent"), ShouldEqual, UserAgent)

		n, err := c.Count(ctx, NewQuery("abcd-1234"))
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 7)
		h = headers["/resource/abcd-1234.json"]
		So(h.Get("X-App-Token"), ShouldEqual, "secret")
		So(h.Get("User-Agent"), ShouldEqual, UserAgent)
	})

	Convey("Failures are typed", t, func() {
		var header http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header = r.Header
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"message":"bad $where"}`)
		}))
		defer server.Close()
		ctx := context.Background()

		Convey("ServerError", func() {
			c := NewClient(server.URL, "secret")
			_, err := c.FetchPage(ctx, NewQuery("abcd-1234").Limit(10))
			So(err, ShouldNotBeNil)
			se, ok := err.(*ServerError)
			So(ok, ShouldBeTrue)
			So(se.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(se.Body, ShouldEqual, `{"message":"bad $where"}`)
			So(ErrorKind(err), ShouldEqual, "server")
			So(header.Get("X-App-Token"), ShouldEqual, "secret")
			So(header.Get("User-Agent"), ShouldEqual, UserAgent)
		})

		Convey("TransportError", func() {
			closed := httptest.NewServer(http.NotFoundHandler())
			closed.Close()
			c := NewClient(closed.URL, "")
			_, err := c.FetchPage(ctx, NewQuery("abcd-1234"))
			So(err, ShouldNotBeNil)
			_, ok := err.(*TransportError)
			So(ok, ShouldBeTrue)
			So(ErrorKind(err), ShouldEqual, "transport")
		})
	})
}

func TestSchemaCache(t *testing.T) {
	t.Parallel()

	Convey("SchemaCache", t, func() {
		ctx := context.Background()
		var loads int32
		schema := frame.Schema{"fare": frame.TypeMoney}

		Convey("loads once and reuses the result", func() {
			s := NewSchemaCache("ds", func(ctx context.Context) (frame.Schema, error) {
				atomic.AddInt32(&loads, 1)
				return schema, nil
			})
			res, err := s.DeclaredTypes(ctx, false)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, schema)
			_, err = s.DeclaredTypes(ctx, false)
			So(err, ShouldBeNil)
			So(atomic.LoadInt32(&loads), ShouldEqual, 1)

			_, err = s.DeclaredTypes(ctx, true)
			So(err, ShouldBeNil)
			So(atomic.LoadInt32(&loads), ShouldEqual, 2)
		})

		Convey("caches a failure until refresh", func() {
			fail := true
			s := NewSchemaCache("ds", func(ctx context.Context) (frame.Schema, error) {
				atomic.AddInt32(&loads, 1)
				if fail {
					return nil, errors.Reason("metadata is down")
				}
				return schema, nil
			})
			res, err := s.DeclaredTypes(ctx, false)
			So(err, ShouldNotBeNil)
			_, ok := err.(*SchemaUnavailable)
			So(ok, ShouldBeTrue)
			So(ErrorKind(err), ShouldEqual, "schema")
			So(res, ShouldResemble, frame.Schema{})

			_, err = s.DeclaredTypes(ctx, false)
			So(err, ShouldNotBeNil)
			So(atomic.LoadInt32(&loads), ShouldEqual, 1)

			fail = false
			res, err = s.DeclaredTypes(ctx, true)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, schema)
			So(atomic.LoadInt32(&loads), ShouldEqual, 2)
		})

		Convey("a cancelled caller does not cache a failure", func() {
			s := NewSchemaCache("ds", func(ctx context.Context) (frame.Schema, error) {
				atomic.AddInt32(&loads, 1)
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return schema, nil
			})
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			res, err := s.DeclaredTypes(cctx, false)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, schema)

			res, err = s.DeclaredTypes(ctx, false)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, schema)
			So(atomic.LoadInt32(&loads), ShouldEqual, 1)
		})

		Convey("concurrent callers trigger a single load", func() {
			release := make(chan struct{})
			s := NewSchemaCache("ds", func(ctx context.Context) (frame.Schema, error) {
				atomic.AddInt32(&loads, 1)
				<-release
				return schema, nil
			})
			var wg sync.WaitGroup
			results := make([]frame.Schema, 20)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], _ = s.DeclaredTypes(ctx, false)
				}(i)
			}
			time.Sleep(10 * time.Millisecond)
			close(release)
			wg.Wait()
			So(atomic.LoadInt32(&loads), ShouldEqual, 1)
			for _, r := range results {
				So(r, ShouldResemble, schema)
			}
		})
	})

	Convey("Client shares the cache per dataset", t, func() {
		var requests int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			fmt.Fprint(w, `not json`)
		}))
		defer server.Close()
		ctx := context.Background()
		c := NewClient(server.URL, "")

		So(c.Schema("ds"), ShouldEqual, c.Schema("ds"))
		So(c.Schema("ds"), ShouldNotEqual, c.Schema("other"))

		_, err := c.DeclaredTypes(ctx, "ds", false)
		So(err, ShouldNotBeNil)
		_, err = c.DeclaredTypes(ctx, "ds", false)
		So(err, ShouldNotBeNil)
		So(atomic.LoadInt32(&requests), ShouldEqual, 1)
	})
}
