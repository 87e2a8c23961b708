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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
)

// URL is the default base URL of the server.
var URL = "https://data.cityofchicago.org"

// UserAgent is sent with every request.
const UserAgent = "soda-go/1.0"

// Record is a single row as decoded from JSON. The server omits the fields
// with missing values.
type Record = map[string]interface{}

// Page is one bounded response to a paginated query.
type Page struct {
	Offset  int // offset of the first record
	Limit   int // requested page size
	Records []Record
}

// Client for querying SODA datasets. It owns the cache of dataset schemas,
// which outlives individual downloads. Client is safe for concurrent use.
type Client struct {
	baseURL    string       // the base URL of the server
	token      string       // optional application token
	httpClient *http.Client // for page requests

	mu      sync.Mutex
	schemas map[string]*SchemaCache // dataset ID -> cache
}

// NewClient creates a new client. The token may be empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: http.DefaultClient,
		schemas:    make(map[string]*SchemaCache),
	}
}

// UseHTTPClient sets the HTTP client for all the requests.
func (c *Client) UseHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// headerTransport adds the client's headers to every request.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

var _ http.RoundTripper = &headerTransport{}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	for k, v := range t.header {
		r.Header[k] = v
	}
	return t.base.RoundTrip(r)
}

// fetchContext injects the client's HTTP client, sending the client's
// headers, for the requests made through github.com/stockparfait/fetch.
func (c *Client) fetchContext(ctx context.Context) context.Context {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	h := &http.Client{
		Transport:     &headerTransport{base: base, header: c.header()},
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}
	return fetch.UseClient(ctx, h)
}

func (c *Client) header() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", UserAgent)
	h.Set("Accept", "application/json")
	if c.token != "" {
		h.Set("X-App-Token", c.token)
	}
	return h
}

func (c *Client) resourceURL(dataset string) string {
	return c.baseURL + "/resource/" + dataset + ".json"
}

// FetchPage issues a single page request for the query, using its offset and
// limit as is. It returns the records in the server's order. The returned
// errors are *TransportError, *ServerError or *DecodeError, unwrapped.
//
// Note, that a page shorter than the limit is not interpreted here in any way.
func (c *Client) FetchPage(ctx context.Context, q *Query) (*Page, error) {
	uri := c.resourceURL(q.Dataset())
	values := q.Values()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri+"?"+values.Encode(), nil)
	if err != nil {
		return nil, &TransportError{URL: uri, Err: err}
	}
	req.Header = c.header()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: uri, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: uri, Err: errors.Annotate(err, "failed to read body")}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &ServerError{URL: uri, StatusCode: resp.StatusCode, Body: string(body)}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &DecodeError{URL: uri, Err: errors.Reason("expected a JSON array of records")}
	}
	var records []Record
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, &DecodeError{URL: uri, Err: err}
	}
	offset, limit := q.Window()
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return &Page{Offset: offset, Limit: limit, Records: records}, nil
}

// Count returns the number of records matching the query's filters, ignoring
// its projection, order and paging. The server computes it separately from
// the data, so it is only an estimate of what a download will return.
func (c *Client) Count(ctx context.Context, q *Query) (int, error) {
	cq := q.Copy()
	cq.selects = []string{"count(*) AS count"}
	cq.order = ""
	cq.limit = 0
	cq.offset = 0
	var res []map[string]interface{}
	if err := fetch.FetchJSON(c.fetchContext(ctx), c.resourceURL(q.Dataset()), &res, cq.Values(), nil); err != nil {
		return 0, errors.Annotate(err, "failed to fetch count for %s", q.Dataset())
	}
	if len(res) != 1 {
		return 0, errors.Reason("expected 1 count row, got %d", len(res))
	}
	switch v := res[0]["count"].(type) {
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Annotate(err, "failed to parse count '%s'", v)
		}
		return n, nil
	case float64:
		return int(v), nil
	default:
		return 0, errors.Reason("unexpected count value: %v", res[0]["count"])
	}
}
