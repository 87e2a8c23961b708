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

// Command soda-fetch downloads a SODA dataset, or its monthly samples, saves
// the batches and the combined tables to the cache, and prints the profile of
// the downloaded data.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/soda/bulk"
	"github.com/stockparfait/soda/frame"
	"github.com/stockparfait/soda/soda"
	"github.com/stockparfait/soda/store"

	toml "github.com/pelletier/go-toml/v2"
)

type Flags struct {
	Cache    string // default: ~/.soda
	LogLevel logging.Level
	Start    string // YYYY-MM-DD
	End      string // YYYY-MM-DD
	Months   []string
	Limit    int // 0 = all records
	Workers  int
	Resume   bool
	NoSave   bool
	Count    bool
	CSV      bool
	Rows     int // rows to print with -csv; 0 = all
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("soda-fetch", flag.ExitOnError)
	fs.StringVar(&flags.Cache, "cache",
		filepath.Join(os.Getenv("HOME"), ".soda"),
		"directory with config.toml and downloaded data")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")
	fs.StringVar(&flags.Start, "start", "", "first date YYYY-MM-DD, inclusive")
	fs.StringVar(&flags.End, "end", "", "last date YYYY-MM-DD, inclusive")
	var months string
	fs.StringVar(&months, "months", "",
		"comma-separated list of months YYYY-MM to sample, one session each")
	fs.IntVar(&flags.Limit, "limit", 0, "max. records per session, 0 = all")
	fs.IntVar(&flags.Workers, "workers", 2, "sessions to run concurrently")
	fs.BoolVar(&flags.Resume, "resume", false, "continue from the saved batches")
	fs.BoolVar(&flags.NoSave, "nosave", false, "do not save the downloaded data")
	fs.BoolVar(&flags.Count, "count", false, "count records first, for progress")
	fs.BoolVar(&flags.CSV, "csv", false, "print the data as CSV instead of the profile")
	fs.IntVar(&flags.Rows, "rows", 0, "max. rows to print with -csv, 0 = all")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if months != "" {
		for _, m := range strings.Split(months, ",") {
			m = strings.TrimSpace(m)
			if _, err := time.Parse("2006-01", m); err != nil {
				return nil, errors.Annotate(err, "invalid month '%s'", m)
			}
			flags.Months = append(flags.Months, m)
		}
	}
	if len(flags.Months) > 0 && (flags.Start != "" || flags.End != "") {
		return nil, errors.Reason("-months cannot be used with -start or -end")
	}
	for _, d := range []string{flags.Start, flags.End} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, errors.Annotate(err, "invalid date '%s'", d)
		}
	}
	return &flags, nil
}

type Config struct {
	BaseURL        string   `toml:"base_url"` // default: soda.URL
	Dataset        string   `toml:"dataset"`  // required
	Token          string   `toml:"token"`    // optional app token
	TimestampField string   `toml:"timestamp_field"`
	Order          string   `toml:"order"` // default: timestamp field, descending
	Select         []string `toml:"select"`
	PageSize       int      `toml:"page_size"` // default: soda.MaxPageSize
	DelayMs        int      `toml:"delay_ms"`
}

const sampleConfig = `dataset = "wrvz-psew"
token = "YourAppToken"
timestamp_field = "trip_start_timestamp"
page_size = 50000
delay_ms = 500
`

func parseConfig(dir string) (*Config, error) {
	filePath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = errors.Annotate(err,
				"config file '%s' does not exist.\nPlease create config file containing:\n%s",
				filePath, sampleConfig)
			return nil, err
		} else {
			return nil, errors.Annotate(err,
				"cannot check config file for existence: '%s'", filePath)
		}
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file %s", filePath)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	var c Config
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file %s", filePath)
	}
	if c.Dataset == "" {
		return nil, errors.Reason("dataset is not set in %s", filePath)
	}
	if c.BaseURL == "" {
		c.BaseURL = soda.URL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.TimestampField == "" {
		c.TimestampField = "trip_start_timestamp"
	}
	if c.Order == "" {
		c.Order = c.TimestampField + " DESC"
	}
	return &c, nil
}

// queries for the sessions requested by the flags.
func queries(config *Config, flags *Flags) ([]*soda.Query, error) {
	base := soda.NewQuery(config.Dataset).Order(config.Order)
	if len(config.Select) > 0 {
		base = base.Select(config.Select...)
	}
	if len(flags.Months) == 0 {
		q := base.DateRange(config.TimestampField, flags.Start, flags.End)
		name := config.Dataset
		if flags.Start != "" || flags.End != "" {
			name = fmt.Sprintf("%s_%s_%s", config.Dataset, flags.Start, flags.End)
		}
		return []*soda.Query{q.Name(name)}, nil
	}
	var res []*soda.Query
	for _, m := range flags.Months {
		t, err := time.Parse("2006-01", m)
		if err != nil {
			return nil, errors.Annotate(err, "invalid month '%s'", m)
		}
		start, end := soda.MonthRange(t.Year(), t.Month())
		res = append(res, base.Between(config.TimestampField, start, end).
			Name(config.Dataset+"_"+m))
	}
	return res, nil
}

func newEngine(config *Config, flags *Flags) *bulk.Engine {
	client := soda.NewClient(config.BaseURL, config.Token)
	st := store.NewStore(filepath.Join(flags.Cache, "data"))
	return bulk.ClientEngine(client, bulk.Config{
		PageSize:   config.PageSize,
		Target:     flags.Limit,
		Delay:      time.Duration(config.DelayMs) * time.Millisecond,
		CountProbe: flags.Count,
		Persist:    !flags.NoSave,
	}).UseStore(st).UseObserver(bulk.LogObserver{})
}

func printResult(w io.Writer, r *bulk.Result, flags *Flags) error {
	if flags.CSV {
		return r.Table.WriteCSV(w, frame.Params{Rows: flags.Rows})
	}
	fmt.Fprintf(w, "%s: %s, %d records\n", r.Name, r.Status, r.Rows)
	if r.Combined != nil {
		fmt.Fprintf(w, "saved to %s\n", r.Combined.Path)
	}
	if r.Rows == 0 {
		return nil
	}
	return frame.NewProfile(r.Table).Table().WriteText(w, frame.Params{MaxColWidth: 40})
}

func download(ctx context.Context, flags *Flags, w io.Writer) error {
	config, err := parseConfig(flags.Cache)
	if err != nil {
		return errors.Annotate(err, "failed to parse config")
	}
	qs, err := queries(config, flags)
	if err != nil {
		return errors.Annotate(err, "failed to create queries")
	}
	e := newEngine(config, flags)

	var results []*bulk.Result
	if flags.Resume {
		for _, q := range qs {
			results = append(results, e.Resume(ctx, q))
		}
	} else {
		results = e.FetchMany(ctx, qs, flags.Workers)
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			logging.Errorf(ctx, "%s: %s error: %s", r.Name, soda.ErrorKind(r.Err), r.Err.Error())
			if r.Rows == 0 {
				failed++
			}
		}
		if err := printResult(w, r, flags); err != nil {
			return errors.Annotate(err, "failed to print %s", r.Name)
		}
	}
	if failed == len(results) {
		return errors.Reason("all %d sessions failed", failed)
	}
	return nil
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := download(ctx, flags, os.Stdout); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
