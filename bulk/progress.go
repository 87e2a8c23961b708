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

package bulk

import (
	"context"

	"github.com/stockparfait/logging"
)

// Progress is reported after every fetched page.
type Progress struct {
	SessionID string
	Name      string // session label
	Page      int    // number of pages fetched so far
	Offset    int    // offset of the next page
	Rows      int    // records fetched so far
	Total     int    // expected total; -1 if unknown
}

// Percent of the expected total fetched so far. The second value is false
// when the total is unknown.
func (p Progress) Percent() (float64, bool) {
	if p.Total < 0 {
		return 0, false
	}
	if p.Total == 0 {
		return 100.0, true
	}
	return float64(p.Rows) / float64(p.Total) * 100.0, true
}

// Observer receives progress events. It must be safe for concurrent use when
// the engine runs several sessions at once.
type Observer interface {
	Progress(ctx context.Context, p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, p Progress)

var _ Observer = ObserverFunc(nil)

// Progress implements Observer.
func (f ObserverFunc) Progress(ctx context.Context, p Progress) { f(ctx, p) }

// LogObserver logs progress at Info level.
type LogObserver struct{}

var _ Observer = LogObserver{}

// Progress implements Observer.
func (LogObserver) Progress(ctx context.Context, p Progress) {
	if pct, ok := p.Percent(); ok {
		logging.Infof(ctx, "%s: page %d, %d/%d records (%.1f%%)",
			p.Name, p.Page, p.Rows, p.Total, pct)
		return
	}
	logging.Infof(ctx, "%s: page %d, %d records (total unknown)", p.Name, p.Page, p.Rows)
}
