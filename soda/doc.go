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

// Package soda implements a client for the Socrata Open Data API (SODA), as
// used by many city data portals, e.g. https://data.cityofchicago.org .
//
// Official documentation is at https://dev.socrata.com/docs/queries/ .
//
// A dataset is queried page by page using $limit and $offset. The server does
// not report the total number of matching records along with the data, and it
// caps the page size, so bulk downloads must be driven by the caller (see
// package bulk). This package issues one bounded page request at a time and
// leaves the end-of-data policy to its callers.
//
// Each dataset also has a metadata view listing its columns with their
// declared data types. The Client caches these per dataset; see SchemaCache.
package soda
