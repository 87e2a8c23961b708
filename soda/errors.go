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
)

// TransportError is a failure to talk to the server at all, e.g. a connection
// error or a timeout.
type TransportError struct {
	URL string
	Err error
}

var _ error = &TransportError{}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %s", e.URL, e.Err.Error())
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a non-success HTTP response. Body is truncated to
// maxErrorBody bytes.
type ServerError struct {
	URL        string
	StatusCode int
	Body       string
}

var _ error = &ServerError{}

const maxErrorBody = 4096

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned HTTP %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// DecodeError is a response payload which is not a list of records.
type DecodeError struct {
	URL string
	Err error
}

var _ error = &DecodeError{}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response from %s: %s", e.URL, e.Err.Error())
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaUnavailable means the declared column types of a dataset could not be
// obtained. It never aborts a download; it only disables coercion.
type SchemaUnavailable struct {
	Dataset string
	Err     error
}

var _ error = &SchemaUnavailable{}

func (e *SchemaUnavailable) Error() string {
	return fmt.Sprintf("schema of %s is unavailable: %s", e.Dataset, e.Err.Error())
}

func (e *SchemaUnavailable) Unwrap() error { return e.Err }

// ErrorKind is a short name of the error's category for logging: "transport",
// "server", "decode", "schema", or "other".
func ErrorKind(err error) string {
	switch err.(type) {
	case nil:
		return ""
	case *TransportError:
		return "transport"
	case *ServerError:
		return "server"
	case *DecodeError:
		return "decode"
	case *SchemaUnavailable:
		return "schema"
	default:
		return "other"
	}
}
