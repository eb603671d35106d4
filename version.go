// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package ktsearch

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned from methods of closed bulk sessions.
	ErrClosed = errors.New("bulk session closed")

	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned when a conditional write is rejected
	// because the supplied version token is stale.
	ErrVersionConflict = errors.New("version conflict")

	errMissingIndex = errors.New("missing index name")
	errMissingID    = errors.New("missing document id")
	errMissingBody  = errors.New("missing document body")
)

// Version identifies a specific write generation of a document. Elasticsearch
// assigns a new sequence number on every write, and the primary term changes
// when a shard's primary is reassigned. Together they form the token used for
// conditional writes.
//
// The version token is owned by the store; this package only reads tokens and
// passes them back unchanged.
type Version struct {
	SeqNo       int64
	PrimaryTerm int64
}

// Valid reports whether v identifies a write generation. Elasticsearch
// primary terms start at 1.
func (v Version) Valid() bool {
	return v.PrimaryTerm > 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d/%d", v.SeqNo, v.PrimaryTerm)
}

// UpdateFailedError is returned by Updater.Update when the retry budget has
// been exhausted by consecutive version conflicts.
type UpdateFailedError struct {
	// ID of the document that could not be updated.
	ID string
	// Tries is the total number of attempts made, including the first.
	Tries int
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update of document %q failed after %d tries", e.ID, e.Tries)
}

// Unwrap allows errors.Is(err, ErrVersionConflict) on exhausted updates.
func (e *UpdateFailedError) Unwrap() error {
	return ErrVersionConflict
}
