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
	"context"
	"net/http"
)

// UpdateFunc transforms the current document source into its replacement.
// It must be side-effect free: the coordinator re-invokes it with a freshly
// read document on every retry.
type UpdateFunc func(doc []byte) ([]byte, error)

// Action identifies the kind of a bulk operation.
type Action string

const (
	// ActionCreate indexes a document, failing if the id already exists.
	ActionCreate Action = "create"
	// ActionIndex indexes a document unconditionally, or conditionally when
	// the operation carries a version token.
	ActionIndex Action = "index"
	// ActionDelete removes a document.
	ActionDelete Action = "delete"
	// ActionUpdate is a read-then-index: the document was read with its
	// version at enqueue time, transformed, and is indexed conditionally on
	// that version. On conflict the session may re-drive the transform
	// through the update coordinator.
	ActionUpdate Action = "update"
)

// BulkOperation is a single pending write within a batch.
type BulkOperation struct {
	Action Action
	// ID of the document within the store's index.
	ID string
	// Doc holds the document source. Unused for deletes.
	Doc []byte
	// Version, when non-nil, makes the write conditional.
	Version *Version

	// update is set for ActionUpdate operations so that the session's
	// conflict handling can retry from a fresh read.
	update UpdateFunc
}

// ItemResult is the per-operation outcome of a batch submission, correlated
// positionally with the submitted operations.
type ItemResult struct {
	Position int
	// Status is the item-level HTTP status reported by the store.
	Status int
	// Version of the document after a successful write.
	Version Version
	Error   struct {
		Type   string
		Reason string
	}
}

// OK reports whether the operation succeeded.
func (r ItemResult) OK() bool {
	return r.Error.Type == "" && r.Status >= http.StatusOK && r.Status < http.StatusMultipleChoices
}

// Conflict reports whether the operation was rejected due to a stale
// version token.
func (r ItemResult) Conflict() bool {
	return r.Status == http.StatusConflict || r.Error.Type == "version_conflict_engine_exception"
}

// Store is the versioned document store driven by the update coordinator and
// the bulk session. ElasticsearchStore is the canonical implementation.
type Store interface {
	// ReadWithVersion returns the document source and its current version
	// token, or an error wrapping ErrNotFound if the id is absent.
	ReadWithVersion(ctx context.Context, id string) ([]byte, Version, error)

	// ConditionalWrite stores doc under id and returns the new version token.
	// A non-nil version makes the write conditional: it fails with an error
	// wrapping ErrVersionConflict if the store's current token differs.
	// With create set, the write fails with ErrVersionConflict if the id
	// already exists.
	ConditionalWrite(ctx context.Context, id string, doc []byte, version *Version, create bool) (Version, error)

	// SubmitBatch submits the operations as a single call and returns one
	// result per operation, in submission order. Item-level failures are
	// reported in the results; the returned error is reserved for wholesale
	// transport failures.
	SubmitBatch(ctx context.Context, ops []BulkOperation) ([]ItemResult, error)
}
