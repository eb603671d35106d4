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

package ktsearch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ktsearch "github.com/7u4/kt-search"
	"github.com/7u4/kt-search/ktsearchtest"
)

// newStore returns a store bound to a fresh in-memory versioned index, with
// backoff bounds lowered to keep retry tests fast.
func newStore(t *testing.T, cfg ktsearch.Config) (*ktsearch.ElasticsearchStore, *ktsearchtest.Index) {
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 5 * time.Millisecond
	}
	client, ix := ktsearchtest.NewVersionedElasticsearch(t)
	store, err := ktsearch.NewElasticsearchStore(client, "docs", cfg)
	require.NoError(t, err)
	return store, ix
}

func TestElasticsearchStoreRoundTrip(t *testing.T) {
	store, _ := newStore(t, ktsearch.Config{})
	ctx := context.Background()

	v1, err := store.ConditionalWrite(ctx, "doc1", []byte(`{"title":"one"}`), nil, true)
	require.NoError(t, err)
	require.True(t, v1.Valid())

	doc, v, err := store.ReadWithVersion(ctx, "doc1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"one"}`, string(doc))
	assert.Equal(t, v1, v)

	v2, err := store.ConditionalWrite(ctx, "doc1", []byte(`{"title":"two"}`), &v1, false)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	doc, v, err = store.ReadWithVersion(ctx, "doc1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"two"}`, string(doc))
	assert.Equal(t, v2, v)
}

func TestElasticsearchStoreConditionalWrite(t *testing.T) {
	store, ix := newStore(t, ktsearch.Config{})
	ctx := context.Background()

	v1, err := store.ConditionalWrite(ctx, "doc1", []byte(`{"n":1}`), nil, true)
	require.NoError(t, err)
	_, err = store.ConditionalWrite(ctx, "doc1", []byte(`{"n":2}`), &v1, false)
	require.NoError(t, err)

	// The token from the first write is now stale.
	_, err = store.ConditionalWrite(ctx, "doc1", []byte(`{"n":3}`), &v1, false)
	require.ErrorIs(t, err, ktsearch.ErrVersionConflict)

	// Creating an existing document is rejected.
	_, err = store.ConditionalWrite(ctx, "doc1", []byte(`{"n":4}`), nil, true)
	require.ErrorIs(t, err, ktsearch.ErrVersionConflict)

	doc, ok := ix.Get("doc1")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(doc.Source))
}

func TestElasticsearchStoreReadNotFound(t *testing.T) {
	store, _ := newStore(t, ktsearch.Config{})
	_, _, err := store.ReadWithVersion(context.Background(), "missing")
	require.ErrorIs(t, err, ktsearch.ErrNotFound)
}

func TestElasticsearchStoreValidation(t *testing.T) {
	client, _ := ktsearchtest.NewVersionedElasticsearch(t)

	_, err := ktsearch.NewElasticsearchStore(nil, "docs", ktsearch.Config{})
	require.EqualError(t, err, "client is nil")

	_, err = ktsearch.NewElasticsearchStore(client, "", ktsearch.Config{})
	require.Error(t, err)

	_, err = ktsearch.NewElasticsearchStore(client, "docs", ktsearch.Config{CompressionLevel: 11})
	require.Error(t, err)

	store, err := ktsearch.NewElasticsearchStore(client, "docs", ktsearch.Config{})
	require.NoError(t, err)
	ctx := context.Background()
	_, _, err = store.ReadWithVersion(ctx, "")
	require.Error(t, err)
	_, err = store.ConditionalWrite(ctx, "", []byte(`{}`), nil, false)
	require.Error(t, err)
	_, err = store.ConditionalWrite(ctx, "doc1", nil, nil, false)
	require.Error(t, err)

	results, err := store.SubmitBatch(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, results)
}
