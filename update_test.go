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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ktsearch "github.com/7u4/kt-search"
	"github.com/7u4/kt-search/ktsearchtest"
)

func incrementN(doc []byte) ([]byte, error) {
	var v struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"n": v.N + 1})
}

func TestUpdateNotFound(t *testing.T) {
	store, _ := newStore(t, ktsearch.Config{})
	err := store.Update(context.Background(), "missing", 3, incrementN)
	require.ErrorIs(t, err, ktsearch.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	store, ix := newStore(t, ktsearch.Config{})
	ix.Put("doc1", json.RawMessage(`{"n":1}`))

	require.NoError(t, store.Update(context.Background(), "doc1", 0, incrementN))

	doc, ok := ix.Get("doc1")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(doc.Source))
}

// conflictingElasticsearch serves reads of a fixed document and rejects
// every write with a version conflict, counting the reads.
func conflictingElasticsearch(t *testing.T, reads *atomic.Int64) *ktsearch.ElasticsearchStore {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			reads.Add(1)
			w.Write([]byte(`{"_index":"docs","_id":"doc1","_seq_no":1,"_primary_term":1,"found":true,"_source":{"n":1}}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"status":409,"error":{"type":"version_conflict_engine_exception","reason":"[doc1]: version conflict"}}`))
	})
	client := ktsearchtest.NewMockElasticsearchClient(t, handler)
	store, err := ktsearch.NewElasticsearchStore(client, "docs", ktsearch.Config{
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	return store
}

func TestUpdateRetryBudget(t *testing.T) {
	var reads atomic.Int64
	store := conflictingElasticsearch(t, &reads)

	for _, maxTries := range []int{0, 2, 5} {
		t.Run(fmt.Sprintf("max_tries_%d", maxTries), func(t *testing.T) {
			reads.Store(0)
			err := store.Update(context.Background(), "doc1", maxTries, incrementN)

			var failed *ktsearch.UpdateFailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, "doc1", failed.ID)
			assert.Equal(t, maxTries+1, failed.Tries)
			require.ErrorIs(t, err, ktsearch.ErrVersionConflict)

			// One fresh read per attempt: the initial try plus maxTries retries.
			assert.Equal(t, int64(maxTries+1), reads.Load())
		})
	}
}

func TestUpdateRetriesFromFreshRead(t *testing.T) {
	// The first conditional write conflicts; the retry must re-read before
	// writing again.
	ix := ktsearchtest.NewIndex()
	seeded := ix.Put("doc1", json.RawMessage(`{"n":1}`))

	var writes atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && writes.Add(1) == 1 {
			// Simulate a concurrent writer winning the race.
			ix.Put("doc1", json.RawMessage(`{"n":10}`))
		}
		ix.ServeHTTP(w, r)
	})
	client := ktsearchtest.NewMockElasticsearchClient(t, handler)
	store, err := ktsearch.NewElasticsearchStore(client, "docs", ktsearch.Config{
		BackoffMin: time.Millisecond,
		BackoffMax: 2 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(context.Background(), "doc1", 2, incrementN))

	doc, ok := ix.Get("doc1")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":11}`, string(doc.Source))
	assert.Greater(t, doc.SeqNo, seeded.SeqNo)
	assert.Equal(t, int64(2), writes.Load())
}

func TestUpdateConcurrent(t *testing.T) {
	store, ix := newStore(t, ktsearch.Config{})
	ix.Put("counter", json.RawMessage(`{"n":0}`))

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Update(context.Background(), "counter", writers*3, incrementN)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	// No lost updates: every writer's increment is reflected.
	doc, ok := ix.Get("counter")
	require.True(t, ok)
	assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, writers), string(doc.Source))
}

func TestUpdateTransformError(t *testing.T) {
	store, ix := newStore(t, ktsearch.Config{})
	ix.Put("doc1", json.RawMessage(`{"n":1}`))

	transformErr := errors.New("boom")
	err := store.Update(context.Background(), "doc1", 3, func([]byte) ([]byte, error) {
		return nil, transformErr
	})
	require.ErrorIs(t, err, transformErr)

	// The document is untouched.
	doc, ok := ix.Get("doc1")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(doc.Source))
}

func TestUpdateContextCancelled(t *testing.T) {
	var reads atomic.Int64
	store := conflictingElasticsearch(t, &reads)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Update(ctx, "doc1", 3, incrementN)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), reads.Load())
}

func TestUpdateContextCancelledDuringBackoff(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"_index":"docs","_id":"doc1","_seq_no":1,"_primary_term":1,"found":true,"_source":{"n":1}}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"status":409,"error":{"type":"version_conflict_engine_exception","reason":"conflict"}}`))
	})
	client := ktsearchtest.NewMockElasticsearchClient(t, handler)
	store, err := ktsearch.NewElasticsearchStore(client, "docs", ktsearch.Config{
		BackoffMin: time.Minute,
		BackoffMax: 2 * time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = store.Update(ctx, "doc1", 3, incrementN)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Minute)
}
