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

// Package ktsearchtest provides a mock Elasticsearch for testing: an
// in-memory versioned document index with real seq_no/primary_term
// conditional-write semantics, served over httptest.
package ktsearchtest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
)

// Document is a stored document with its version.
type Document struct {
	Source      json.RawMessage
	SeqNo       int64
	PrimaryTerm int64
}

// BulkAction is one decoded operation of a _bulk request body.
type BulkAction struct {
	Action        string
	ID            string
	IfSeqNo       *int64
	IfPrimaryTerm *int64
	Doc           json.RawMessage
}

// Index is an in-memory versioned document index. It implements the
// Elasticsearch single-document and _bulk endpoints with conditional-write
// semantics: every successful write is assigned a fresh sequence number, and
// writes carrying if_seq_no/if_primary_term are rejected with a 409 when the
// supplied token does not match the current one.
type Index struct {
	mu   sync.Mutex
	docs map[string]Document
	seq  int64
	term int64

	bulkRequests int64
	bulkSizes    []int
}

// NewIndex returns an empty index at primary term 1.
func NewIndex() *Index {
	return &Index{
		docs: make(map[string]Document),
		term: 1,
	}
}

// Get returns the stored document.
func (ix *Index) Get(id string) (Document, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	doc, ok := ix.docs[id]
	return doc, ok
}

// Put stores the document unconditionally, bumping its version. It is meant
// for seeding and for simulating a concurrent writer.
func (ix *Index) Put(id string, source json.RawMessage) Document {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	doc, _, _ := ix.put(id, source, nil, nil, false)
	return doc
}

// Len returns the number of stored documents.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.docs)
}

// BulkRequests returns how many _bulk requests have been served.
func (ix *Index) BulkRequests() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.bulkRequests
}

// BulkSizes returns the item count of each served _bulk request, in order.
func (ix *Index) BulkSizes() []int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]int(nil), ix.bulkSizes...)
}

// put applies a write under ix.mu, returning the stored document, the HTTP
// status, and whether the write was rejected with a version conflict.
func (ix *Index) put(id string, source json.RawMessage, ifSeqNo, ifPrimaryTerm *int64, create bool) (Document, int, bool) {
	cur, exists := ix.docs[id]
	if create && exists {
		return cur, http.StatusConflict, true
	}
	if ifSeqNo != nil || ifPrimaryTerm != nil {
		if !exists {
			return Document{}, http.StatusConflict, true
		}
		if ifSeqNo == nil || ifPrimaryTerm == nil ||
			cur.SeqNo != *ifSeqNo || cur.PrimaryTerm != *ifPrimaryTerm {
			return cur, http.StatusConflict, true
		}
	}
	ix.seq++
	doc := Document{
		Source:      append(json.RawMessage{}, source...),
		SeqNo:       ix.seq,
		PrimaryTerm: ix.term,
	}
	ix.docs[id] = doc
	if exists {
		return doc, http.StatusOK, false
	}
	return doc, http.StatusCreated, false
}

func (ix *Index) delete(id string, ifSeqNo, ifPrimaryTerm *int64) (int, bool) {
	cur, exists := ix.docs[id]
	if !exists {
		return http.StatusNotFound, false
	}
	if ifSeqNo != nil || ifPrimaryTerm != nil {
		if ifSeqNo == nil || ifPrimaryTerm == nil ||
			cur.SeqNo != *ifSeqNo || cur.PrimaryTerm != *ifPrimaryTerm {
			return http.StatusConflict, true
		}
	}
	delete(ix.docs, id)
	ix.seq++
	return http.StatusOK, false
}

// ServeHTTP implements the subset of the Elasticsearch API exercised by this
// module: GET/PUT/POST/DELETE /{index}/_doc/{id}, PUT/POST /{index}/_create/{id},
// and POST [/{index}]/_bulk.
func (ix *Index) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/_bulk") {
		ix.handleBulk(w, r)
		return
	}
	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segs) != 3 || (segs[1] != "_doc" && segs[1] != "_create") {
		http.NotFound(w, r)
		return
	}
	index, id := segs[0], segs[2]
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		ix.handleGet(w, index, id)
	case http.MethodPut, http.MethodPost:
		create := segs[1] == "_create" || r.URL.Query().Get("op_type") == "create"
		ix.handlePut(w, r, index, id, create)
	case http.MethodDelete:
		ix.handleDelete(w, r, index, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ix *Index) handleGet(w http.ResponseWriter, index, id string) {
	doc, ok := ix.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"_index": index,
			"_id":    id,
			"found":  false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_index":        index,
		"_id":           id,
		"_seq_no":       doc.SeqNo,
		"_primary_term": doc.PrimaryTerm,
		"found":         true,
		"_source":       doc.Source,
	})
}

func (ix *Index) handlePut(w http.ResponseWriter, r *http.Request, index, id string, create bool) {
	ifSeqNo := queryInt64(r, "if_seq_no")
	ifPrimaryTerm := queryInt64(r, "if_primary_term")
	var source json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&source); err != nil {
		writeError(w, http.StatusBadRequest, "mapper_parsing_exception", err.Error())
		return
	}
	ix.mu.Lock()
	doc, status, conflict := ix.put(id, source, ifSeqNo, ifPrimaryTerm, create)
	ix.mu.Unlock()
	if conflict {
		writeError(w, status, "version_conflict_engine_exception",
			fmt.Sprintf("[%s]: version conflict, current version differs", id))
		return
	}
	result := "created"
	if status == http.StatusOK {
		result = "updated"
	}
	writeJSON(w, status, map[string]any{
		"_index":        index,
		"_id":           id,
		"_seq_no":       doc.SeqNo,
		"_primary_term": doc.PrimaryTerm,
		"result":        result,
	})
}

func (ix *Index) handleDelete(w http.ResponseWriter, r *http.Request, index, id string) {
	ifSeqNo := queryInt64(r, "if_seq_no")
	ifPrimaryTerm := queryInt64(r, "if_primary_term")
	ix.mu.Lock()
	status, conflict := ix.delete(id, ifSeqNo, ifPrimaryTerm)
	ix.mu.Unlock()
	if conflict {
		writeError(w, status, "version_conflict_engine_exception",
			fmt.Sprintf("[%s]: version conflict, current version differs", id))
		return
	}
	if status == http.StatusNotFound {
		writeJSON(w, status, map[string]any{
			"_index": index,
			"_id":    id,
			"result": "not_found",
		})
		return
	}
	writeJSON(w, status, map[string]any{
		"_index": index,
		"_id":    id,
		"result": "deleted",
	})
}

func (ix *Index) handleBulk(w http.ResponseWriter, r *http.Request) {
	actions := DecodeBulkRequest(r)
	ix.mu.Lock()
	ix.bulkRequests++
	ix.bulkSizes = append(ix.bulkSizes, len(actions))
	hasErrors := false
	items := make([]map[string]map[string]any, 0, len(actions))
	for _, a := range actions {
		var status int
		var conflict bool
		var doc Document
		switch a.Action {
		case "delete":
			status, conflict = ix.delete(a.ID, a.IfSeqNo, a.IfPrimaryTerm)
		case "create":
			doc, status, conflict = ix.put(a.ID, a.Doc, a.IfSeqNo, a.IfPrimaryTerm, true)
		default:
			doc, status, conflict = ix.put(a.ID, a.Doc, a.IfSeqNo, a.IfPrimaryTerm, false)
		}
		item := map[string]any{
			"_id":    a.ID,
			"status": status,
		}
		if conflict {
			hasErrors = true
			item["error"] = map[string]any{
				"type":   "version_conflict_engine_exception",
				"reason": fmt.Sprintf("[%s]: version conflict, current version differs", a.ID),
			}
		} else if status >= http.StatusBadRequest {
			hasErrors = true
		} else {
			item["_seq_no"] = doc.SeqNo
			item["_primary_term"] = doc.PrimaryTerm
		}
		items = append(items, map[string]map[string]any{a.Action: item})
	}
	ix.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"took":   0,
		"errors": hasErrors,
		"items":  items,
	})
}

// DecodeBulkRequest decodes a /_bulk request body into its operations,
// transparently handling gzip content encoding.
func DecodeBulkRequest(r *http.Request) []BulkAction {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer gr.Close()
		body = gr
	}

	scanner := bufio.NewScanner(body)
	var actions []BulkAction
	for scanner.Scan() {
		var meta map[string]struct {
			ID            string `json:"_id"`
			IfSeqNo       *int64 `json:"if_seq_no"`
			IfPrimaryTerm *int64 `json:"if_primary_term"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			panic(err)
		}
		var action BulkAction
		for name, m := range meta {
			action = BulkAction{
				Action:        name,
				ID:            m.ID,
				IfSeqNo:       m.IfSeqNo,
				IfPrimaryTerm: m.IfPrimaryTerm,
			}
		}
		if action.Action != "delete" {
			if !scanner.Scan() {
				panic("expected source")
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			action.Doc = doc
		}
		actions = append(actions, action)
	}
	return actions
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends all
// requests to handler.
func NewMockElasticsearchClient(t testing.TB, handler http.Handler) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, handler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server serving handler,
// and returns an elasticsearch.Config pointed at it. Responses are wrapped to
// conform with go-elasticsearch product checking. The httptest.Server will be
// closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, handler http.Handler) elasticsearch.Config {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// NewVersionedElasticsearch returns a client backed by a fresh in-memory
// versioned index, along with the index for direct inspection and seeding.
func NewVersionedElasticsearch(t testing.TB) (*elasticsearch.Client, *Index) {
	ix := NewIndex()
	return NewMockElasticsearchClient(t, ix), ix
}

func queryInt64(r *http.Request, name string) *int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, reason string) {
	writeJSON(w, status, map[string]any{
		"status": status,
		"error": map[string]any{
			"type":   errType,
			"reason": reason,
		},
	})
}
