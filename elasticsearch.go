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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// ElasticsearchStore is a versioned document store backed by a single
// Elasticsearch index. It implements Store using seq_no/primary_term
// conditional writes.
//
// ElasticsearchStore is stateless beyond its configuration and is safe for
// concurrent use.
type ElasticsearchStore struct {
	client  esapi.Transport
	index   string
	config  Config
	pool    *indexerPool
	updater *Updater
}

// NewElasticsearchStore returns a store bound to the given index.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewElasticsearchStore(client esapi.Transport, index string, cfg Config) (*ElasticsearchStore, error) {
	cfg = DefaultConfig(cfg)
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if index == "" {
		return nil, errMissingIndex
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	s := &ElasticsearchStore{
		client: client,
		index:  index,
		config: cfg,
		pool: newIndexerPool(cfg.MaxRequests, BulkIndexerConfig{
			Client:           client,
			Index:            index,
			CompressionLevel: cfg.CompressionLevel,
			Pipeline:         cfg.Pipeline,
			Refresh:          cfg.Refresh,
		}),
	}
	updater, err := NewUpdater(s, cfg)
	if err != nil {
		return nil, err
	}
	s.updater = updater
	return s, nil
}

// Index returns the name of the index the store is bound to.
func (s *ElasticsearchStore) Index() string {
	return s.index
}

// ReadWithVersion implements Store.
func (s *ElasticsearchStore) ReadWithVersion(ctx context.Context, id string) ([]byte, Version, error) {
	if id == "" {
		return nil, Version{}, errMissingID
	}
	req := esapi.GetRequest{
		Index:      s.index,
		DocumentID: id,
		FilterPath: []string{"found", "_seq_no", "_primary_term", "_source"},
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, Version{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, Version{}, fmt.Errorf("read %q: %w", id, ErrNotFound)
	}
	if res.IsError() {
		return nil, Version{}, fmt.Errorf("read %q failed: %s", id, res.String())
	}
	var doc struct {
		Found       bool            `json:"found"`
		SeqNo       int64           `json:"_seq_no"`
		PrimaryTerm int64           `json:"_primary_term"`
		Source      json.RawMessage `json:"_source"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, Version{}, fmt.Errorf("error decoding get response: %w", err)
	}
	return doc.Source, Version{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// ConditionalWrite implements Store.
func (s *ElasticsearchStore) ConditionalWrite(ctx context.Context, id string, doc []byte, version *Version, create bool) (Version, error) {
	if id == "" {
		return Version{}, errMissingID
	}
	if doc == nil {
		return Version{}, errMissingBody
	}
	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: id,
		Body:       bytes.NewReader(doc),
		Pipeline:   s.config.Pipeline,
		Refresh:    s.config.Refresh,
		FilterPath: []string{"_seq_no", "_primary_term"},
	}
	if create {
		req.OpType = "create"
	}
	if version != nil {
		seqNo := int(version.SeqNo)
		primaryTerm := int(version.PrimaryTerm)
		req.IfSeqNo = &seqNo
		req.IfPrimaryTerm = &primaryTerm
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return Version{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusConflict:
		return Version{}, fmt.Errorf("write %q: %w", id, ErrVersionConflict)
	case res.StatusCode == http.StatusNotFound:
		// A conditional write against a missing document.
		return Version{}, fmt.Errorf("write %q: %w", id, ErrNotFound)
	case res.IsError():
		return Version{}, fmt.Errorf("write %q failed: %s", id, res.String())
	}
	var written struct {
		SeqNo       int64 `json:"_seq_no"`
		PrimaryTerm int64 `json:"_primary_term"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&written); err != nil {
		return Version{}, fmt.Errorf("error decoding index response: %w", err)
	}
	return Version{SeqNo: written.SeqNo, PrimaryTerm: written.PrimaryTerm}, nil
}

// SubmitBatch implements Store. The operations are encoded into a single
// _bulk request; results correlate positionally with ops.
func (s *ElasticsearchStore) SubmitBatch(ctx context.Context, ops []BulkOperation) ([]ItemResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	b, err := s.pool.get()
	if err != nil {
		return nil, err
	}
	defer s.pool.put(b)
	for _, op := range ops {
		if err := b.Add(op); err != nil {
			b.Reset()
			return nil, fmt.Errorf("failed to encode bulk operation %q: %w", op.ID, err)
		}
	}
	return b.Flush(ctx)
}

// Update runs an optimistic read-modify-write cycle for the document,
// retrying version conflicts up to maxTries times. See Updater.Update.
func (s *ElasticsearchStore) Update(ctx context.Context, id string, maxTries int, fn UpdateFunc) error {
	return s.updater.Update(ctx, id, maxTries, fn)
}

// StartBulk opens a bulk write session against the store.
func (s *ElasticsearchStore) StartBulk() (*Session, error) {
	return NewSession(s, s.config)
}
