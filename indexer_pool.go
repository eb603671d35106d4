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

// indexerPool is a bounded free list of bulk indexers, reused across
// concurrent batch submissions to avoid reallocating request buffers and
// gzip writers per flush.
type indexerPool struct {
	free   chan *BulkIndexer
	config BulkIndexerConfig
}

func newIndexerPool(size int, cfg BulkIndexerConfig) *indexerPool {
	return &indexerPool{
		free:   make(chan *BulkIndexer, size),
		config: cfg,
	}
}

// get returns a free indexer, or creates a new one if none are available.
func (p *indexerPool) get() (*BulkIndexer, error) {
	select {
	case b := <-p.free:
		return b, nil
	default:
		return NewBulkIndexer(p.config)
	}
}

// put returns the indexer to the pool, discarding it if the pool is full.
// Indexers with buffered items are never pooled.
func (p *indexerPool) put(b *BulkIndexer) {
	if b == nil || b.Items() > 0 {
		return
	}
	b.Reset()
	select {
	case p.free <- b:
	default:
	}
}
