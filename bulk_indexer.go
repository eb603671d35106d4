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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unsafe"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// Index is the target index for all operations in the request.
	Index string

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Refresh holds the refresh policy for the Bulk request ("", "true",
	// "wait_for").
	Refresh string
}

// BulkIndexer encodes versioned document operations into a single _bulk
// request body, and submits it. One result is returned per operation, in
// the order the operations were added.
type BulkIndexer struct {
	config       BulkIndexerConfig
	itemsAdded   int
	bytesFlushed int
	jsonw        fastjson.Writer
	writer       io.Writer
	gzipw        *gzip.Writer
	buf          bytes.Buffer
}

type bulkIndexerResponse struct {
	Items []ItemResult
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("ktsearch.bulkIndexerResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		resp := (*bulkIndexerResponse)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
			switch field {
			case "items":
				i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					// Each element is a single-key object keyed by the action.
					return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
						var item ItemResult
						i.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
							switch field {
							case "status":
								item.Status = i.ReadInt()
							case "_seq_no":
								item.Version.SeqNo = i.ReadInt64()
							case "_primary_term":
								item.Version.PrimaryTerm = i.ReadInt64()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
									switch field {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Match Elasticsearch field mapper field value:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										// https://github.com/elastic/elasticsearch/blob/588eabe185ad319c0268a13480465966cef058cd/server/src/main/java/org/elasticsearch/index/mapper/FieldMapper.java#L234
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						item.Position = len(resp.Items)
						resp.Items = append(resp.Items, item)
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.Index == "" {
		return nil, errMissingIndex
	}

	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}

	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

// Reset resets the bulk indexer, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.bytesFlushed = 0
	b.resetBuf()
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered operations.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// BytesFlushed returns the number of bytes flushed by the bulk indexer.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Add encodes an operation in the buffer.
func (b *BulkIndexer) Add(op BulkOperation) error {
	if op.ID == "" {
		return errMissingID
	}
	if op.Doc == nil && op.Action != ActionDelete {
		return errMissingBody
	}
	b.writeMeta(op)
	if op.Action != ActionDelete {
		if _, err := b.writer.Write(op.Doc); err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
		if _, err := b.writer.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(op BulkOperation) {
	action := op.Action
	if action == ActionUpdate {
		// An update is a conditional index on the wire; the distinction only
		// matters for the session's conflict handling.
		action = ActionIndex
	}
	b.jsonw.RawString(`{"`)
	b.jsonw.RawString(string(action))
	b.jsonw.RawString(`":{"_id":`)
	b.jsonw.String(op.ID)
	if op.Version != nil {
		b.jsonw.RawString(`,"if_seq_no":`)
		b.jsonw.Int64(op.Version.SeqNo)
		b.jsonw.RawString(`,"if_primary_term":`)
		b.jsonw.Int64(op.Version.PrimaryTerm)
	}
	b.jsonw.RawString("}}\n")
	b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
}

// Flush executes a bulk request if there are any operations buffered, and
// clears out the buffer. The returned results correlate positionally with
// the added operations.
func (b *BulkIndexer) Flush(ctx context.Context) ([]ItemResult, error) {
	if b.itemsAdded == 0 {
		return nil, nil
	}

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return nil, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Index:  b.config.Index,
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"items.*.status",
			"items.*._seq_no",
			"items.*._primary_term",
			"items.*.error.type",
			"items.*.error.reason",
		},
		Pipeline: b.config.Pipeline,
		Refresh:  b.config.Refresh,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	n := b.itemsAdded
	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, b.config.Client)
	b.resetBuf()
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	if res.IsError() {
		return nil, fmt.Errorf("flush failed: %s", res.String())
	}

	var resp bulkIndexerResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("error decoding bulk response: %w", err)
	}
	if len(resp.Items) != n {
		return nil, fmt.Errorf("bulk response item count mismatch: sent %d, got %d", n, len(resp.Items))
	}
	return resp.Items, nil
}
