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
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for ElasticsearchStore, Updater and Session.
type Config struct {
	// Logger holds an optional Logger to use for logging requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the store is used for high throughput indexing, is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds the OTel TracerProvider used to trace bulk
	// session flushes.
	//
	// If TracerProvider is nil, flushes will not be traced.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// BulkSize holds the number of operations that are accumulated in a bulk
	// session before a batch is submitted.
	//
	// If BulkSize is less than or equal to zero, the default of 100 will be used.
	BulkSize int

	// MaxRequests holds the maximum number of bulk requests to execute
	// concurrently per session.
	//
	// If MaxRequests is less than or equal to zero, the default of 10 will be used.
	MaxRequests int

	// RetryConflictingUpdates holds the retry budget applied when a batched
	// update reports a version conflict. The session re-drives the update
	// through the coordinator with this many tries.
	//
	// If zero, conflicting updates in a batch are reported as failed without
	// being retried.
	RetryConflictingUpdates int

	// BackoffMin and BackoffMax bound the randomized backoff waited between
	// update retries. The wait is uniformly distributed in [BackoffMin, BackoffMax].
	//
	// They default to 50ms and 500ms respectively.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in requests.
	Pipeline string

	// Refresh holds the refresh policy for write requests ("", "true",
	// "wait_for"). Elasticsearch's default is used when empty.
	Refresh string

	// OnItem, when set, replaces the session's default per-item callback.
	// It is invoked once per submitted operation with its outcome, from the
	// goroutine performing the flush.
	OnItem ItemCallback
}

// DefaultConfig returns cfg with default values applied.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = 100
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 50 * time.Millisecond
	}
	if cfg.BackoffMax <= cfg.BackoffMin {
		cfg.BackoffMax = 500 * time.Millisecond
		if cfg.BackoffMax < cfg.BackoffMin {
			cfg.BackoffMax = cfg.BackoffMin
		}
	}
	return cfg
}
