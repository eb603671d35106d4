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
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Updater coordinates optimistic read-modify-write updates against a
// versioned store. It holds no per-document state: concurrent updates of
// different documents run fully in parallel, and concurrent updates of the
// same document race on the store's conditional-write check, which is the
// sole correctness guarantee.
type Updater struct {
	store      Store
	logger     *zap.Logger
	backoffMin time.Duration
	backoffMax time.Duration
	metrics    metrics
	attrs      metric.MeasurementOption
}

// NewUpdater returns an Updater for the given store.
func NewUpdater(store Store, cfg Config) (*Updater, error) {
	cfg = DefaultConfig(cfg)
	if store == nil {
		return nil, errors.New("store is nil")
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	return &Updater{
		store:      store,
		logger:     cfg.Logger,
		backoffMin: cfg.BackoffMin,
		backoffMax: cfg.BackoffMax,
		metrics:    ms,
		attrs:      metric.WithAttributeSet(cfg.MetricAttributes),
	}, nil
}

// Update reads the document, applies fn to its source, and writes the result
// conditionally on the version that was read. When the write is rejected with
// a version conflict, the cycle restarts from a fresh read, up to maxTries
// retries; the stale in-hand value is never reused. A randomized backoff is
// waited between retries.
//
// maxTries = 0 disables retrying: any conflict fails immediately. When the
// budget is exhausted an *UpdateFailedError is returned. A missing document
// fails with ErrNotFound without retrying, and any other read or write error
// propagates unchanged. Cancellation of ctx is checked before every attempt
// and interrupts a pending backoff wait.
func (u *Updater) Update(ctx context.Context, id string, maxTries int, fn UpdateFunc) error {
	if maxTries < 0 {
		maxTries = 0
	}
	for tries := 0; ; tries++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, version, err := u.store.ReadWithVersion(ctx, id)
		if err != nil {
			return err
		}
		next, err := fn(doc)
		if err != nil {
			return fmt.Errorf("update transform for %q: %w", id, err)
		}
		_, err = u.store.ConditionalWrite(ctx, id, next, &version, false)
		if err == nil {
			if tries > 0 {
				// Contention signal: the document is being updated by
				// multiple writers.
				u.logger.Warn("document updated after conflict retries",
					zap.String("id", id),
					zap.Int("retries", tries),
				)
			}
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		u.metrics.updateConflicts.Add(context.Background(), 1, u.attrs)
		if tries >= maxTries {
			return &UpdateFailedError{ID: id, Tries: tries + 1}
		}
		u.logger.Debug("version conflict, retrying update",
			zap.String("id", id),
			zap.Int("tries", tries+1),
			zap.Int("max_tries", maxTries+1),
		)
		u.metrics.updateRetries.Add(context.Background(), 1, u.attrs)
		if err := u.backoff(ctx); err != nil {
			return err
		}
	}
}

// backoff waits a uniformly random interval in [backoffMin, backoffMax],
// desynchronizing concurrent updaters of the same document.
func (u *Updater) backoff(ctx context.Context) error {
	d := u.backoffMin
	if spread := u.backoffMax - u.backoffMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
