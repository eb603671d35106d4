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
	"sync"
	"sync/atomic"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ItemCallback is invoked once per submitted operation with its outcome.
type ItemCallback func(op BulkOperation, res ItemResult)

// Session accumulates write operations into fixed-size batches and submits
// each batch to the store as a single call, distributing per-item outcomes
// to a callback.
//
// A batch is submitted automatically when BulkSize operations have
// accumulated, and submissions run in background goroutines with at most
// MaxRequests in flight. Item-level failures never abort the session: the
// default callback records them (and, for conflicting updates, re-drives
// them through the update coordinator when RetryConflictingUpdates is set).
// Only a wholesale failure of a submission call is surfaced, from Close.
//
// The accumulation buffer is not safe for concurrent mutation: a single
// logical writer, or externally synchronized writers, must drive the
// session.
type Session struct {
	store    Store
	config   Config
	updater  *Updater
	callback ItemCallback
	metrics  metrics

	mu     sync.Mutex
	ops    []BulkOperation
	closed chan struct{}

	errgroup              errgroup.Group
	errgroupContext       context.Context
	cancelErrgroupContext context.CancelCauseFunc

	added   atomic.Int64
	indexed atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64

	// tracer is an OTel tracer, and should not be confused with
	// `config.Tracer` which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// SessionStats is a point-in-time snapshot of a session's counters.
type SessionStats struct {
	// Added is the number of operations enqueued.
	Added int64
	// Indexed is the number of operations that succeeded in a batch.
	Indexed int64
	// Failed is the number of operations that failed, including conflicting
	// updates whose retries were exhausted.
	Failed int64
	// Retried is the number of conflicting updates that succeeded after
	// being re-driven through the update coordinator.
	Retried int64
}

// NewSession opens a bulk write session against the store.
func NewSession(store Store, cfg Config) (*Session, error) {
	cfg = DefaultConfig(cfg)
	if store == nil {
		return nil, errors.New("store is nil")
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	updater, err := NewUpdater(store, cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{
		store:   store,
		config:  cfg,
		updater: updater,
		metrics: ms,
		ops:     make([]BulkOperation, 0, cfg.BulkSize),
		closed:  make(chan struct{}),
	}
	// A cancellable context for background submissions, so Close can unblock
	// in-flight requests when its own context expires.
	s.errgroupContext, s.cancelErrgroupContext = context.WithCancelCause(
		context.Background(),
	)
	s.errgroup.SetLimit(cfg.MaxRequests)
	s.callback = cfg.OnItem
	if s.callback == nil {
		s.callback = s.defaultCallback
	}
	if cfg.TracerProvider != nil {
		s.tracer = cfg.TracerProvider.Tracer("github.com/7u4/kt-search.session")
	}
	return s, nil
}

// Create enqueues a create of the document: the batched write fails if the
// id already exists.
func (s *Session) Create(ctx context.Context, id string, doc []byte) error {
	return s.add(ctx, BulkOperation{Action: ActionCreate, ID: id, Doc: doc})
}

// Index enqueues an unconditional create-or-replace of the document.
func (s *Session) Index(ctx context.Context, id string, doc []byte) error {
	return s.add(ctx, BulkOperation{Action: ActionIndex, ID: id, Doc: doc})
}

// Delete enqueues a delete of the document.
func (s *Session) Delete(ctx context.Context, id string) error {
	return s.add(ctx, BulkOperation{Action: ActionDelete, ID: id})
}

// Update reads the document with its version, applies fn, and enqueues a
// write conditional on that version. If the batched write later reports a
// version conflict, the default callback re-drives fn through the update
// coordinator when RetryConflictingUpdates is configured.
//
// The read happens synchronously: a missing document fails here with
// ErrNotFound rather than through the callback.
func (s *Session) Update(ctx context.Context, id string, fn UpdateFunc) error {
	if fn == nil {
		return errors.New("update function is nil")
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	doc, version, err := s.store.ReadWithVersion(ctx, id)
	if err != nil {
		return err
	}
	next, err := fn(doc)
	if err != nil {
		return fmt.Errorf("update transform for %q: %w", id, err)
	}
	return s.add(ctx, BulkOperation{
		Action:  ActionUpdate,
		ID:      id,
		Doc:     next,
		Version: &version,
		update:  fn,
	})
}

func (s *Session) add(ctx context.Context, op BulkOperation) error {
	if op.ID == "" {
		return errMissingID
	}
	if op.Doc == nil && op.Action != ActionDelete {
		return errMissingBody
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ops = append(s.ops, op)
	s.added.Add(1)
	s.metrics.docsAdded.Add(context.Background(), 1, metric.WithAttributeSet(s.config.MetricAttributes))
	if len(s.ops) >= s.config.BulkSize {
		s.flushLocked()
	}
	return nil
}

// flushLocked hands the accumulated batch off to a background submission.
// The caller must hold mu. errgroup.Go blocks while MaxRequests submissions
// are in flight, providing backpressure to the session's writer; the next
// batch is not accumulated until the current one has been enqueued.
func (s *Session) flushLocked() {
	batch := s.ops
	s.ops = make([]BulkOperation, 0, s.config.BulkSize)
	s.errgroup.Go(func() error {
		return s.submit(s.errgroupContext, batch)
	})
}

// Flush submits any accumulated operations synchronously.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return ErrClosed
	default:
	}
	batch := s.ops
	s.ops = make([]BulkOperation, 0, s.config.BulkSize)
	s.mu.Unlock()
	return s.submit(ctx, batch)
}

// Close closes the session, first flushing any partial batch and waiting
// for in-flight submissions to complete. All operations on a closed session
// fail with ErrClosed.
//
// Close returns an error if any submission during the session's lifetime
// failed wholesale. If ctx is cancelled, Close returns and any in-flight
// submissions are cancelled.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return s.errgroup.Wait()
	default:
	}
	close(s.closed)

	// Cancel in-flight submissions when ctx is cancelled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer s.cancelErrgroupContext(errors.New("cancelled by session close"))
		<-ctx.Done()
	}()

	var errs []error
	if len(s.ops) > 0 {
		batch := s.ops
		s.ops = nil
		if err := s.submit(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.errgroup.Wait(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) != 0 {
		return fmt.Errorf("failed to flush operations on close: %w", errors.Join(errs...))
	}
	return nil
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Added:   s.added.Load(),
		Indexed: s.indexed.Load(),
		Failed:  s.failed.Load(),
		Retried: s.retried.Load(),
	}
}

func (s *Session) submit(ctx context.Context, batch []BulkOperation) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	defer s.metrics.bulkRequests.Add(context.Background(), 1, attrs)

	logger := s.config.Logger
	if s.config.Tracer != nil {
		tx := s.config.Tracer.StartTransaction("ktsearch.flush", "output")
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "ktsearch.flush", trace.WithAttributes(
			attribute.Int("documents", len(batch)),
		))
		defer span.End()

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	before := time.Now()
	results, err := s.store.SubmitBatch(ctx, batch)
	s.metrics.flushDuration.Record(context.Background(), time.Since(before).Seconds(), attrs)
	if err != nil {
		s.failed.Add(int64(len(batch)))
		logger.Error("bulk request failed", zap.Error(err))
		if s.tracer != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk request failed")
		}
		return err
	}
	for i, res := range results {
		s.callback(batch[i], res)
	}
	logger.Debug("bulk request completed",
		zap.Int("documents", len(batch)),
	)
	if s.tracer != nil && span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

// defaultCallback implements the session's per-item policy: count successes,
// re-drive conflicting updates through the coordinator, and report any other
// failure without aborting the rest of the batch.
func (s *Session) defaultCallback(op BulkOperation, res ItemResult) {
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	if res.OK() {
		s.indexed.Add(1)
		s.metrics.docsIndexed.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("status", "Success")),
		)
		return
	}
	if res.Conflict() && op.update != nil && s.config.RetryConflictingUpdates > 0 {
		// The retry is an independent document-level update, outside the
		// originating bulk request.
		err := s.updater.Update(s.errgroupContext, op.ID, s.config.RetryConflictingUpdates, op.update)
		if err == nil {
			s.retried.Add(1)
			s.metrics.docsIndexed.Add(context.Background(), 1, attrs,
				metric.WithAttributes(attribute.String("status", "Retried")),
			)
			return
		}
		s.config.Logger.Error("retry of conflicting update failed",
			zap.String("id", op.ID),
			zap.Error(err),
		)
	}
	s.failed.Add(1)
	s.metrics.docsIndexed.Add(context.Background(), 1, attrs,
		metric.WithAttributes(attribute.String("status", "Failed")),
	)
	s.config.Logger.Error(fmt.Sprintf("failed to apply bulk %s (%s): %s",
		op.Action, res.Error.Type, res.Error.Reason,
	), zap.String("id", op.ID), zap.Int("status", res.Status))
}
