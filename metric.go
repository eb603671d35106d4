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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	flushDuration   metric.Float64Histogram
	bulkRequests    metric.Int64Counter
	docsAdded       metric.Int64Counter
	docsIndexed     metric.Int64Counter
	updateConflicts metric.Int64Counter
	updateRetries   metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/7u4/kt-search")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "ktsearch.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
	}
	for _, m := range histograms {
		err := newFloat64Histogram(meter, m)
		if err != nil {
			return ms, err
		}
	}
	counters := []counterMetric{
		{
			name:        "ktsearch.bulk_requests.count",
			description: "The number of _bulk requests issued.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "ktsearch.docs.added.count",
			description: "The number of operations enqueued in bulk sessions.",
			p:           &ms.docsAdded,
		},
		{
			name:        "ktsearch.docs.indexed.count",
			description: "The number of document operations flushed, by status.",
			p:           &ms.docsIndexed,
		},
		{
			name:        "ktsearch.update.conflicts.count",
			description: "The number of version conflicts hit by conditional writes.",
			p:           &ms.updateConflicts,
		},
		{
			name:        "ktsearch.update.retries.count",
			description: "The number of optimistic update retries performed.",
			p:           &ms.updateRetries,
		},
	}
	for _, m := range counters {
		err := newInt64Counter(meter, m)
		if err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	counter, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(c.unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf("failed creating %s metric: %w", c.name, err)
	}
	*c.p = counter
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	histogram, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf("failed creating %s metric: %w", h.name, err)
	}
	*h.p = histogram
	return nil
}
