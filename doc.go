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

// Package ktsearch is a document-repository convenience layer on top of the
// Elasticsearch Go client: a versioned document store with conditional
// writes, an optimistic update coordinator that retries read-modify-write
// cycles on version conflicts, and a bulk write session that groups
// operations into fixed-size _bulk requests.
//
// This package intentionally exposes a simpler and more restrictive API than
// go-elasticsearch/esutil. It is aimed at document CRUD workloads where
// correctness under concurrent writers matters, and relies on Elasticsearch
// seq_no/primary_term conditional writes as the sole concurrency-control
// mechanism; no additional locking is performed.
package ktsearch
