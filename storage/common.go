// Copyright 2022 The energymon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists Readings in an append-only log ordered by observation time.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/energymon/telemetry"
)

// Store append-only persistence of Readings with time windowed retrieval.
//
// Readings are ordered by ObservedAt, ties broken by insertion order. Nothing is ever
// updated, deleted, or de-duplicated.
type Store interface {
	// Append writes one Reading
	Append(ctx context.Context, reading telemetry.Reading) error
	// QueryRange all Readings with from <= ObservedAt <= to, ascending
	QueryRange(ctx context.Context, from, to time.Time) ([]telemetry.Reading, error)
	// LatestBefore the newest Reading with ObservedAt < ts, nil if none
	LatestBefore(ctx context.Context, ts time.Time) (*telemetry.Reading, error)
	// LatestN the newest n Readings, newest first
	LatestN(ctx context.Context, n int) ([]telemetry.Reading, error)
	// Ping checks the backing storage is reachable
	Ping(ctx context.Context) error
	// Close release the storage resources
	Close()
}

// StoreWriteError an Append which did not persist the Reading
type StoreWriteError struct {
	Reading telemetry.Reading
	Cause   error
}

// Error implements error
func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("failed to persist %s: %s", e.Reading, e.Cause)
}

// Unwrap exposes the cause
func (e *StoreWriteError) Unwrap() error {
	return e.Cause
}
