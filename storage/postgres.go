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

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresParams postgres store connection parameters
type PostgresParams struct {
	// URL postgres connection string
	URL string `validate:"required"`
	// MaxConns max pooled connections
	MaxConns int32 `validate:"gte=1"`
	// Table readings table name
	Table string `validate:"required"`
}

// PostgresStore Store backed by a postgres (or TimescaleDB) table.
//
// Each Append is a single auto-committed INSERT, so it is durable once it returns.
type PostgresStore struct {
	common.Component
	pool  *pgxpool.Pool
	table string
	index string

	insertSQL       string
	rangeSQL        string
	latestBeforeSQL string
	latestNSQL      string
}

// NewPostgresStore connect to postgres and define a new PostgresStore
func NewPostgresStore(ctx context.Context, params PostgresParams) (*PostgresStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "postgres-store", "instance": params.Table,
	}
	poolCfg, err := pgxpool.ParseConfig(params.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid postgres connection string")
		return nil, err
	}
	if params.MaxConns > 0 {
		poolCfg.MaxConns = params.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define postgres pool")
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Postgres not reachable")
		pool.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to postgres")

	table := pgx.Identifier{params.Table}.Sanitize()
	return &PostgresStore{
		Component: common.Component{LogTags: logTags},
		pool:      pool,
		table:     table,
		index:     pgx.Identifier{params.Table + "_observed_at_idx"}.Sanitize(),
		insertSQL: fmt.Sprintf(
			`INSERT INTO %s (observed_at, voltage, current_ma, power_w, energy_wh)
VALUES ($1, $2, $3, $4, $5)`, table,
		),
		rangeSQL: fmt.Sprintf(
			`SELECT observed_at, voltage, current_ma, power_w, energy_wh FROM %s
WHERE observed_at >= $1 AND observed_at <= $2
ORDER BY observed_at ASC, seq ASC`, table,
		),
		latestBeforeSQL: fmt.Sprintf(
			`SELECT observed_at, voltage, current_ma, power_w, energy_wh FROM %s
WHERE observed_at < $1
ORDER BY observed_at DESC, seq DESC
LIMIT 1`, table,
		),
		latestNSQL: fmt.Sprintf(
			`SELECT observed_at, voltage, current_ma, power_w, energy_wh FROM %s
ORDER BY observed_at DESC, seq DESC
LIMIT $1`, table,
		),
	}, nil
}

// EnsureSchema create the readings table and its time index if missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq         BIGSERIAL PRIMARY KEY,
	observed_at TIMESTAMPTZ NOT NULL,
	voltage     DOUBLE PRECISION NOT NULL,
	current_ma  DOUBLE PRECISION NOT NULL,
	power_w     DOUBLE PRECISION NOT NULL,
	energy_wh   DOUBLE PRECISION NOT NULL
)`, s.table),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (observed_at, seq)`, s.index, s.table,
		),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Schema setup failed")
			return fmt.Errorf("schema setup: %w", err)
		}
	}
	log.WithFields(s.LogTags).Info("Readings schema in place")
	return nil
}

// Append writes one Reading
func (s *PostgresStore) Append(ctx context.Context, reading telemetry.Reading) error {
	_, err := s.pool.Exec(
		ctx,
		s.insertSQL,
		reading.ObservedAt,
		reading.Voltage,
		reading.CurrentMA,
		reading.PowerW,
		reading.EnergyWH,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// QueryRange all Readings with from <= ObservedAt <= to, ascending
func (s *PostgresStore) QueryRange(
	ctx context.Context, from, to time.Time,
) ([]telemetry.Reading, error) {
	if from.After(to) {
		return make([]telemetry.Reading, 0), nil
	}
	rows, err := s.pool.Query(ctx, s.rangeSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	return collectReadings(rows)
}

// LatestBefore the newest Reading with ObservedAt < ts, nil if none
func (s *PostgresStore) LatestBefore(
	ctx context.Context, ts time.Time,
) (*telemetry.Reading, error) {
	rows, err := s.pool.Query(ctx, s.latestBeforeSQL, ts)
	if err != nil {
		return nil, fmt.Errorf("latest before query: %w", err)
	}
	readings, err := collectReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

// LatestN the newest n Readings, newest first
func (s *PostgresStore) LatestN(ctx context.Context, n int) ([]telemetry.Reading, error) {
	if n <= 0 {
		return make([]telemetry.Reading, 0), nil
	}
	rows, err := s.pool.Query(ctx, s.latestNSQL, n)
	if err != nil {
		return nil, fmt.Errorf("latest n query: %w", err)
	}
	return collectReadings(rows)
}

// Ping checks postgres is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close release the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
	log.WithFields(s.LogTags).Info("Closed postgres pool")
}

// collectReadings scan every row, then release the rows
func collectReadings(rows pgx.Rows) ([]telemetry.Reading, error) {
	defer rows.Close()
	result := make([]telemetry.Reading, 0)
	for rows.Next() {
		var r telemetry.Reading
		if err := rows.Scan(
			&r.ObservedAt, &r.Voltage, &r.CurrentMA, &r.PowerW, &r.EnergyWH,
		); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.ObservedAt = r.ObservedAt.UTC()
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return result, nil
}
