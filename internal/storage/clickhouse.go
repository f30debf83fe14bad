// Package storage persists published estimates to ClickHouse. It
// implements engine.Recorder; the engine itself never owns history.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/batteryfleet/rul-engine/engine"
	"github.com/batteryfleet/rul-engine/rulconfig"
)

// ClickHouseRecorder writes one row per published estimate.
type ClickHouseRecorder struct {
	conn  driver.Conn
	table string
	log   *logrus.Logger
}

// NewClickHouse connects, pings and creates the estimates table if needed.
func NewClickHouse(cfg rulconfig.Storage, log *logrus.Logger) (*ClickHouseRecorder, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	r := &ClickHouseRecorder{conn: conn, table: cfg.Table, log: log}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.WithField("addr", cfg.Addr).Info("Connected to ClickHouse.")
	return r, nil
}

func (r *ClickHouseRecorder) initSchema() error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			created_at        DateTime64(3),
			cell_id           String,
			physics_days      Float64,
			learned_days      Nullable(Float64),
			fused_days        Float64,
			physics_weight    Float64,
			confidence        String,
			conflict          UInt8,
			soc               Float64,
			capacity_fraction Float64,
			cycles            UInt32,
			at_end_of_life    UInt8,
			factors           String
		)
		ENGINE = MergeTree()
		ORDER BY (cell_id, created_at)
	`, r.table)
	return r.conn.Exec(context.Background(), ddl)
}

// Record inserts the estimate. Factors are stored as a JSON blob since
// their cardinality varies per estimate.
func (r *ClickHouseRecorder) Record(ctx context.Context, est *engine.RULEstimate) error {
	factors, err := json.Marshal(est.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	conflict := uint8(0)
	if est.Conflict {
		conflict = 1
	}
	eol := uint8(0)
	if est.AtEndOfLife {
		eol = 1
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (created_at, cell_id, physics_days, learned_days, fused_days,
			physics_weight, confidence, conflict, soc, capacity_fraction, cycles,
			at_end_of_life, factors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.table)

	err = r.conn.Exec(ctx, query,
		est.CreatedAt,
		est.CellID,
		est.PhysicsDays,
		est.LearnedDays,
		est.FusedDays,
		est.PhysicsWeight,
		est.Confidence,
		conflict,
		est.SOC,
		est.CapacityFraction,
		uint32(est.Cycles),
		eol,
		string(factors),
	)
	if err != nil {
		return fmt.Errorf("failed to insert estimate: %w", err)
	}
	return nil
}

// Close releases the connection.
func (r *ClickHouseRecorder) Close() error {
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	return nil
}
