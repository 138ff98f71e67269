/*
 * Copyright (c) 2025, the asset-manager maintainers.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storage

import (
	"context"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/models"
)

//go:embed asset-manager-pg.sql
var pgSchemaSQL string

// PostgresStore implements Store, TxStore and ConnectionStore on PostgreSQL
// through the pgx stdlib driver. SQL lives in sqlOps, shared with SQLite.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	ops    sqlOps
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)

	if _, err := db.Exec(pgSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("PostgreSQL asset store initialized")
	return &PostgresStore{db: db, logger: logger, ops: sqlOps{ext: db, dialect: dialectPostgres}}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Asset, error) {
	return s.ops.get(ctx, id)
}

func (s *PostgresStore) Query(ctx context.Context, query models.AssetQuery) ([]*models.Asset, error) {
	return s.ops.query(ctx, query)
}

func (s *PostgresStore) Create(ctx context.Context, asset *models.Asset) error {
	return s.ops.create(ctx, asset)
}

func (s *PostgresStore) Update(ctx context.Context, asset *models.Asset) error {
	return s.ops.update(ctx, asset)
}

func (s *PostgresStore) Delete(ctx context.Context, ids ...string) error {
	return s.ops.delete(ctx, ids...)
}

func (s *PostgresStore) Descendants(ctx context.Context, id string) ([]*models.Asset, error) {
	return s.ops.descendants(ctx, id)
}

// WithTx applies a batch of mutations in one transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &txView{ops: sqlOps{ext: tx, dialect: dialectPostgres}}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) SaveConnection(ctx context.Context, conn *models.GatewayConnection) error {
	return s.ops.saveConnection(ctx, conn)
}

func (s *PostgresStore) GetConnection(ctx context.Context, realm string) (*models.GatewayConnection, error) {
	return s.ops.getConnection(ctx, realm)
}

func (s *PostgresStore) ListConnections(ctx context.Context) ([]*models.GatewayConnection, error) {
	return s.ops.listConnections(ctx)
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	return s.ops.deleteConnection(ctx, id)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error { return s.db.Close() }
