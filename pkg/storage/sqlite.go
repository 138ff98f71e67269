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
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/assetmesh/asset-manager/pkg/models"
)

//go:embed asset-manager-db.sql
var schemaSQL string

// assetRow is the database shape of an asset
type assetRow struct {
	ID         string         `db:"id"`
	Version    int64          `db:"version"`
	Name       string         `db:"name"`
	Type       string         `db:"type"`
	ParentID   sql.NullString `db:"parent_id"`
	Realm      string         `db:"realm"`
	CreatedAt  int64          `db:"created_at"`
	Attributes string         `db:"attributes"`
}

// SQLiteStore implements Store, TxStore and ConnectionStore on SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	ops    sqlOps
}

// NewSQLiteStore opens (and if needed initialises) the SQLite database at
// dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	// WAL and busy timeout prevent "database is locked" under the single
	// writer plus concurrent reader pattern
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", dbPath)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db, logger: logger, ops: sqlOps{ext: db, dialect: dialectSQLite}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite asset store initialized",
		zap.String("database_path", dbPath),
		zap.String("journal_mode", "WAL"))
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}
	if version == 0 {
		s.logger.Info("Initializing database schema (version 1)")
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}
	s.logger.Info("Database schema already exists", zap.Int("version", version))
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Asset, error) {
	return s.ops.get(ctx, id)
}

func (s *SQLiteStore) Query(ctx context.Context, query models.AssetQuery) ([]*models.Asset, error) {
	return s.ops.query(ctx, query)
}

func (s *SQLiteStore) Create(ctx context.Context, asset *models.Asset) error {
	return s.ops.create(ctx, asset)
}

func (s *SQLiteStore) Update(ctx context.Context, asset *models.Asset) error {
	return s.ops.update(ctx, asset)
}

func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) error {
	return s.ops.delete(ctx, ids...)
}

func (s *SQLiteStore) Descendants(ctx context.Context, id string) ([]*models.Asset, error) {
	return s.ops.descendants(ctx, id)
}

// WithTx applies a batch of mutations in one transaction
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &txView{ops: sqlOps{ext: tx, dialect: dialectSQLite}}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveConnection(ctx context.Context, conn *models.GatewayConnection) error {
	return s.ops.saveConnection(ctx, conn)
}

func (s *SQLiteStore) GetConnection(ctx context.Context, realm string) (*models.GatewayConnection, error) {
	return s.ops.getConnection(ctx, realm)
}

func (s *SQLiteStore) ListConnections(ctx context.Context) ([]*models.GatewayConnection, error) {
	return s.ops.listConnections(ctx)
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	return s.ops.deleteConnection(ctx, id)
}

// Close closes the database
func (s *SQLiteStore) Close() error { return s.db.Close() }

// txView exposes the Store interface over an open transaction
type txView struct {
	ops sqlOps
}

func (t *txView) Get(ctx context.Context, id string) (*models.Asset, error) {
	return t.ops.get(ctx, id)
}
func (t *txView) Query(ctx context.Context, query models.AssetQuery) ([]*models.Asset, error) {
	return t.ops.query(ctx, query)
}
func (t *txView) Create(ctx context.Context, asset *models.Asset) error {
	return t.ops.create(ctx, asset)
}
func (t *txView) Update(ctx context.Context, asset *models.Asset) error {
	return t.ops.update(ctx, asset)
}
func (t *txView) Delete(ctx context.Context, ids ...string) error {
	return t.ops.delete(ctx, ids...)
}
func (t *txView) Descendants(ctx context.Context, id string) ([]*models.Asset, error) {
	return t.ops.descendants(ctx, id)
}
func (t *txView) Close() error { return nil }

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

// sqlOps holds the dialect-portable SQL implementation shared by the
// SQLite and Postgres stores, over either a DB or a transaction.
type sqlOps struct {
	ext     sqlx.ExtContext
	dialect sqlDialect
}

func (o sqlOps) rebind(query string) string {
	if o.dialect == dialectPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

func (o sqlOps) get(ctx context.Context, id string) (*models.Asset, error) {
	var row assetRow
	err := sqlx.GetContext(ctx, o.ext, &row,
		o.rebind(`SELECT id, version, name, type, parent_id, realm, created_at, attributes FROM assets WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset: %w", err)
	}
	asset, err := rowToAsset(&row)
	if err != nil {
		return nil, err
	}
	path, err := o.path(ctx, id)
	if err != nil {
		return nil, err
	}
	asset.Path = path
	return asset, nil
}

func (o sqlOps) create(ctx context.Context, asset *models.Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	if asset.Realm == "" {
		return fmt.Errorf("asset realm is required")
	}
	if asset.ParentID != "" {
		parent, err := o.get(ctx, asset.ParentID)
		if err != nil {
			if IsNotFoundError(err) {
				return fmt.Errorf("%w: %s (child %s)", ErrMissingParent, asset.ParentID, asset.ID)
			}
			return err
		}
		if parent.Realm != asset.Realm {
			return fmt.Errorf("parent %s is in realm %s, child %s in realm %s: assets never cross realms",
				parent.ID, parent.Realm, asset.ID, asset.Realm)
		}
	}

	version := asset.Version
	if version == 0 {
		version = 1
	}
	createdAt := asset.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	attrs, err := marshalAttributes(asset)
	if err != nil {
		return err
	}

	_, err = o.ext.ExecContext(ctx,
		o.rebind(`INSERT INTO assets (id, version, name, type, parent_id, realm, created_at, attributes) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		asset.ID, version, asset.Name, string(asset.Type), nullable(asset.ParentID), asset.Realm, createdAt, attrs)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConflict, asset.ID)
		}
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

func (o sqlOps) update(ctx context.Context, asset *models.Asset) error {
	if asset.ParentID != "" {
		if _, err := o.get(ctx, asset.ParentID); err != nil {
			if IsNotFoundError(err) {
				return fmt.Errorf("%w: %s (child %s)", ErrMissingParent, asset.ParentID, asset.ID)
			}
			return err
		}
	}
	attrs, err := marshalAttributes(asset)
	if err != nil {
		return err
	}

	// Realm is deliberately not in the SET list: it is immutable
	res, err := o.ext.ExecContext(ctx,
		o.rebind(`UPDATE assets SET version = ?, name = ?, type = ?, parent_id = ?, attributes = ? WHERE id = ? AND version < ?`),
		asset.Version, asset.Name, string(asset.Type), nullable(asset.ParentID), attrs, asset.ID, asset.Version)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		stored, getErr := o.get(ctx, asset.ID)
		if getErr != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, asset.ID)
		}
		return fmt.Errorf("%w: %s version %d <= stored %d",
			ErrVersionConflict, asset.ID, asset.Version, stored.Version)
	}
	return nil
}

func (o sqlOps) delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		_, err := o.ext.ExecContext(ctx, o.rebind(`DELETE FROM assets WHERE id = ?`), id)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: %s", ErrHasChildren, id)
			}
			return fmt.Errorf("failed to delete asset %s: %w", id, err)
		}
	}
	return nil
}

func (o sqlOps) query(ctx context.Context, query models.AssetQuery) ([]*models.Asset, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if query.Tenant != "" {
		clauses = append(clauses, "realm = ?")
		args = append(args, query.Tenant)
	}
	if len(query.IDs) > 0 {
		clauses = append(clauses, "id IN (?"+strings.Repeat(", ?", len(query.IDs)-1)+")")
		for _, id := range query.IDs {
			args = append(args, id)
		}
	}
	if len(query.Types) > 0 {
		clauses = append(clauses, "type IN (?"+strings.Repeat(", ?", len(query.Types)-1)+")")
		for _, t := range query.Types {
			args = append(args, string(t))
		}
	}
	if len(query.Parents) > 0 {
		if query.Recursive {
			placeholders := "?" + strings.Repeat(", ?", len(query.Parents)-1)
			clauses = append(clauses, `id IN (
				WITH RECURSIVE subtree(id) AS (
					SELECT id FROM assets WHERE parent_id IN (`+placeholders+`)
					UNION ALL
					SELECT a.id FROM assets a JOIN subtree s ON a.parent_id = s.id
				) SELECT id FROM subtree)`)
		} else {
			clauses = append(clauses, "parent_id IN (?"+strings.Repeat(", ?", len(query.Parents)-1)+")")
		}
		for _, p := range query.Parents {
			args = append(args, p)
		}
	}

	sqlQuery := `SELECT id, version, name, type, parent_id, realm, created_at, attributes FROM assets`
	if len(clauses) > 0 {
		sqlQuery += " WHERE " + strings.Join(clauses, " AND ")
	}
	sqlQuery += " ORDER BY id"

	var rows []assetRow
	if err := sqlx.SelectContext(ctx, o.ext, &rows, o.rebind(sqlQuery), args...); err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}

	result := make([]*models.Asset, 0, len(rows))
	for i := range rows {
		asset, err := rowToAsset(&rows[i])
		if err != nil {
			return nil, err
		}
		if !query.Select.ExcludePath {
			path, err := o.path(ctx, asset.ID)
			if err != nil {
				return nil, err
			}
			asset.Path = path
		}
		query.ApplySelect(asset)
		result = append(result, asset)
	}
	sortParentFirst(result)
	return result, nil
}

func (o sqlOps) descendants(ctx context.Context, id string) ([]*models.Asset, error) {
	if _, err := o.get(ctx, id); err != nil {
		return nil, err
	}
	return o.query(ctx, models.AssetQuery{
		Parents:   []string{id},
		Recursive: true,
		Select:    models.AssetQuerySelect{ExcludePath: true},
	})
}

func (o sqlOps) path(ctx context.Context, id string) ([]string, error) {
	var path []string
	cur := id
	for cur != "" {
		var row struct {
			ID       string         `db:"id"`
			ParentID sql.NullString `db:"parent_id"`
		}
		err := sqlx.GetContext(ctx, o.ext, &row,
			o.rebind(`SELECT id, parent_id FROM assets WHERE id = ?`), cur)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve asset path: %w", err)
		}
		path = append([]string{row.ID}, path...)
		cur = row.ParentID.String
	}
	return path, nil
}

func (o sqlOps) saveConnection(ctx context.Context, conn *models.GatewayConnection) error {
	var stmt string
	if o.dialect == dialectPostgres {
		stmt = `INSERT INTO gateway_connections (id, realm, host, port, client_id, client_secret, secure, disabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (realm) DO UPDATE SET id = EXCLUDED.id, host = EXCLUDED.host, port = EXCLUDED.port,
				client_id = EXCLUDED.client_id, client_secret = EXCLUDED.client_secret,
				secure = EXCLUDED.secure, disabled = EXCLUDED.disabled`
	} else {
		stmt = `INSERT INTO gateway_connections (id, realm, host, port, client_id, client_secret, secure, disabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(realm) DO UPDATE SET id = excluded.id, host = excluded.host, port = excluded.port,
				client_id = excluded.client_id, client_secret = excluded.client_secret,
				secure = excluded.secure, disabled = excluded.disabled`
	}
	_, err := o.ext.ExecContext(ctx, o.rebind(stmt),
		conn.ID, conn.Realm, conn.Host, conn.Port, conn.ClientID, conn.ClientSecret, conn.Secure, conn.Disabled)
	if err != nil {
		return fmt.Errorf("failed to save gateway connection: %w", err)
	}
	return nil
}

func (o sqlOps) getConnection(ctx context.Context, realm string) (*models.GatewayConnection, error) {
	var conn models.GatewayConnection
	err := sqlx.GetContext(ctx, o.ext, &conn,
		o.rebind(`SELECT id, realm, host, port, client_id, client_secret, secure, disabled FROM gateway_connections WHERE realm = ?`), realm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: connection for realm %s", ErrNotFound, realm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway connection: %w", err)
	}
	return &conn, nil
}

func (o sqlOps) listConnections(ctx context.Context) ([]*models.GatewayConnection, error) {
	var conns []*models.GatewayConnection
	err := sqlx.SelectContext(ctx, o.ext, &conns,
		`SELECT id, realm, host, port, client_id, client_secret, secure, disabled FROM gateway_connections ORDER BY realm`)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway connections: %w", err)
	}
	return conns, nil
}

func (o sqlOps) deleteConnection(ctx context.Context, id string) error {
	res, err := o.ext.ExecContext(ctx, o.rebind(`DELETE FROM gateway_connections WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete gateway connection: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return nil
}

func rowToAsset(row *assetRow) (*models.Asset, error) {
	asset := &models.Asset{
		ID:        row.ID,
		Version:   row.Version,
		Name:      row.Name,
		Type:      models.AssetType(row.Type),
		ParentID:  row.ParentID.String,
		Realm:     row.Realm,
		CreatedAt: row.CreatedAt,
	}
	if row.Attributes != "" && row.Attributes != "{}" {
		if err := json.Unmarshal([]byte(row.Attributes), &asset.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes of %s: %w", row.ID, err)
		}
	}
	return asset, nil
}

func marshalAttributes(asset *models.Asset) (string, error) {
	if len(asset.Attributes) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(asset.Attributes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attributes of %s: %w", asset.ID, err)
	}
	return string(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func isForeignKeyViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key")
}

// sortParentFirst orders assets so that any parent contained in the slice
// appears before its children. Stable by id within a depth level.
func sortParentFirst(assets []*models.Asset) {
	byID := make(map[string]*models.Asset, len(assets))
	for _, a := range assets {
		byID[a.ID] = a
	}
	depth := func(a *models.Asset) int {
		d := 0
		for cur := a; cur.ParentID != ""; {
			parent, ok := byID[cur.ParentID]
			if !ok {
				break
			}
			d++
			cur = parent
		}
		return d
	}
	sort.SliceStable(assets, func(i, j int) bool {
		di, dj := depth(assets[i]), depth(assets[j])
		if di != dj {
			return di < dj
		}
		return assets[i].ID < assets[j].ID
	})
}
