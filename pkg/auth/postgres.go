// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig configures the device credential lookup.
type PostgresConfig struct {
	DSN          string        `json:"dsn" yaml:"dsn"`
	Table        string        `json:"table" yaml:"table"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
}

// DefaultCredentialTable is the table queried when none is configured.
const DefaultCredentialTable = "device_credentials"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type credentialRow struct {
	DeviceKey      string         `db:"device_key"`
	CredentialHash string         `db:"credential_hash"`
	Algorithm      string         `db:"algorithm"`
	Salt           sql.NullString `db:"salt"`
	Enabled        bool           `db:"enabled"`
}

// PostgresAuthenticator looks device credentials up in PostgreSQL.
type PostgresAuthenticator struct {
	db      *sqlx.DB
	query   string
	timeout time.Duration
	logger  *zap.Logger
}

// OpenPostgres connects to the database named by cfg.DSN.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

// NewPostgresAuthenticator creates an authenticator querying cfg.Table on db.
func NewPostgresAuthenticator(db *sqlx.DB, cfg PostgresConfig, logger *zap.Logger) (*PostgresAuthenticator, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultCredentialTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid credential table name: %q", table)
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		db:      db,
		query:   credentialQuery(table),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func credentialQuery(table string) string {
	return fmt.Sprintf("SELECT device_key, credential_hash, algorithm, salt, enabled FROM %s WHERE device_key = $1", table)
}

// Name returns the name of this authenticator
func (pa *PostgresAuthenticator) Name() string {
	return "postgres"
}

// Enabled returns whether this authenticator is enabled
func (pa *PostgresAuthenticator) Enabled() bool {
	return pa.db != nil
}

// Authenticate verifies credential against the stored hash.
func (pa *PostgresAuthenticator) Authenticate(ctx context.Context, deviceKey, credential string) AuthResult {
	if deviceKey == "" {
		return AuthIgnore
	}
	ctx, cancel := context.WithTimeout(ctx, pa.timeout)
	defer cancel()

	var row credentialRow
	err := pa.db.GetContext(ctx, &row, pa.query, deviceKey)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthIgnore
	}
	if err != nil {
		pa.logger.Error("credential lookup failed", zap.String("device_key", deviceKey), zap.Error(err))
		return AuthError
	}
	if !row.Enabled {
		return AuthDisabled
	}
	if verifyCredential(credential, row.CredentialHash, row.Salt.String, HashAlgorithm(row.Algorithm)) {
		return AuthSuccess
	}
	return AuthFailure
}

// Close closes the underlying database handle.
func (pa *PostgresAuthenticator) Close() error {
	return pa.db.Close()
}
