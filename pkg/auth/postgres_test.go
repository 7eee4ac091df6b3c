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
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var credentialColumns = []string{"device_key", "credential_hash", "algorithm", "salt", "enabled"}

func newMockPostgres(t *testing.T) (*PostgresAuthenticator, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	pa, err := NewPostgresAuthenticator(sqlx.NewDb(db, "postgres"), PostgresConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { pa.Close() })
	return pa, mock
}

func expectLookup(mock sqlmock.Sqlmock, deviceKey string) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(regexp.QuoteMeta(credentialQuery(DefaultCredentialTable))).WithArgs(deviceKey)
}

func TestPostgresAuthenticator(t *testing.T) {
	ctx := context.Background()
	hash, err := hashCredential("secret", "", HashBcrypt)
	require.NoError(t, err)
	shaHash, err := hashCredential("secret", "pepper", HashSHA256)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		rows       *sqlmock.Rows
		queryErr   error
		want       AuthResult
	}{
		{
			name:       "bcrypt accepted",
			credential: "secret",
			rows:       sqlmock.NewRows(credentialColumns).AddRow("D1", hash, "bcrypt", nil, true),
			want:       AuthSuccess,
		},
		{
			name:       "bcrypt rejected",
			credential: "wrong",
			rows:       sqlmock.NewRows(credentialColumns).AddRow("D1", hash, "bcrypt", nil, true),
			want:       AuthFailure,
		},
		{
			name:       "salted sha256",
			credential: "secret",
			rows:       sqlmock.NewRows(credentialColumns).AddRow("D1", shaHash, "sha256", "pepper", true),
			want:       AuthSuccess,
		},
		{
			name:       "disabled device",
			credential: "secret",
			rows:       sqlmock.NewRows(credentialColumns).AddRow("D1", hash, "bcrypt", nil, false),
			want:       AuthDisabled,
		},
		{
			name:       "unknown device",
			credential: "secret",
			rows:       sqlmock.NewRows(credentialColumns),
			want:       AuthIgnore,
		},
		{
			name:       "database down",
			credential: "secret",
			queryErr:   errors.New("connection refused"),
			want:       AuthError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pa, mock := newMockPostgres(t)
			q := expectLookup(mock, "D1")
			if tt.queryErr != nil {
				q.WillReturnError(tt.queryErr)
			} else {
				q.WillReturnRows(tt.rows)
			}

			assert.Equal(t, tt.want, pa.Authenticate(ctx, "D1", tt.credential))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresAuthenticator_EmptyKey(t *testing.T) {
	pa, mock := newMockPostgres(t)
	assert.Equal(t, AuthIgnore, pa.Authenticate(context.Background(), "", "secret"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresAuthenticator_TableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPostgresAuthenticator(sqlx.NewDb(db, "postgres"), PostgresConfig{Table: "iot.credentials"}, nil)
	assert.NoError(t, err)
	_, err = NewPostgresAuthenticator(sqlx.NewDb(db, "postgres"), PostgresConfig{Table: "x; DROP TABLE y"}, nil)
	assert.Error(t, err)
}
