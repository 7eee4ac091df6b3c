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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHashCredential(t *testing.T) {
	testCases := []struct {
		name      string
		salt      string
		algorithm HashAlgorithm
		expectErr bool
	}{
		{name: "plain", algorithm: HashPlain},
		{name: "sha256", salt: "D1", algorithm: HashSHA256},
		{name: "bcrypt", algorithm: HashBcrypt},
		{name: "unsupported algorithm", algorithm: "md5", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hash, err := hashCredential("secret", tc.salt, tc.algorithm)
			if tc.expectErr {
				assert.Error(t, err)
				assert.Empty(t, hash)
				return
			}
			require.NoError(t, err)
			assert.True(t, verifyCredential("secret", hash, tc.salt, tc.algorithm))
			assert.False(t, verifyCredential("wrong", hash, tc.salt, tc.algorithm))
		})
	}
}

func TestVerifyCredential_SHA256Salt(t *testing.T) {
	// sha256("D1secret")
	hash, err := hashCredential("secret", "D1", HashSHA256)
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.False(t, verifyCredential("secret", hash, "D2", HashSHA256))
	assert.False(t, verifyCredential("secret", hash, "D1", "md5"))
}

type stubAuth struct {
	name    string
	result  AuthResult
	enabled bool
	calls   int
}

func (s *stubAuth) Authenticate(context.Context, string, string) AuthResult {
	s.calls++
	return s.result
}
func (s *stubAuth) Name() string  { return s.name }
func (s *stubAuth) Enabled() bool { return s.enabled }

func TestAuthChain(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		results []AuthResult
		want    AuthResult
	}{
		{"empty chain denies", nil, AuthFailure},
		{"first success wins", []AuthResult{AuthSuccess, AuthFailure}, AuthSuccess},
		{"failure is final", []AuthResult{AuthFailure, AuthSuccess}, AuthFailure},
		{"disabled is final", []AuthResult{AuthIgnore, AuthDisabled, AuthSuccess}, AuthDisabled},
		{"ignore falls through", []AuthResult{AuthIgnore, AuthSuccess}, AuthSuccess},
		{"error falls through", []AuthResult{AuthError, AuthSuccess}, AuthSuccess},
		{"all ignore denies", []AuthResult{AuthIgnore, AuthIgnore}, AuthFailure},
		{"undecided with error", []AuthResult{AuthIgnore, AuthError}, AuthError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewAuthChain(zaptest.NewLogger(t))
			for i, r := range tt.results {
				chain.AddAuthenticator(&stubAuth{name: string(rune('a' + i)), result: r, enabled: true})
			}
			assert.Equal(t, tt.want, chain.Authenticate(ctx, "D1", "secret"))
		})
	}
}

func TestAuthChain_AllowAll(t *testing.T) {
	chain := NewAuthChain(zaptest.NewLogger(t))
	assert.Equal(t, AuthFailure, chain.Authenticate(context.Background(), "anyone", "anything"))

	chain.AddAuthenticator(AllowAll{})
	assert.Equal(t, AuthSuccess, chain.Authenticate(context.Background(), "anyone", "anything"))
	assert.Equal(t, "allow_all", AllowAll{}.Name())
}

func TestAuthChain_SkipsDisabledAuthenticators(t *testing.T) {
	chain := NewAuthChain(nil)
	off := &stubAuth{name: "off", result: AuthFailure, enabled: false}
	on := &stubAuth{name: "on", result: AuthSuccess, enabled: true}
	chain.AddAuthenticator(off)
	chain.AddAuthenticator(on)

	assert.Equal(t, AuthSuccess, chain.Authenticate(context.Background(), "D1", "x"))
	assert.Equal(t, 0, off.calls)
	assert.Equal(t, 1, on.calls)
	assert.Equal(t, 2, chain.Count())
}

func TestAuthResultString(t *testing.T) {
	assert.Equal(t, "success", AuthSuccess.String())
	assert.Equal(t, "disabled", AuthDisabled.String())
	assert.Equal(t, "unknown", AuthResult(42).String())
}

func TestMemoryAuthenticator(t *testing.T) {
	ctx := context.Background()
	ma := NewMemoryAuthenticator(zaptest.NewLogger(t))
	assert.Equal(t, "memory", ma.Name())
	assert.True(t, ma.Enabled())

	require.NoError(t, ma.AddDevice("D1", "secret", HashBcrypt))
	require.NoError(t, ma.AddDevice("D2", "secret", HashSHA256))
	require.NoError(t, ma.AddDevice("D3", "secret", HashPlain))
	assert.Error(t, ma.AddDevice("", "secret", HashPlain))
	assert.Error(t, ma.AddDevice("D4", "secret", "md5"))
	assert.Equal(t, 3, ma.Count())

	for _, key := range []string{"D1", "D2", "D3"} {
		assert.Equal(t, AuthSuccess, ma.Authenticate(ctx, key, "secret"), key)
		assert.Equal(t, AuthFailure, ma.Authenticate(ctx, key, "wrong"), key)
	}
	assert.Equal(t, AuthIgnore, ma.Authenticate(ctx, "unknown", "secret"))
	assert.Equal(t, AuthIgnore, ma.Authenticate(ctx, "", "secret"))

	require.NoError(t, ma.SetDeviceEnabled("D1", false))
	assert.Equal(t, AuthDisabled, ma.Authenticate(ctx, "D1", "secret"))
	assert.Error(t, ma.SetDeviceEnabled("missing", false))

	require.NoError(t, ma.RemoveDevice("D2"))
	assert.Error(t, ma.RemoveDevice("D2"))
	assert.Equal(t, AuthIgnore, ma.Authenticate(ctx, "D2", "secret"))

	ma.SetEnabled(false)
	assert.Equal(t, AuthIgnore, ma.Authenticate(ctx, "D3", "secret"))
}

func TestMemoryAuthenticator_AddHashedDevice(t *testing.T) {
	ma := NewMemoryAuthenticator(nil)
	hash, err := hashCredential("secret", "", HashBcrypt)
	require.NoError(t, err)

	require.NoError(t, ma.AddHashedDevice(Device{DeviceKey: "D1", CredentialHash: hash, Algorithm: HashBcrypt, Enabled: true}))
	assert.Equal(t, AuthSuccess, ma.Authenticate(context.Background(), "D1", "secret"))

	assert.Error(t, ma.AddHashedDevice(Device{DeviceKey: "D2", Algorithm: "md5"}))
	assert.Error(t, ma.AddHashedDevice(Device{Algorithm: HashPlain}))
}
