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

// Package auth verifies device credentials presented at connect time.
// Authenticators are composed into an AuthChain that is consulted once per
// CONNECT. Credentials may be stored as plain text, SHA256 or bcrypt hashes.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the credential hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text credentials (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents salted SHA256 hashes
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashes (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// Device is a credential entry for one device.
type Device struct {
	DeviceKey      string        `json:"device_key" yaml:"device_key"`
	CredentialHash string        `json:"credential_hash" yaml:"credential_hash"`
	Algorithm      HashAlgorithm `json:"algorithm" yaml:"algorithm"`
	Salt           string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
}

// AuthResult represents the result of an authentication attempt
type AuthResult int

const (
	// AuthSuccess indicates the credential was accepted
	AuthSuccess AuthResult = iota
	// AuthFailure indicates the credential was rejected
	AuthFailure
	// AuthDisabled indicates the device is known but administratively disabled
	AuthDisabled
	// AuthError indicates the authenticator could not reach a verdict
	AuthError
	// AuthIgnore indicates the authenticator does not know the device
	AuthIgnore
)

// String returns the string representation of AuthResult
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthDisabled:
		return "disabled"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator defines the interface for authentication providers
type Authenticator interface {
	// Authenticate verifies credential for deviceKey.
	Authenticate(ctx context.Context, deviceKey, credential string) AuthResult
	// Name returns the name of the authenticator
	Name() string
	// Enabled returns whether the authenticator is enabled
	Enabled() bool
}

// AuthChain consults authenticators in order. The first success, failure or
// disabled verdict is final. Errors and ignores fall through to the next
// authenticator; if none decides, the result is AuthError when any
// authenticator errored and AuthFailure otherwise. An empty chain denies
// every device; use AllowAll to run without authentication.
type AuthChain struct {
	mu             sync.RWMutex
	authenticators []Authenticator
	logger         *zap.Logger
}

// NewAuthChain creates a new authentication chain
func NewAuthChain(logger *zap.Logger) *AuthChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthChain{logger: logger}
}

// AddAuthenticator adds an authenticator to the end of the chain
func (ac *AuthChain) AddAuthenticator(auth Authenticator) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.authenticators = append(ac.authenticators, auth)
}

// Authenticate runs the chain for deviceKey.
func (ac *AuthChain) Authenticate(ctx context.Context, deviceKey, credential string) AuthResult {
	ac.mu.RLock()
	chain := make([]Authenticator, len(ac.authenticators))
	copy(chain, ac.authenticators)
	ac.mu.RUnlock()

	log := ac.logger.With(zap.String("device_key", deviceKey))
	if len(chain) == 0 {
		log.Warn("no authenticators configured, denying connection")
		return AuthFailure
	}

	errored := false
	for _, auth := range chain {
		if !auth.Enabled() {
			continue
		}
		result := auth.Authenticate(ctx, deviceKey, credential)
		log.Debug("authenticator verdict", zap.String("authenticator", auth.Name()), zap.Stringer("result", result))

		switch result {
		case AuthSuccess, AuthFailure, AuthDisabled:
			return result
		case AuthError:
			log.Error("authenticator failed", zap.String("authenticator", auth.Name()))
			errored = true
		}
	}

	if errored {
		return AuthError
	}
	log.Info("no authenticator recognised device, denying access")
	return AuthFailure
}

// AllowAll accepts every device. It stands in for the chain when
// authentication is switched off.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string, string) AuthResult { return AuthSuccess }

func (AllowAll) Name() string { return "allow_all" }

func (AllowAll) Enabled() bool { return true }

// Count returns the number of authenticators in the chain
func (ac *AuthChain) Count() int {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return len(ac.authenticators)
}

// hashCredential creates a hash of the credential using the specified algorithm
func hashCredential(credential, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return credential, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + credential))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyCredential checks credential against hash using the specified algorithm
func verifyCredential(credential, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return subtle.ConstantTimeCompare([]byte(credential), []byte(hash)) == 1
	case HashSHA256:
		expected, err := hashCredential(credential, salt, HashSHA256)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)) == nil
	default:
		return false
	}
}
