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
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MemoryAuthenticator verifies devices defined in configuration.
type MemoryAuthenticator struct {
	devices map[string]*Device
	enabled bool
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewMemoryAuthenticator creates a new memory-based authenticator
func NewMemoryAuthenticator(logger *zap.Logger) *MemoryAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryAuthenticator{
		devices: make(map[string]*Device),
		enabled: true,
		logger:  logger,
	}
}

// Name returns the name of this authenticator
func (ma *MemoryAuthenticator) Name() string {
	return "memory"
}

// Enabled returns whether this authenticator is enabled
func (ma *MemoryAuthenticator) Enabled() bool {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.enabled
}

// SetEnabled enables or disables this authenticator
func (ma *MemoryAuthenticator) SetEnabled(enabled bool) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.enabled = enabled
}

// AddDevice hashes credential with algorithm and registers the device.
func (ma *MemoryAuthenticator) AddDevice(deviceKey, credential string, algorithm HashAlgorithm) error {
	if deviceKey == "" {
		return fmt.Errorf("device key cannot be empty")
	}

	// SHA256 entries are salted with the device key.
	salt := ""
	if algorithm == HashSHA256 {
		salt = deviceKey
	}
	hash, err := hashCredential(credential, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash credential: %w", err)
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.devices[deviceKey] = &Device{
		DeviceKey:      deviceKey,
		CredentialHash: hash,
		Algorithm:      algorithm,
		Salt:           salt,
		Enabled:        true,
	}
	ma.logger.Debug("added device", zap.String("device_key", deviceKey), zap.String("algorithm", string(algorithm)))
	return nil
}

// AddHashedDevice registers a device whose credential is already hashed.
func (ma *MemoryAuthenticator) AddHashedDevice(d Device) error {
	if d.DeviceKey == "" {
		return fmt.Errorf("device key cannot be empty")
	}
	switch d.Algorithm {
	case HashPlain, HashSHA256, HashBcrypt:
	default:
		return fmt.Errorf("unsupported hash algorithm: %s", d.Algorithm)
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.devices[d.DeviceKey] = &d
	return nil
}

// RemoveDevice removes a device from the authenticator
func (ma *MemoryAuthenticator) RemoveDevice(deviceKey string) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if _, exists := ma.devices[deviceKey]; !exists {
		return fmt.Errorf("device not found: %s", deviceKey)
	}
	delete(ma.devices, deviceKey)
	return nil
}

// SetDeviceEnabled enables or disables a specific device
func (ma *MemoryAuthenticator) SetDeviceEnabled(deviceKey string, enabled bool) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	d, exists := ma.devices[deviceKey]
	if !exists {
		return fmt.Errorf("device not found: %s", deviceKey)
	}
	d.Enabled = enabled
	ma.logger.Info("device enabled status changed", zap.String("device_key", deviceKey), zap.Bool("enabled", enabled))
	return nil
}

// Authenticate verifies the provided credential
func (ma *MemoryAuthenticator) Authenticate(_ context.Context, deviceKey, credential string) AuthResult {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	if !ma.enabled || deviceKey == "" {
		return AuthIgnore
	}
	d, exists := ma.devices[deviceKey]
	if !exists {
		return AuthIgnore
	}
	if !d.Enabled {
		return AuthDisabled
	}
	if verifyCredential(credential, d.CredentialHash, d.Salt, d.Algorithm) {
		return AuthSuccess
	}
	return AuthFailure
}

// Count returns the number of devices
func (ma *MemoryAuthenticator) Count() int {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return len(ma.devices)
}
