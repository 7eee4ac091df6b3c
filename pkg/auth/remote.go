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
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// AuthenticateMethod is the full gRPC method name of the device registry's
// credential check.
const AuthenticateMethod = "/deviceconnect.DeviceConnect/Authenticate"

// RemoteConfig configures the device registry client.
type RemoteConfig struct {
	Addr    string        `json:"addr" yaml:"addr"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// RemoteAuthenticator delegates credential checks to the device registry over
// gRPC. Requests and responses are protobuf Structs:
//
//	request:  {"deviceId": string, "credential": string}
//	response: {"accepted": bool, "disabled": bool, "reason": string}
//
// A NotFound status means the registry does not know the device.
type RemoteAuthenticator struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	logger  *zap.Logger
}

// DialRemote connects to the registry at cfg.Addr.
func DialRemote(cfg RemoteConfig, logger *zap.Logger) (*RemoteAuthenticator, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client for %s: %w", cfg.Addr, err)
	}
	ra := NewRemoteAuthenticator(conn, cfg.Timeout, logger)
	ra.closer = conn.Close
	return ra, nil
}

// NewRemoteAuthenticator wraps an existing connection.
func NewRemoteAuthenticator(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *RemoteAuthenticator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteAuthenticator{conn: conn, timeout: timeout, logger: logger}
}

// Name returns the name of this authenticator
func (ra *RemoteAuthenticator) Name() string {
	return "remote"
}

// Enabled returns whether this authenticator is enabled
func (ra *RemoteAuthenticator) Enabled() bool {
	return ra.conn != nil
}

// Authenticate asks the registry to verify credential.
func (ra *RemoteAuthenticator) Authenticate(ctx context.Context, deviceKey, credential string) AuthResult {
	if deviceKey == "" {
		return AuthIgnore
	}
	req, err := structpb.NewStruct(map[string]any{
		"deviceId":   deviceKey,
		"credential": credential,
	})
	if err != nil {
		return AuthError
	}

	ctx, cancel := context.WithTimeout(ctx, ra.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := ra.conn.Invoke(ctx, AuthenticateMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return AuthIgnore
		case codes.Unauthenticated:
			return AuthFailure
		case codes.PermissionDenied:
			return AuthDisabled
		}
		ra.logger.Error("registry authentication failed", zap.String("device_key", deviceKey), zap.Error(err))
		return AuthError
	}

	fields := resp.GetFields()
	if fields["disabled"].GetBoolValue() {
		return AuthDisabled
	}
	if fields["accepted"].GetBoolValue() {
		return AuthSuccess
	}
	ra.logger.Debug("registry rejected device",
		zap.String("device_key", deviceKey),
		zap.String("reason", fields["reason"].GetStringValue()))
	return AuthFailure
}

// Close closes the registry connection if this authenticator dialed it.
func (ra *RemoteAuthenticator) Close() error {
	if ra.closer == nil {
		return nil
	}
	return ra.closer()
}
