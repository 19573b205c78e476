// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filterapi

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockReceiver struct {
	mu  sync.Mutex
	cfg *Config
}

func (m *mockReceiver) LoadConfig(_ context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

func (m *mockReceiver) getConfig() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func TestStartConfigWatcher_LoadsInitialConfigAndReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"limits":{"decoderBufferLimit":1}}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rcv := &mockReceiver{}
	w, err := StartConfigWatcher(ctx, path, rcv, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.Eventually(t, func() bool {
		return rcv.getConfig() != nil
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rcv.getConfig().Limits.DecoderBufferLimit)

	require.NoError(t, os.WriteFile(path, []byte(`{"limits":{"decoderBufferLimit":2}}`), 0o600))

	require.Eventually(t, func() bool {
		cfg := rcv.getConfig()
		return cfg != nil && cfg.Limits.DecoderBufferLimit == 2
	}, time.Second, 10*time.Millisecond)
}

func TestStartConfigWatcher_InvalidInitialConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))

	_, err := StartConfigWatcher(context.Background(), path, &mockReceiver{}, nil)
	require.Error(t, err)
}

func TestStartConfigWatcher_MissingFileErrors(t *testing.T) {
	_, err := StartConfigWatcher(context.Background(), filepath.Join(t.TempDir(), "missing.json"), &mockReceiver{}, nil)
	require.Error(t, err)
}
