// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mainlib

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseAndValidateFlags(t *testing.T) {
	t.Run("minimal flags", func(t *testing.T) {
		flags, err := parseAndValidateFlags([]string{"--config-path", "/path/to/config.yaml"}, &bytes.Buffer{}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "/path/to/config.yaml", flags.ConfigPath)
		assert.Equal(t, ":1063", flags.ExtProcAddr)
		assert.Equal(t, ":9190", flags.MetricsAddr)
		assert.Equal(t, slog.LevelInfo, flags.slogLevel())
	})

	t.Run("all flags", func(t *testing.T) {
		flags, err := parseAndValidateFlags([]string{
			"--config-path", "/path/to/config.yaml",
			"--ext-proc-addr", "unix:///tmp/ext_proc.sock",
			"--log-level", "debug",
			"--metrics-addr", ":9191",
		}, &bytes.Buffer{}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "unix:///tmp/ext_proc.sock", flags.ExtProcAddr)
		assert.Equal(t, slog.LevelDebug, flags.slogLevel())
		assert.Equal(t, ":9191", flags.MetricsAddr)
	})

	t.Run("missing required config path errors", func(t *testing.T) {
		_, err := parseAndValidateFlags(nil, &bytes.Buffer{}, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("invalid log level errors", func(t *testing.T) {
		_, err := parseAndValidateFlags([]string{
			"--config-path", "/path/to/config.yaml",
			"--log-level", "invalid",
		}, &bytes.Buffer{}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestListenAddress(t *testing.T) {
	tests := []struct {
		addr        string
		wantNetwork string
		wantAddress string
	}{
		{":8080", "tcp", ":8080"},
		{"unix:///var/run/transformation-filters/extproc.sock", "unix", "/var/run/transformation-filters/extproc.sock"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			network, address := listenAddress(tt.addr)
			assert.Equal(t, tt.wantNetwork, network)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}
