// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package awscreds

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("initial-token"), 0o600))

	sts := NewSTSResolverForTest(nil, "arn:aws:iam::111:role/default", "initial-token", "http://unused")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := WatchTokenFile(ctx, path, sts, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("rotated-token"), 0o600))

	assert.Eventually(t, func() bool {
		return sts.currentToken() == "rotated-token"
	}, 2*time.Second, 10*time.Millisecond)
}
