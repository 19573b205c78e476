// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filterapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replacement(s string) *string { return &s }

func TestExtractionSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		spec      ExtractionSpec
		groups    int
		wantError string
	}{
		{
			name:   "extract mode needs no replacement",
			spec:   ExtractionSpec{Name: "e1", Mode: ModeExtract, Subgroup: 1},
			groups: 2,
		},
		{
			name:      "subgroup exceeds regex group count",
			spec:      ExtractionSpec{Name: "e1", Mode: ModeExtract, Subgroup: 3},
			groups:    2,
			wantError: `extractor "e1": subgroup 3 exceeds regex group count 2`,
		},
		{
			name:      "single_replace without replacement errors",
			spec:      ExtractionSpec{Name: "e1", Mode: ModeSingleReplace},
			groups:    1,
			wantError: `extractor "e1": single_replace requires a replacement`,
		},
		{
			name:   "single_replace with replacement is valid",
			spec:   ExtractionSpec{Name: "e1", Mode: ModeSingleReplace, Replacement: replacement("x")},
			groups: 1,
		},
		{
			name:      "replace_all without replacement errors",
			spec:      ExtractionSpec{Name: "e1", Mode: ModeReplaceAll},
			groups:    1,
			wantError: `extractor "e1": replace_all requires a replacement`,
		},
		{
			name:      "replace_all requires subgroup zero",
			spec:      ExtractionSpec{Name: "e1", Mode: ModeReplaceAll, Subgroup: 1, Replacement: replacement("x")},
			groups:    1,
			wantError: `extractor "e1": replace_all requires subgroup 0`,
		},
		{
			name:      "unsupported mode errors",
			spec:      ExtractionSpec{Name: "e1", Mode: ExtractionMode(99)},
			groups:    1,
			wantError: `extractor "e1": unsupported mode 99`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(tt.groups)
			if tt.wantError == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantError, err.Error())
		})
	}
}
