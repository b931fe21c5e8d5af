// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckPair(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")

	ok, err := CheckPair(a, b)
	require.NoError(err)
	require.False(ok)

	require.NoError(os.WriteFile(a, []byte("a"), 0600))
	_, err = CheckPair(a, b)
	require.ErrorIs(err, ErrPartialState)

	require.NoError(os.WriteFile(b, []byte("b"), 0600))
	ok, err = CheckPair(a, b)
	require.NoError(err)
	require.True(ok)
}
