// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestLevelFromString(t *testing.T) {
	require := require.New(t)

	lvl, err := LevelFromString("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = LevelFromString("LOUD")
	require.Error(err)
}

func TestWriterBackend(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	b, err := NewWriterBackend(&buf, "NOTICE")
	require.NoError(err)

	l := b.GetLogger("log_test")
	l.Debug("hidden")
	l.Notice("shown")
	require.NotContains(buf.String(), "hidden")
	require.Contains(buf.String(), "log_test: shown")
}

func TestFileBackendRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "idchannel.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	b.GetLogger("rotate").Info("before")
	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	b.GetLogger("rotate").Info("after")

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "after")
	require.NotContains(string(raw), "before")
}
