// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	dir := t.TempDir()
	f := filepath.Join(dir, "idchannel.toml")
	body := fmt.Sprintf(`
[Logging]
Disable = true

[Identity]
DataDir = %q
`, filepath.Join(dir, "state"))
	require.NoError(t, os.WriteFile(f, []byte(body), 0600))
	return f
}

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIdentityCommands(t *testing.T) {
	require := require.New(t)
	cfg := writeConfig(t)

	_, err := execute(t, "identity", "show", "-f", cfg)
	require.Error(err)

	out, err := execute(t, "identity", "new", "-f", cfg)
	require.NoError(err)
	require.Contains(out, "Key changes: 1")
	id := strings.Fields(strings.SplitN(out, "\n", 2)[0])[1]

	_, err = execute(t, "identity", "new", "-f", cfg)
	require.ErrorIs(err, errIdentityExists)

	out, err = execute(t, "identity", "rotate", "-f", cfg)
	require.NoError(err)
	require.Contains(out, id)
	require.Contains(out, "Key changes: 2")
}

func TestContactExchange(t *testing.T) {
	require := require.New(t)
	alice := writeConfig(t)
	bob := writeConfig(t)

	_, err := execute(t, "identity", "new", "-f", alice)
	require.NoError(err)
	_, err = execute(t, "identity", "new", "-f", bob)
	require.NoError(err)

	exported := filepath.Join(t.TempDir(), "alice.contact")
	out, err := execute(t, "identity", "export", exported, "-f", alice)
	require.NoError(err)
	id := strings.Fields(out)[1]

	out, err = execute(t, "contacts", "import", exported, "-f", bob)
	require.NoError(err)
	require.Contains(out, id)

	_, err = execute(t, "contacts", "import", exported, "-f", bob)
	require.Error(err)

	out, err = execute(t, "contacts", "list", "-f", bob)
	require.NoError(err)
	require.Contains(out, id)

	_, err = execute(t, "contacts", "remove", id, "-f", bob)
	require.NoError(err)
	out, err = execute(t, "contacts", "list", "-f", bob)
	require.NoError(err)
	require.NotContains(out, id)
}

func TestSelfTestCommand(t *testing.T) {
	out, err := execute(t, "selftest", "--log-level", "ERROR")
	require.NoError(t, err)
	require.Contains(t, out, "Round trip:")
}

func TestRunHelpPointsToSelfTest(t *testing.T) {
	out, err := execute(t, "run", "--help")
	require.NoError(t, err)
	require.Contains(t, out, "in-process router")
	require.Contains(t, out, "selftest")
}
