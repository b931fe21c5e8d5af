// config_test.go - Node configuration tests.
// Copyright (C) 2017  Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testID = "I0101010101010101010101010101010101010101010101010101010101010101"

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Identity]
DataDir = "/var/lib/idchannel"

[Logging]
Level = "debug"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("Ed25519", cfg.Identity.SignatureScheme)
	require.Equal("/var/lib/idchannel/identity.private.pem", cfg.Identity.PrivateKeyFile)
	require.Equal("/var/lib/idchannel/identity.history", cfg.Identity.HistoryFile)
	require.Equal("/var/lib/idchannel/contacts.db", cfg.Identity.ContactsDB)
	require.Equal(120*time.Second, cfg.Channel.Timeout())
	require.Equal("listener", cfg.Channel.ListenerAddress)
	require.Equal(TrustEveryone, cfg.Trust.Policy)
	require.Empty(cfg.Metrics.Address)
}

func TestConfigFull(t *testing.T) {
	require := require.New(t)

	fullConfig := `
[Logging]
Disable = false
Level = "NOTICE"

[Identity]
DataDir = "/var/lib/idchannel"
ContactsDB = "/tmp/contacts.db"
PinnedContacts = true

[Channel]
HandshakeTimeout = 5000
ListenerAddress = "secure"

[Trust]
Policy = "identifiers"
Identifiers = [ "` + testID + `" ]

[Metrics]
Address = "127.0.0.1:6543"
`
	f := filepath.Join(t.TempDir(), "idchannel.toml")
	require.NoError(os.WriteFile(f, []byte(fullConfig), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("/tmp/contacts.db", cfg.Identity.ContactsDB)
	require.True(cfg.Identity.PinnedContacts)
	require.Equal(5*time.Second, cfg.Channel.Timeout())
	require.Equal("secure", cfg.Channel.ListenerAddress)
	require.Len(cfg.Trust.IDs(), 1)
	require.Equal(testID, cfg.Trust.IDs()[0].String())
	require.Equal("127.0.0.1:6543", cfg.Metrics.Address)
}

func TestConfigInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want string
	}{
		{"no identity", `[Logging]`, "No Identity block"},
		{"relative data dir", `[Identity]
DataDir = "relative"`, "not an absolute path"},
		{"bad scheme", `[Identity]
DataDir = "/d"
SignatureScheme = "rot13"`, "not supported"},
		{"bad level", `[Identity]
DataDir = "/d"
[Logging]
Level = "LOUD"`, "Level"},
		{"bad timeout", `[Identity]
DataDir = "/d"
[Channel]
HandshakeTimeout = -1`, "HandshakeTimeout"},
		{"bad policy", `[Identity]
DataDir = "/d"
[Trust]
Policy = "nobody"`, "Policy"},
		{"identifiers without ids", `[Identity]
DataDir = "/d"
[Trust]
Policy = "identifiers"`, "no Identifiers"},
		{"bad identifier", `[Identity]
DataDir = "/d"
[Trust]
Policy = "identifiers"
Identifiers = [ "Ixyz" ]`, "Identifier"},
		{"bad metrics", `[Identity]
DataDir = "/d"
[Metrics]
Address = "nope"`, "Metrics"},
		{"unknown key", `[Identity]
DataDir = "/d"
Colour = "blue"`, "Undecoded"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body))
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.want), "%v", err)
		})
	}
}
