// config.go - Identity secure channel node configuration.
// Copyright (C) 2017  Yawning Angel.
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

// Package config provides the identity secure channel node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/katzenpost/idchannel/identity"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultSignatureScheme  = "Ed25519"
	defaultHandshakeTimeout = 120 * 1000 // 120 sec.
	defaultListenerAddress  = "listener"
	defaultPrivateKeyFile   = "identity.private.pem"
	defaultHistoryFile      = "identity.history"
	defaultContactsDB       = "contacts.db"

	// TrustEveryone accepts every verified peer.
	TrustEveryone = "everyone"

	// TrustIdentifiers accepts the peers listed in Trust.Identifiers.
	TrustIdentifiers = "identifiers"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Identity is the local identity configuration.
type Identity struct {
	// DataDir is the absolute path to the identity's state files.
	DataDir string

	// SignatureScheme is the name of the identity key signature scheme.
	SignatureScheme string

	// PrivateKeyFile is the PEM encoded private key, `identity.private.pem`
	// under the DataDir if omitted.
	PrivateKeyFile string

	// HistoryFile is the identity's key change history,
	// `identity.history` under the DataDir if omitted.
	HistoryFile string

	// ContactsDB is the contact database, `contacts.db` under the DataDir
	// if omitted.
	ContactsDB string

	// PinnedContacts refuses contacts that are not already in the
	// ContactsDB.
	PinnedContacts bool
}

func (iCfg *Identity) fixup() {
	if iCfg.SignatureScheme == "" {
		iCfg.SignatureScheme = defaultSignatureScheme
	}
	if iCfg.PrivateKeyFile == "" {
		iCfg.PrivateKeyFile = filepath.Join(iCfg.DataDir, defaultPrivateKeyFile)
	}
	if iCfg.HistoryFile == "" {
		iCfg.HistoryFile = filepath.Join(iCfg.DataDir, defaultHistoryFile)
	}
	if iCfg.ContactsDB == "" {
		iCfg.ContactsDB = filepath.Join(iCfg.DataDir, defaultContactsDB)
	}
}

func (iCfg *Identity) validate() error {
	if !filepath.IsAbs(iCfg.DataDir) {
		return fmt.Errorf("config: Identity: DataDir '%v' is not an absolute path", iCfg.DataDir)
	}
	if signSchemes.ByName(iCfg.SignatureScheme) == nil {
		return fmt.Errorf("config: Identity: SignatureScheme '%v' is not supported", iCfg.SignatureScheme)
	}
	return nil
}

// Channel is the secure channel configuration.
type Channel struct {
	// HandshakeTimeout is the number of milliseconds to wait for an
	// initiator channel to be established.
	HandshakeTimeout int

	// ListenerAddress is the router address secure channel requests are
	// accepted on.
	ListenerAddress string
}

// Timeout returns the handshake timeout.
func (cCfg *Channel) Timeout() time.Duration {
	return time.Duration(cCfg.HandshakeTimeout) * time.Millisecond
}

func (cCfg *Channel) validate() error {
	if cCfg.HandshakeTimeout < 0 {
		return fmt.Errorf("config: Channel: HandshakeTimeout %v is invalid", cCfg.HandshakeTimeout)
	}
	if cCfg.HandshakeTimeout == 0 {
		cCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cCfg.ListenerAddress == "" {
		cCfg.ListenerAddress = defaultListenerAddress
	}
	return nil
}

// Trust is the trust policy configuration.
type Trust struct {
	// Policy is one of `everyone` or `identifiers`.
	Policy string

	// Identifiers are the trusted identities for the `identifiers` policy.
	Identifiers []string

	ids []identity.IdentityID
}

// IDs returns the parsed Identifiers.
func (tCfg *Trust) IDs() []identity.IdentityID {
	return tCfg.ids
}

func (tCfg *Trust) validate() error {
	switch strings.ToLower(tCfg.Policy) {
	case TrustEveryone, "":
		tCfg.Policy = TrustEveryone
		if len(tCfg.Identifiers) != 0 {
			return errors.New("config: Trust: Identifiers set with the everyone policy")
		}
	case TrustIdentifiers:
		tCfg.Policy = TrustIdentifiers
		if len(tCfg.Identifiers) == 0 {
			return errors.New("config: Trust: no Identifiers for the identifiers policy")
		}
	default:
		return fmt.Errorf("config: Trust: Policy '%v' is invalid", tCfg.Policy)
	}
	tCfg.ids = nil
	for _, s := range tCfg.Identifiers {
		id, err := identity.ParseID(s)
		if err != nil {
			return fmt.Errorf("config: Trust: Identifier '%v': %w", s, err)
		}
		tCfg.ids = append(tCfg.ids, id)
	}
	return nil
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the host:port to serve metrics on, disabled if omitted.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Config is the top level node configuration.
type Config struct {
	Logging  *Logging
	Identity *Identity
	Channel  *Channel
	Trust    *Trust
	Metrics  *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Identity == nil {
		return errors.New("config: No Identity block was present")
	}

	// Handle missing sections if possible.
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Channel == nil {
		cfg.Channel = &Channel{}
	}
	if cfg.Trust == nil {
		cfg.Trust = &Trust{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Identity.fixup()
	if err := cfg.Identity.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Channel.validate(); err != nil {
		return err
	}
	if err := cfg.Trust.validate(); err != nil {
		return err
	}
	return cfg.Metrics.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No buffer provided")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
