// node.go - Identity secure channel node.
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

// Package node wires an identity, its contact database and a key exchange
// provider into a running set of secure channels.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/katzenpost/idchannel/config"
	"github.com/katzenpost/idchannel/core/log"
	"github.com/katzenpost/idchannel/core/utils"
	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/identity/contactdb/boltcontactdb"
	"github.com/katzenpost/idchannel/internal/instrument"
	"github.com/katzenpost/idchannel/keyexchange/noise"
	"github.com/katzenpost/idchannel/router"
	"github.com/katzenpost/idchannel/securechannel"
)

// Node is a running identity with a secure channel listener.
type Node struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	contacts identity.ContactStore
	identity *identity.LocalIdentity
	router   *router.Router
	provider *noise.Provider
	channels *securechannel.SecureChannels
	listener *securechannel.Listener
	trust    securechannel.TrustPolicy
	metrics  *http.Server

	haltedCh chan interface{}
	haltOnce sync.Once
}

func initDataDir(d string) error {
	const dirMode = os.ModeDir | 0700

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("node: failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("node: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("node: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("node: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

// NewLogBackend creates the log backend described by cfg.
func NewLogBackend(cfg *config.Config) (*log.Backend, error) {
	p := cfg.Logging.File
	if !cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(cfg.Identity.DataDir, p)
	}
	return log.New(p, cfg.Logging.Level, cfg.Logging.Disable)
}

// OpenContacts opens the contact database described by cfg.
func OpenContacts(cfg *config.Identity) (identity.ContactStore, error) {
	var opts []boltcontactdb.Option
	if cfg.PinnedContacts {
		opts = append(opts, boltcontactdb.WithPinnedContacts())
	}
	return boltcontactdb.New(cfg.ContactsDB, opts...)
}

// LoadOrCreateIdentity loads the identity described by cfg, generating and
// saving a new one if neither of its files exist.  The returned bool is
// true if the identity was created.
func LoadOrCreateIdentity(cfg *config.Identity, contacts identity.ContactStore, logBackend *log.Backend) (*identity.LocalIdentity, bool, error) {
	scheme := signSchemes.ByName(cfg.SignatureScheme)
	if scheme == nil {
		return nil, false, fmt.Errorf("node: unknown signature scheme '%v'", cfg.SignatureScheme)
	}
	exists, err := utils.CheckPair(cfg.PrivateKeyFile, cfg.HistoryFile)
	if err != nil {
		return nil, false, err
	}
	if exists {
		id, err := identity.Load(cfg.PrivateKeyFile, cfg.HistoryFile, scheme, contacts, logBackend)
		return id, false, err
	}
	id, err := identity.New(scheme, contacts, logBackend)
	if err != nil {
		return nil, false, err
	}
	if err = id.Save(cfg.PrivateKeyFile, cfg.HistoryFile); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// TrustPolicy returns the trust policy described by cfg.
func TrustPolicy(cfg *config.Trust) securechannel.TrustPolicy {
	if cfg.Policy == config.TrustIdentifiers {
		return securechannel.NewTrustMultiIdentifiersPolicy(cfg.IDs()...)
	}
	return securechannel.TrustEveryonePolicy{}
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.LocalIdentity {
	return n.identity
}

// Router returns the node's router.
func (n *Node) Router() *router.Router {
	return n.router
}

// Channels returns the node's secure channels.
func (n *Node) Channels() *securechannel.SecureChannels {
	return n.channels
}

// ListenerAddress returns the address peers create channels to.
func (n *Node) ListenerAddress() router.Address {
	return n.listener.Address()
}

// LogBackend returns the node's log backend.
func (n *Node) LogBackend() *log.Backend {
	return n.logBackend
}

// Connect creates a secure channel to the listener at the end of route,
// using the configured trust policy and handshake timeout.
func (n *Node) Connect(ctx context.Context, route router.Route) (*securechannel.ChannelInfo, error) {
	return n.channels.CreateSecureChannel(ctx, route, n.trust)
}

// RotateLog reopens the log file.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		// Not much can be done here, the old file is closed.
		fmt.Fprintf(os.Stderr, "node: failed to rotate log file: %v\n", err)
		return
	}
	n.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down the Node.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

// Wait waits till the Node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

func (n *Node) halt() {
	n.log.Noticef("Starting graceful shutdown.")

	// Stop accepting channels before tearing down the established ones.
	if n.listener != nil {
		n.listener.Stop()
		n.listener = nil
	}
	if n.router != nil {
		n.router.Shutdown()
	}
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.metrics.Shutdown(ctx)
		cancel()
		n.metrics = nil
	}
	if n.contacts != nil {
		n.contacts.Close()
		n.contacts = nil
	}

	n.log.Noticef("Shutdown complete.")
	close(n.haltedCh)
}

// New returns a new Node parameterized with the specified configuration.
func New(cfg *config.Config) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}

	if err := initDataDir(cfg.Identity.DataDir); err != nil {
		return nil, err
	}
	var err error
	if n.logBackend, err = NewLogBackend(cfg); err != nil {
		return nil, err
	}
	n.log = n.logBackend.GetLogger("node")
	if cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Unsafe Debug logging is enabled.")
	}

	if n.contacts, err = OpenContacts(cfg.Identity); err != nil {
		n.log.Errorf("Failed to open contact database: %v", err)
		return nil, err
	}

	// Past this point, failures need to call Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	var created bool
	if n.identity, created, err = LoadOrCreateIdentity(cfg.Identity, n.contacts, n.logBackend); err != nil {
		n.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	if created {
		n.log.Noticef("Generated new identity %v", n.identity.ID())
	}
	n.log.Noticef("Identity is: %v", n.identity.ID())

	instrument.Init()
	if cfg.Metrics.Address != "" {
		if n.metrics, err = instrument.StartPrometheusListener(cfg.Metrics.Address); err != nil {
			n.log.Errorf("Failed to start metrics listener: %v", err)
			return nil, err
		}
		n.log.Noticef("Serving metrics on %v", cfg.Metrics.Address)
	}

	n.router = router.New(n.logBackend)
	if n.provider, err = noise.New(n.router); err != nil {
		return nil, err
	}
	n.trust = TrustPolicy(cfg.Trust)
	n.channels = securechannel.New(n.router, n.identity, n.provider, cfg.Channel.Timeout())
	if n.listener, err = n.channels.CreateSecureChannelListener(router.Address(cfg.Channel.ListenerAddress), n.trust); err != nil {
		n.log.Errorf("Failed to start listener: %v", err)
		return nil, err
	}
	n.log.Noticef("Accepting secure channels at %v (trust: %v)", n.listener.Address(), cfg.Trust.Policy)

	isOk = true
	return n, nil
}
