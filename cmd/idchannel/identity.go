// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/katzenpost/idchannel/common"
	"github.com/katzenpost/idchannel/config"
	"github.com/katzenpost/idchannel/core/utils"
	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/node"
)

var errIdentityExists = errors.New("identity already exists")

// withIdentity loads the configured identity and its contacts, and runs fn.
func withIdentity(configFile string, create bool, fn func(*config.Config, *identity.LocalIdentity, bool) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if !create {
		exists, err := utils.CheckPair(cfg.Identity.PrivateKeyFile, cfg.Identity.HistoryFile)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("no identity at %v, run `idchannel identity new`", cfg.Identity.PrivateKeyFile)
		}
	}
	if err = os.MkdirAll(cfg.Identity.DataDir, 0700); err != nil {
		return err
	}
	logBackend, err := node.NewLogBackend(cfg)
	if err != nil {
		return err
	}
	contacts, err := node.OpenContacts(cfg.Identity)
	if err != nil {
		return err
	}
	defer contacts.Close()
	id, created, err := node.LoadOrCreateIdentity(cfg.Identity, contacts, logBackend)
	if err != nil {
		return err
	}
	return fn(cfg, id, created)
}

func printIdentity(w io.Writer, id *identity.LocalIdentity) error {
	contact, err := id.AsContact()
	if err != nil {
		return err
	}
	pk, err := contact.PublicKey()
	if err != nil {
		return err
	}
	history := id.ChangeHistory()
	last := history[len(history)-1]
	fmt.Fprintf(w, "Identity:    %v\n", id.ID())
	fmt.Fprintf(w, "Scheme:      %v\n", last.Change.Scheme)
	fmt.Fprintf(w, "Key changes: %d\n", len(history))
	fmt.Fprintf(w, "Public key:\n%s\n", common.ShortPublicKey(pk))
	return nil
}

func newIdentityCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local identity",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a new identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(*configFile, true, func(cfg *config.Config, id *identity.LocalIdentity, created bool) error {
				if !created {
					return fmt.Errorf("%w: %v", errIdentityExists, id.ID())
				}
				return printIdentity(cmd.OutOrStdout(), id)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(*configFile, false, func(_ *config.Config, id *identity.LocalIdentity, _ bool) error {
				return printIdentity(cmd.OutOrStdout(), id)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the identity key, keeping the identifier",
		Long: `rotate generates a new identity key and appends a key change, signed by
both the old and the new key, to the identity's history.

Peers that stored the identity before the rotation keep their stored copy,
and will fail to authenticate channels until it is updated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(*configFile, false, func(cfg *config.Config, id *identity.LocalIdentity, _ bool) error {
				if err := id.RotateKey(); err != nil {
					return err
				}
				if err := id.Save(cfg.Identity.PrivateKeyFile, cfg.Identity.HistoryFile); err != nil {
					return err
				}
				return printIdentity(cmd.OutOrStdout(), id)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export FILE",
		Short: "Write the identity as a contact for peers to import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(*configFile, false, func(_ *config.Config, id *identity.LocalIdentity, _ bool) error {
				contact, err := id.AsContact()
				if err != nil {
					return err
				}
				b, err := contact.Bytes()
				if err != nil {
					return err
				}
				if err = os.WriteFile(args[0], b, 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %v to %v\n", id.ID(), args[0])
				return nil
			})
		},
	})

	return cmd
}
