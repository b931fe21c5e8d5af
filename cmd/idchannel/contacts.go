// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/katzenpost/idchannel/identity"
	"github.com/katzenpost/idchannel/identity/contactdb"
	"github.com/katzenpost/idchannel/node"
)

func withContacts(configFile string, fn func(identity.ContactStore) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(cfg.Identity.DataDir, 0700); err != nil {
		return err
	}
	// Pinning only restricts contacts learned during handshakes.
	icfg := *cfg.Identity
	icfg.PinnedContacts = false
	contacts, err := node.OpenContacts(&icfg)
	if err != nil {
		return err
	}
	defer contacts.Close()
	return fn(contacts)
}

func newContactsCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage stored contacts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContacts(*configFile, func(contacts identity.ContactStore) error {
				ids, err := contacts.List()
				if err != nil {
					return err
				}
				contactdb.SortIDs(ids)
				for _, id := range ids {
					c, err := contacts.Get(id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%v\t%d key change(s)\n", id, len(c.ChangeHistory))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Verify and store a contact exported by a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			contact, err := identity.ContactFromBytes(b)
			if err != nil {
				return err
			}
			if err = contact.Verify(); err != nil {
				return err
			}
			return withContacts(*configFile, func(contacts identity.ContactStore) error {
				added, err := contacts.AddIfAbsent(contact)
				if err != nil {
					return err
				}
				if !added {
					return fmt.Errorf("contact %v is already stored", contact.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %v\n", contact.ID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove ID",
		Short: "Remove a stored contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParseID(args[0])
			if err != nil {
				return err
			}
			return withContacts(*configFile, func(contacts identity.ContactStore) error {
				return contacts.Remove(id)
			})
		},
	})

	return cmd
}
