// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/idchannel/common"
	"github.com/katzenpost/idchannel/config"
	"github.com/katzenpost/idchannel/node"
)

const defaultConfigFile = "idchannel.toml"

func loadConfig(f string) (*config.Config, error) {
	if f == "" {
		return nil, fmt.Errorf("config file must be specified")
	}
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "idchannel",
		Short: "Identity authenticated secure channels",
		Long: `idchannel manages a long term identity, its contacts, and the secure
channels bound to it.

A secure channel is a Noise XX key exchange whose transcript is signed by
both parties' identity keys.  Every message delivered over a channel is
tagged with the identity of the peer that sent it.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", defaultConfigFile,
		"path to the configuration file (TOML format)")

	cmd.AddCommand(
		newRunCommand(&configFile),
		newIdentityCommand(&configFile),
		newContactsCommand(&configFile),
		newSelfTestCommand(),
	)
	return cmd
}

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the secure channel listener",
		Long: `Run starts a node with an in-process router and a secure channel
listener.  No network transport is included, so only workers within this
process can reach the listener.  Use selftest to exercise channels end to
end.`,
		Example: `  # Run with the default configuration file
  idchannel run

  # Run with a specific configuration file
  idchannel run -f /etc/idchannel/idchannel.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			return runNode(cfg)
		},
	}
}

func runNode(cfg *config.Config) error {
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to start node: %v", err)
	}
	defer n.Shutdown()

	go func() {
		<-haltCh
		n.Shutdown()
	}()
	go func() {
		for range rotateCh {
			n.RotateLog()
		}
	}()

	n.Wait()
	return nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
