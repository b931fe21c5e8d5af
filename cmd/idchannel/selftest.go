// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/katzenpost/idchannel/core/log"
	"github.com/katzenpost/idchannel/internal/instrument"
	"github.com/katzenpost/idchannel/node"
)

func newSelfTestCommand() *cobra.Command {
	var (
		scheme   string
		timeout  time.Duration
		logLevel string
		metrics  string
	)

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Open a secure channel between two throwaway identities",
		Long: `selftest creates two in-memory identities, opens a secure channel between
them over an in-process router, and echoes a random payload through it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := signSchemes.ByName(scheme)
			if s == nil {
				return fmt.Errorf("invalid argument: unknown signature scheme '%v'", scheme)
			}
			logBackend, err := newLogBackend(logLevel)
			if err != nil {
				return err
			}
			if metrics != "" {
				srv, err := instrument.StartPrometheusListener(metrics)
				if err != nil {
					return err
				}
				defer srv.Close()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := node.SelfTest(ctx, logBackend, s, timeout)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Initiator:  %v\n", res.Initiator)
			fmt.Fprintf(w, "Responder:  %v\n", res.Responder)
			fmt.Fprintf(w, "Encryptor:  %v\n", res.Channel.EncryptorAddress)
			fmt.Fprintf(w, "Round trip: %v\n", res.RoundTrip)
			return nil
		},
	}
	cmd.Flags().StringVarP(&scheme, "scheme", "s", "Ed25519", "identity signature scheme")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "handshake and echo timeout")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "WARNING", "log level")
	cmd.Flags().StringVar(&metrics, "metrics", "", "serve prometheus metrics on this address while running")
	return cmd
}

func newLogBackend(level string) (*log.Backend, error) {
	return log.New("", level, false)
}
