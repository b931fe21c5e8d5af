// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides the command line execution helpers.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// usageErrors are error substrings that are answered with the command help.
var usageErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
}

// ExecuteWithFang runs cmd through fang and exits non-zero on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

// Execute runs cmd through fang with the version and error handler set.
func Execute(ctx context.Context, cmd *cobra.Command) error {
	return fang.Execute(
		ctx,
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	)
}

// ErrorHandlerWithUsage renders err, followed by the usage of cmd when the
// error came from argument parsing.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !IsUsageError(err) {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
			return
		}

		cw := colorprofile.NewWriter(w, os.Environ())
		cmd.SetOut(cw)
		if help := cmd.HelpFunc(); help != nil {
			help(cmd, []string{})
		}
	}
}

// IsUsageError returns true if err was caused by command line misuse.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, sub := range usageErrors {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
