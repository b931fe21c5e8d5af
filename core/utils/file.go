// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides file helpers for the identity state files.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// ErrPartialState is returned when only one of a pair of state files exists.
var ErrPartialState = errors.New("utils: only one of the state files exists")

// BothExists returns true if both a and b exist.
func BothExists(a, b string) bool {
	return Exists(a) && Exists(b)
}

// BothNotExists returns true if neither a nor b exist.
func BothNotExists(a, b string) bool {
	return !Exists(a) && !Exists(b)
}

// Exists returns true if f exists. Stat failures other than a missing file
// are treated as the file existing, so callers never overwrite it.
func Exists(f string) bool {
	_, err := os.Stat(f)
	return !errors.Is(err, os.ErrNotExist)
}

// CheckPair returns true if both files exist, false if neither does and
// ErrPartialState otherwise.
func CheckPair(a, b string) (bool, error) {
	switch {
	case BothExists(a, b):
		return true, nil
	case BothNotExists(a, b):
		return false, nil
	}
	return false, fmt.Errorf("%w: %s, %s", ErrPartialState, a, b)
}
