// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

package loom

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new monotonically increasing scope id.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseID parses a scope id string.
func ParseID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("invalid scope id %q: %w", s, err)
	}
	return id, nil
}
