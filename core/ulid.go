// ABOUTME: ULID generation helper using crypto/rand entropy.
// ABOUTME: Tasks, runs, history rows, and artifacts all get lexically sortable IDs from here.
package core

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string using crypto/rand entropy.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
