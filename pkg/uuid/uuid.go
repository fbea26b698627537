// Package uuid provides UUID v7 generation.
// UUID v7 is sortable by timestamp, which keeps job and document identifiers
// roughly insertion-ordered in database indexes.
package uuid

import (
	crand "crypto/rand"
	"fmt"
	"time"
)

// UUID represents a UUID v7 identifier.
type UUID [16]byte

// NewV7 generates a new UUID v7 (draft-ietf-uuidrev-rfc4122bis):
// 48 bits of UNIX milliseconds followed by random data with the version and
// variant bits set.
func NewV7() UUID {
	now := time.Now().UnixMilli()

	var uuid UUID

	// Timestamp (48 bits, ms precision) — bytes 0-5
	uuid[0] = byte(now >> 40)
	uuid[1] = byte(now >> 32)
	uuid[2] = byte(now >> 24)
	uuid[3] = byte(now >> 16)
	uuid[4] = byte(now >> 8)
	uuid[5] = byte(now)

	// Remaining 10 bytes are random; crypto/rand does not fail on supported platforms.
	if _, err := crand.Read(uuid[6:]); err != nil {
		panic(fmt.Sprintf("uuid: crypto/rand: %v", err))
	}

	// Version 0111 in the high nibble of byte 6, variant 10 in byte 8.
	uuid[6] = 0x70 | (uuid[6] & 0x0f)
	uuid[8] = 0x80 | (uuid[8] & 0x3f)

	return uuid
}

// String returns the UUID in standard form: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func (u UUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		u[0:4],
		u[4:6],
		u[6:8],
		u[8:10],
		u[10:16],
	)
}
