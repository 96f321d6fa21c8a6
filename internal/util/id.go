package util

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewIDSeed returns the first 18 hex characters of a Mongo-style object id,
// leaving 6 for a caller-managed increment. Change ids minted from one seed
// stay clustered, which keeps tracked-change ids from one update adjacent.
func NewIDSeed() string {
	var buf [7]byte
	_, _ = rand.Read(buf[:])
	machine := binary.BigEndian.Uint32(append([]byte{0}, buf[0:3]...)) & 0xffffff
	pid := binary.BigEndian.Uint16(buf[3:5]) & 0x7fff
	return fmt.Sprintf("%08x%06x%04x", uint32(time.Now().Unix()), machine, pid)
}

// NewObjectID returns a 24-hex-character id compatible with the ids the web
// application mints for documents and projects.
func NewObjectID() string {
	return NewIDSeed() + "000001"
}
