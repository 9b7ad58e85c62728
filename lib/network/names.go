package network

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
)

// TAPPrefix marks TAP devices owned by the worker.
const TAPPrefix = "tap-"

// generateMAC generates a random MAC address with local administration bit set
func generateMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	// Use 02:00:00:... format (locally administered, unicast)
	buf[0] = 0x02
	buf[1] = 0x00
	buf[2] = 0x00

	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}

// generateTAPName derives the TAP device name for a VM id. VM ids are
// caller-chosen and may be long or share prefixes, so the name is a hash.
// tap-{8 hex chars} fits within the 15-char Linux interface name limit.
// A non-zero salt yields an alternative name after a collision.
func generateTAPName(vmID string, salt int) string {
	h := fnv.New32a()
	h.Write([]byte(vmID))
	if salt > 0 {
		fmt.Fprintf(h, "#%d", salt)
	}
	return fmt.Sprintf("%s%08x", TAPPrefix, h.Sum32())
}
