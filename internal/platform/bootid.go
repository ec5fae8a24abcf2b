package platform

import (
	"encoding/hex"
	"os"
	"strings"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// BootID returns a 16-byte identifier of the current system boot, or zeros
// when the platform does not expose one.
func BootID() [16]byte {
	var id [16]byte
	raw, err := os.ReadFile(bootIDPath)
	if err != nil {
		return id
	}
	s := strings.ReplaceAll(strings.TrimSpace(string(raw)), "-", "")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id
	}
	copy(id[:], b)
	return id
}
