package cache

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

const maxPlainKeyLen = 96

// BuildKey joins parts with ':'. Keys longer than maxPlainKeyLen keep their
// leading part readable and replace the rest with an xxh3 digest.
func BuildKey(parts ...string) string {
	key := strings.Join(parts, ":")
	if len(key) <= maxPlainKeyLen || len(parts) == 0 {
		return key
	}

	head := parts[0]
	if len(head) > maxPlainKeyLen/2 {
		head = head[:maxPlainKeyLen/2]
	}
	return head + ":h" + strconv.FormatUint(xxh3.HashString(key), 16)
}
