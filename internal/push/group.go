package push

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

const maxGroupLen = 90

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]`)

// GroupForEmail derives the broadcast group name for a user identity.
// The transform is deterministic, channel-safe, and disambiguated by
// a hash suffix when the capped name would collide.
func GroupForEmail(email string) string {
	name := strings.ToLower(strings.TrimSpace(email))
	name = strings.ReplaceAll(name, "@", ".")
	name = unsafeChars.ReplaceAllString(name, "-")
	name = "user_" + name
	if len(name) <= maxGroupLen {
		return name
	}
	sum := sha1.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:8]
	return name[:maxGroupLen-len(suffix)-1] + "_" + suffix
}
