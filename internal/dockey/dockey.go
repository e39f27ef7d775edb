// Package dockey fingerprints document URLs. The same physical
// document can be reached through a share link, a direct path, or a
// percent-encoded variant of either; the key is a best-effort
// normal form that makes those collide on purpose.
package dockey

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	// Share links: /:w:/g/personal/<user>/<token> with optional
	// intermediate segments. The last segment is an opaque per-file
	// token.
	shareRe = regexp.MustCompile(`^/:w:/(?:g|r)/(personal/[^/]+)/(?:.*?/)?([^/]+)$`)

	// Direct paths: /personal/<user>/.../<filename>.
	directRe = regexp.MustCompile(`^/?(personal/[^/]+/.*/)([^/]+)$`)

	personalRe = regexp.MustCompile(`personal/([^/]+)`)
	slashesRe  = regexp.MustCompile(`/{2,}`)
)

// MakeDocKey derives the matching key for a document URL. Keys are
// stable across percent-encoding and trailing-slash variance but are
// not guaranteed unique across distinct documents.
func MakeDocKey(docURL string) string {
	host, path := normalize(docURL)
	if m := shareRe.FindStringSubmatch(path); m != nil {
		return host + "/" + m[1] + "/" + m[2]
	}
	if m := directRe.FindStringSubmatch(path); m != nil {
		return host + "/" + m[1] + m[2]
	}
	return host + path
}

// UserBucket derives the coarse per-user key {host}/personal/{user}.
// It works for both share-link and direct-path URL styles and returns
// "" when the URL carries no personal segment.
func UserBucket(docURL string) string {
	host, path := normalize(docURL)
	if m := personalRe.FindStringSubmatch(path); m != nil {
		return host + "/personal/" + m[1]
	}
	return ""
}

// normalize lower-cases the URL, decodes percent-escapes, drops
// query/fragment, collapses repeated slashes and strips the trailing
// slash.
func normalize(docURL string) (host, path string) {
	raw := strings.TrimSpace(docURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Not an absolute URL; treat the whole string as a path.
		return "", cleanPath(raw)
	}
	return strings.ToLower(u.Host), cleanPath(u.Path)
}

func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	p = strings.ToLower(p)
	p = slashesRe.ReplaceAllString(p, "/")
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
