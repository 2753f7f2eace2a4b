package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Item ID prefix for ingested fresh content.
const freshIDPrefix = "FRESH_"

// Length of the hash suffix in generated item IDs.
const freshIDHashLen = 12

// Tracking query parameters stripped during canonicalization.
var trackingParams = map[string]bool{
	"ref":        true,
	"fbclid":     true,
	"gclid":      true,
	"mc_cid":     true,
	"mc_eid":     true,
	"igshid":     true,
	"source":     true,
	"campaign":   true,
	"utm_source": true, // any utm_* prefix is also stripped below
}

// CanonicalURL normalizes a URL so the same article fetched through different
// trackers deduplicates to one row: lowercased scheme and host, no fragment,
// no tracking query parameters, no trailing slash.
func CanonicalURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	query := parsed.Query()
	for key := range query {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			query.Del(key)
		}
	}

	parsed.RawQuery = query.Encode()
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// URLHash returns the sha256 hex digest of a canonical URL.
func URLHash(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))

	return hex.EncodeToString(sum[:])
}

// FreshItemID derives a stable item ID from the URL hash.
func FreshItemID(urlHash string) string {
	return freshIDPrefix + urlHash[:freshIDHashLen]
}
