package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL canonicalizes a target URL so equivalent spellings dedupe to
// the same cache key: lowercased scheme/host, default ports stripped, trailing
// slash on the root path dropped, fragment discarded.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("target url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("target url has no host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

// CacheKey derives the dedup key for a request: SHA-256 over the normalized
// URL plus the sorted, deduplicated module set.
func CacheKey(normalizedURL string, modules []ModuleKind) string {
	names := make([]string, 0, len(modules))
	seen := make(map[ModuleKind]struct{}, len(modules))
	for _, m := range modules {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		names = append(names, string(m))
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(normalizedURL + "|" + strings.Join(names, ",")))
	return hex.EncodeToString(sum[:])
}

// ArtifactPath builds the blob path for one snapshot artifact following the
// {tenant}/{jobID}/{category}/{file} convention analyzers resolve against.
func ArtifactPath(tenant, jobID, category, file string) string {
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("%s/%s/%s/%s", tenant, jobID, category, file)
}
