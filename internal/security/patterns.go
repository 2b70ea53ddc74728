package security

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultSuspiciousPatterns is the stock list of attack fragments scanned
// for in request bodies, query strings, and cookies. Matching is substring
// containment, not regex: deliberately cheap, accepting some false
// positives and negatives.
var DefaultSuspiciousPatterns = []string{
	"SELECT *", "UNION SELECT", "DROP TABLE", "DELETE FROM", "INSERT INTO",
	"1=1", "OR 1=1", "admin'--", "; DROP", "<script>", "javascript:",
	"document.cookie", "eval(", "setTimeout(", "XMLHttpRequest",
}

// maxScanBytes bounds how much of a request body the detector reads.
const maxScanBytes = 1 << 20

// Detector scans requests for known attack substrings. It holds only its
// configured pattern list and is safe for concurrent use.
type Detector struct {
	patterns []string
	lowered  []string
}

// NewDetector creates a Detector for the given pattern list. An empty list
// falls back to DefaultSuspiciousPatterns.
func NewDetector(patterns []string) *Detector {
	if len(patterns) == 0 {
		patterns = DefaultSuspiciousPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &Detector{patterns: patterns, lowered: lowered}
}

// Detect returns every configured pattern found in the request's body,
// query parameters, or cookies (case-insensitive). The body is restored on
// the request so downstream handlers can still read it.
func (d *Detector) Detect(r *http.Request) []string {
	var payload strings.Builder

	query := r.URL.RawQuery
	if decoded, err := url.QueryUnescape(query); err == nil {
		query = decoded
	}
	payload.WriteString(strings.ToLower(query))
	payload.WriteByte('\n')
	payload.WriteString(strings.ToLower(r.Header.Get("Cookie")))
	payload.WriteByte('\n')

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBytes))
		if err == nil {
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			payload.WriteString(strings.ToLower(string(body)))
		}
	}

	return d.Scan(payload.String())
}

// Scan returns every configured pattern contained in the given payload.
// The payload is expected to be lowercased by the caller; Scan lowercases
// defensively when it is not.
func (d *Detector) Scan(payload string) []string {
	payload = strings.ToLower(payload)
	var found []string
	for i, p := range d.lowered {
		if strings.Contains(payload, p) {
			found = append(found, d.patterns[i])
		}
	}
	return found
}

// IsDestructive reports whether any matched pattern contains a destructive
// SQL keyword. Used by the severity classification table.
func IsDestructive(patterns []string) bool {
	for _, p := range patterns {
		upper := strings.ToUpper(p)
		if strings.Contains(upper, "DROP") || strings.Contains(upper, "DELETE") {
			return true
		}
	}
	return false
}
