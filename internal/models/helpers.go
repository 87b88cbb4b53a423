package models

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// downloadSuffix ties a derived download job id to its parent request job.
const downloadSuffix = ":download"

// SanitizeIdentifier turns an account identifier into a form usable in job ids and file names.
// Emails have the first '@' replaced with '_' and are cut at the first '.', so
// "jane.doe@shop.com" becomes "jane" and "jane@shop.com" becomes "jane_shop".
// Other identifiers (phone numbers, seller handles) are returned trimmed.
func SanitizeIdentifier(identifier string) (string, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return "", errors.New("missing identifier")
	}
	if strings.Contains(s, "@") {
		s = strings.Replace(s, "@", "_", 1)
		s, _, _ = strings.Cut(s, ".")
	}
	return s, nil
}

// GenerateJobID builds a human-traceable job id: sanitized identifier plus a short random suffix.
func GenerateJobID(identifier string) string {
	base, err := SanitizeIdentifier(identifier)
	if err != nil {
		base = "unknown"
	}
	return base + "_" + uuid.New().String()[:8]
}

// DownloadJobID is the deterministic id of the download job derived from a request job.
func DownloadJobID(parentID string) string {
	return parentID + downloadSuffix
}

// Public returns a copy safe to hand to API consumers.
func (j *Job) Public() Job {
	c := j.Clone()
	c.Credentials = nil
	return c
}
