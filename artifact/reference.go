package artifact

import (
	"fmt"
	"net/url"
	"time"
)

// Reference is an immutable descriptor for one build output to deploy.
// SourceURL is a time-limited download URL; a Reference must never be fetched
// after ExpiresAt has passed. Callers that need to retry past expiry must mint
// a fresh Reference instead.
type Reference struct {
	Name             string    `json:"name"`
	SourceURL        string    `json:"source_url"`
	ExpectedChecksum string    `json:"expected_checksum,omitempty"` // SHA256 hex digest
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// NewReference builds a Reference valid for the given TTL starting now.
func NewReference(name, sourceURL, checksum string, ttl time.Duration) Reference {
	now := time.Now().UTC()
	return Reference{
		Name:             name,
		SourceURL:        sourceURL,
		ExpectedChecksum: checksum,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
}

// Expired reports whether the reference's download URL has passed its
// validity window at the given instant.
func (r Reference) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Validate checks that the reference is well formed enough to fetch.
func (r Reference) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("artifact reference missing name")
	}
	if r.SourceURL == "" {
		return fmt.Errorf("artifact reference %q missing source URL", r.Name)
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil {
		return fmt.Errorf("artifact reference %q has invalid source URL: %w", r.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("artifact reference %q has unsupported URL scheme %q", r.Name, u.Scheme)
	}
	return nil
}
