// Package fetch downloads deployment artifacts from time-limited URLs into
// a local staging area, verifying integrity along the way.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/shipper/artifact"
)

// Fetch error taxonomy. ErrExpiredReference and ErrIntegrity are permanent;
// only network-level failures are retried.
var (
	// ErrExpiredReference indicates the reference's download URL is past its
	// validity window, either locally (ExpiresAt elapsed) or as reported by
	// the remote store (401/403). The caller must mint a fresh reference.
	ErrExpiredReference = errors.New("artifact reference expired")

	// ErrIntegrity indicates the downloaded bytes did not match the
	// reference's expected checksum.
	ErrIntegrity = errors.New("artifact checksum mismatch")

	// ErrNetwork indicates a transient transport failure after retries were
	// exhausted.
	ErrNetwork = errors.New("artifact download failed")

	// ErrRejected indicates the store refused the download with a permanent,
	// non-authorization status (for example 404). Not retried.
	ErrRejected = errors.New("artifact download rejected")
)

// Config holds fetcher settings.
type Config struct {
	MaxRetries        int           `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff    time.Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	StagingDir        string        `yaml:"stagingDir" json:"stagingDir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           2 * time.Minute,
		StagingDir:        os.TempDir(),
	}
}

// Fetcher retrieves artifact bytes from presigned URLs into uniquely named
// staging paths. Transient network failures are retried with exponential
// backoff; expiry and integrity failures are permanent and never retried.
type Fetcher struct {
	config  Config
	client  *http.Client
	logger  *slog.Logger
	onRetry func()
}

// New creates a Fetcher with the given config and logger.
func New(config Config, logger *slog.Logger) *Fetcher {
	def := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.StagingDir == "" {
		config.StagingDir = def.StagingDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (f *Fetcher) SetClient(client *http.Client) {
	f.client = client
}

// SetRetryHook registers a callback invoked once per retried download
// attempt, after the backoff wait. Used to feed the retry counter.
func (f *Fetcher) SetRetryHook(fn func()) {
	f.onRetry = fn
}

// Fetch downloads the referenced artifact into a fresh staging directory and
// returns the local file path. On success exactly one file exists at the
// returned path; on any failure no file is left behind.
func (f *Fetcher) Fetch(ctx context.Context, ref artifact.Reference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	if ref.Expired(time.Now()) {
		return "", fmt.Errorf("%w: %q expired at %s", ErrExpiredReference, ref.Name, ref.ExpiresAt.Format(time.RFC3339))
	}

	stagingDir := filepath.Join(f.config.StagingDir, "shipper-stage-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	localPath := filepath.Join(stagingDir, ref.Name)

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Debug("Retrying artifact fetch", "artifact", ref.Name, "attempt", attempt+1)
			select {
			case <-time.After(f.backoff(attempt)):
			case <-ctx.Done():
				_ = os.RemoveAll(stagingDir)
				return "", ctx.Err()
			}
			// The URL may have expired while we were backing off.
			if ref.Expired(time.Now()) {
				_ = os.RemoveAll(stagingDir)
				return "", fmt.Errorf("%w: %q expired during retry backoff", ErrExpiredReference, ref.Name)
			}
			if f.onRetry != nil {
				f.onRetry()
			}
		}

		err := f.download(ctx, ref, localPath)
		if err == nil {
			f.logger.Info("Artifact staged", "artifact", ref.Name, "path", localPath, "attempts", attempt+1)
			return localPath, nil
		}
		if !retryable(err) {
			_ = os.RemoveAll(stagingDir)
			return "", err
		}
		lastErr = err
	}

	_ = os.RemoveAll(stagingDir)
	return "", fmt.Errorf("%w: %q after %d attempts: %v", ErrNetwork, ref.Name, f.config.MaxRetries+1, lastErr)
}

// download performs one GET attempt, hashing as it writes. Any partial file
// is removed before returning an error.
func (f *Fetcher) download(ctx context.Context, ref artifact.Reference, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &transientError{fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		// Presigned URLs report expiry as an authorization failure.
		return fmt.Errorf("%w: store returned status %d for %q", ErrExpiredReference, resp.StatusCode, ref.Name)
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &transientError{fmt.Errorf("store returned status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("%w: store returned status %d for %q", ErrRejected, resp.StatusCode, ref.Name)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(file, hasher), resp.Body)
	closeErr := file.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(localPath)
		if err == nil {
			err = closeErr
		}
		return &transientError{fmt.Errorf("failed to write artifact: %w", err)}
	}

	if ref.ExpectedChecksum != "" {
		digest := hex.EncodeToString(hasher.Sum(nil))
		if digest != ref.ExpectedChecksum {
			_ = os.Remove(localPath)
			return fmt.Errorf("%w: %q got %s want %s", ErrIntegrity, ref.Name, digest, ref.ExpectedChecksum)
		}
	}
	return nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := float64(f.config.InitialBackoff) * math.Pow(f.config.BackoffMultiplier, float64(attempt-1))
	if d > float64(f.config.MaxBackoff) {
		d = float64(f.config.MaxBackoff)
	}
	return time.Duration(d)
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
