package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"log/slog"

	"golang.org/x/sync/singleflight"
)

// ErrAuthRejected indicates the backend refused the device credential even
// after a refresh attempt.
var ErrAuthRejected = errors.New("device credential rejected")

// Header names for the two authentication schemes.
const (
	HeaderDeviceID     = "X-Device-ID"
	HeaderDeviceDigest = "X-Device-Digest"
	HeaderAuth         = "Authorization"
)

// Refresher exchanges the current credential for a fresh signed token.
type Refresher interface {
	RefreshDeviceToken(ctx context.Context, deviceID string, headers map[string]string) (string, error)
}

// snapshot is the immutable credential view handed to readers. A refresh or
// rotation swaps the whole snapshot; readers never observe partial state.
type snapshot struct {
	identity Identity
	token    *Token
}

// Store owns the device identity and derives outgoing auth headers. Reads are
// lock-free against a published snapshot; refresh is serialized so concurrent
// callers share one in-flight request.
type Store struct {
	path      string
	log       *slog.Logger
	skew      time.Duration
	refresher Refresher
	current   atomic.Pointer[snapshot]
	sf        singleflight.Group
	now       func() time.Time
}

// NewStore creates a credential store backed by the identity file at path.
func NewStore(path string, skew time.Duration, log *slog.Logger) *Store {
	return &Store{
		path: path,
		skew: skew,
		log:  log,
		now:  time.Now,
	}
}

// SetRefresher wires the backend token exchange. Must be called before any
// Refresh; kept separate from the constructor because the API client itself
// needs the store for headers.
func (s *Store) SetRefresher(r Refresher) {
	s.refresher = r
}

// Load reads the persisted identity and publishes the initial snapshot.
// Returns ErrNotProvisioned when no usable identity exists.
func (s *Store) Load() error {
	id, err := LoadIdentity(s.path)
	if err != nil {
		return err
	}
	snap := &snapshot{identity: *id}
	if id.Token != "" {
		token, err := ParseToken(id.Token)
		if err != nil {
			// A malformed token is recoverable while a raw secret exists.
			if id.Secret == "" {
				return fmt.Errorf("%w: %v", ErrNotProvisioned, err)
			}
			s.log.Warn("stored token unreadable, falling back to device secret", "error", err)
		} else {
			snap.token = token
		}
	}
	s.current.Store(snap)
	return nil
}

// Identity returns a copy of the current identity record.
func (s *Store) Identity() Identity {
	return s.current.Load().identity
}

// DeviceID returns the stable device identifier.
func (s *Store) DeviceID() string {
	return s.current.Load().identity.ID
}

// Token returns the cached signed token, if any.
func (s *Store) Token() *Token {
	return s.current.Load().token
}

// AuthHeaders derives the outgoing authentication headers for a request at
// the given instant. A valid unexpired token wins; otherwise the keyed digest
// of the raw secret is used. Exactly one scheme is active per request.
func (s *Store) AuthHeaders(now time.Time) map[string]string {
	snap := s.current.Load()
	headers := map[string]string{HeaderDeviceID: snap.identity.ID}
	if snap.token != nil && snap.token.ValidAt(now, s.skew) {
		headers[HeaderAuth] = "Bearer " + snap.token.Raw
		return headers
	}
	if snap.identity.Secret != "" {
		headers[HeaderDeviceDigest] = keyedDigest(snap.identity.Secret, snap.identity.ID)
		return headers
	}
	// Expired token and no secret: send the token anyway and let the backend
	// decide, which at least yields a refresh trigger.
	if snap.token != nil {
		headers[HeaderAuth] = "Bearer " + snap.token.Raw
	}
	return headers
}

// Refresh exchanges the current credential for a fresh token. Concurrent
// callers await a single in-flight refresh rather than issuing duplicates.
func (s *Store) Refresh(ctx context.Context) (*Token, error) {
	if s.refresher == nil {
		return nil, errors.New("token refresher not configured")
	}
	v, err, _ := s.sf.Do("refresh", func() (any, error) {
		snap := s.current.Load()
		raw, err := s.refresher.RefreshDeviceToken(ctx, snap.identity.ID, s.AuthHeaders(s.now()))
		if err != nil {
			return nil, err
		}
		token, err := ParseToken(raw)
		if err != nil {
			return nil, err
		}
		// Re-read the snapshot after the exchange and merge only the token:
		// a rotation or sync mark that landed while the request was in
		// flight must survive the refresh.
		for {
			cur := s.current.Load()
			next := &snapshot{identity: cur.identity, token: token}
			next.identity.Token = raw
			if s.current.CompareAndSwap(cur, next) {
				s.persist(&next.identity)
				break
			}
		}
		s.log.Info("device token refreshed", "expires_at", token.ExpiresAt())
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// Rotate atomically replaces the raw device secret. The swap is whole or not
// at all: readers only ever see the old or the new secret.
func (s *Store) Rotate(newSecret string) error {
	if newSecret == "" {
		return errors.New("rotate: empty secret")
	}
	for {
		snap := s.current.Load()
		next := &snapshot{identity: snap.identity, token: snap.token}
		next.identity.Secret = newSecret
		if s.current.CompareAndSwap(snap, next) {
			s.persist(&next.identity)
			s.log.Info("device secret rotated")
			return nil
		}
	}
}

// MarkSynced records the last successful sync instant.
func (s *Store) MarkSynced(now time.Time) {
	for {
		snap := s.current.Load()
		next := &snapshot{identity: snap.identity, token: snap.token}
		next.identity.LastSyncAt = now.Unix()
		if s.current.CompareAndSwap(snap, next) {
			s.persist(&next.identity)
			return
		}
	}
}

// persist writes the identity with bounded retries. Storage failures are
// surfaced as warnings and never block in-memory operation.
func (s *Store) persist(id *Identity) {
	delay := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = SaveIdentity(s.path, id); err == nil {
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
	s.log.Warn("identity persistence failed", "path", s.path, "error", err)
}

// keyedDigest computes the one-way digest the device presents instead of its
// raw secret: HMAC-SHA256 of the device ID keyed by the secret, hex encoded.
func keyedDigest(secret, deviceID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}
