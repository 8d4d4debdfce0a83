package policy

import "context"

// Store is the persistence contract for cached authorization decisions.
// Implementations must enforce:
//   - At most one Policy per UID (upsert-by-key, last write wins).
//   - Lazy expiry: Get treats a stale row as absent even before PurgeExpired
//     has deleted it.
//   - AskEachTime is never persisted (Upsert fails with ErrNotCacheable).
//   - Writes to the same UID are serialized; writes to different UIDs may
//     proceed concurrently.
type Store interface {
	// Get returns the live policy for a UID, or ErrNotFound if absent
	// or expired.
	Get(ctx context.Context, uid int64) (*Policy, error)
	// Upsert creates or replaces the policy for p.UID.
	Upsert(ctx context.Context, p *Policy) error
	// PurgeExpired deletes all rows whose ExpiresAt is non-zero and in
	// the past. Called opportunistically at the start of every session.
	PurgeExpired(ctx context.Context) error
	// Revoke deletes the policy for one UID. Deleting a missing row is
	// not an error.
	Revoke(ctx context.Context, uid int64) error
	// List returns all rows, including not-yet-purged stale ones, for
	// the admin surface.
	List(ctx context.Context) ([]Policy, error)
	// ClearAll removes every cached decision.
	ClearAll(ctx context.Context) error
}
