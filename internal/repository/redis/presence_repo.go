package redis

import (
	"context"
	"fmt"

	"heartline/internal/database"
	"heartline/pkg/constants"
)

// Keys for the mirrored pools
const (
	keyResponders = "presence:responders"
	keySeekers    = "presence:seekers"
)

// PresenceRepository mirrors the in-memory presence directory into Redis for
// ops visibility across instances. The in-memory directory stays authoritative;
// every call here is best-effort.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

// ResponderAvailable adds a responder to the mirrored available pool
func (r *PresenceRepository) ResponderAvailable(ctx context.Context, responderID string) error {
	if err := r.client.SafeSAdd(ctx, keyResponders, responderID); err != nil {
		return fmt.Errorf("failed to mirror available responder: %w", err)
	}
	// A dead instance's entries expire rather than leaking
	return r.client.SafeExpire(ctx, keyResponders, constants.PresenceTTL)
}

// ResponderGone removes a responder from the mirrored pool
func (r *PresenceRepository) ResponderGone(ctx context.Context, responderID string) error {
	if err := r.client.SafeSRem(ctx, keyResponders, responderID); err != nil {
		return fmt.Errorf("failed to unmirror responder: %w", err)
	}
	return nil
}

// SeekerWaiting adds a seeker to the mirrored waiting pool
func (r *PresenceRepository) SeekerWaiting(ctx context.Context, seekerID string) error {
	if err := r.client.SafeSAdd(ctx, keySeekers, seekerID); err != nil {
		return fmt.Errorf("failed to mirror waiting seeker: %w", err)
	}
	return r.client.SafeExpire(ctx, keySeekers, constants.PresenceTTL)
}

// SeekerGone removes a seeker from the mirrored pool
func (r *PresenceRepository) SeekerGone(ctx context.Context, seekerID string) error {
	if err := r.client.SafeSRem(ctx, keySeekers, seekerID); err != nil {
		return fmt.Errorf("failed to unmirror seeker: %w", err)
	}
	return nil
}

// Counts returns the mirrored pool sizes
func (r *PresenceRepository) Counts(ctx context.Context) (responders, seekers int64, err error) {
	responders, err = r.client.SafeSCard(ctx, keyResponders)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count responders: %w", err)
	}
	seekers, err = r.client.SafeSCard(ctx, keySeekers)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count seekers: %w", err)
	}
	return responders, seekers, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
