package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// IdentityResolver maps platform records onto RecordRefs. Resolve is pure;
// Reify is the only operation that touches the store.
type IdentityResolver struct {
	platforms platformTable
	store     Store
}

func NewIdentityResolver(store Store, strategies ...PlatformStrategy) *IdentityResolver {
	return &IdentityResolver{
		platforms: newPlatformTable(strategies),
		store:     store,
	}
}

// Resolve returns the stable identity of src. Boosts and retweets resolve to
// the record they wrap.
func (r *IdentityResolver) Resolve(src SourceRecord) (RecordRef, error) {
	platform := normalizePlatform(src.Platform)
	strategy, ok := r.platforms.lookup(platform)
	if !ok {
		return RecordRef{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, src.Platform)
	}
	id := src.ID
	if strings.TrimSpace(src.ReblogOf) != "" {
		id = src.ReblogOf
	}
	localID := strategy.NormalizeID(id)
	if localID == "" {
		return RecordRef{}, fmt.Errorf("%w: record without id", ErrInvalidInput)
	}
	return RecordRef{Platform: platform, LocalID: localID}, nil
}

// Reify looks up the stored entity behind ref. ok is false when nothing has
// been stored for it yet.
func (r *IdentityResolver) Reify(ctx context.Context, ref RecordRef) (Record, bool, error) {
	if r.store == nil {
		return Record{}, false, ErrNotImplemented
	}
	rec, err := r.store.GetRecord(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}
