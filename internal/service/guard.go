package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// Guarder evaluates whether a user may attach to a pad under its sharing
// policy. Used at upgrade time and by the per-second recheck loop.
type Guarder interface {
	CanAccess(ctx context.Context, padID, userID uuid.UUID) (bool, error)
	IsOwner(ctx context.Context, padID, userID uuid.UUID) (bool, error)
}

// Allowed is the pure sharing rule: the owner always passes, public pads
// pass everyone, whitelist pads pass members, private pads pass nobody else.
func Allowed(pad *model.Pad, userID uuid.UUID) bool {
	if pad.OwnerID == userID {
		return true
	}
	switch pad.Sharing {
	case model.SharingPublic:
		return true
	case model.SharingWhitelist:
		return pad.Whitelisted(userID)
	default:
		return false
	}
}

type aclRecord struct {
	ownerID   uuid.UUID
	sharing   model.SharingPolicy
	whitelist []uuid.UUID
}

// AccessGuard caches pad ACLs in an expirable LRU so that N connections
// rechecking every second cost one cache read per pad per interval. The TTL
// equals the recheck interval, which keeps revocation visible within two
// intervals end to end.
type AccessGuard struct {
	resolver *PadResolver
	acl      *expirable.LRU[uuid.UUID, aclRecord]
}

var _ Guarder = (*AccessGuard)(nil)

func NewAccessGuard(resolver *PadResolver, cfg *config.Config) *AccessGuard {
	return &AccessGuard{
		resolver: resolver,
		acl:      expirable.NewLRU[uuid.UUID, aclRecord](4096, nil, cfg.Access.RecheckInterval),
	}
}

func (g *AccessGuard) record(ctx context.Context, padID uuid.UUID) (aclRecord, error) {
	if rec, ok := g.acl.Get(padID); ok {
		return rec, nil
	}
	pad, err := g.resolver.Resolve(ctx, padID)
	if err != nil {
		return aclRecord{}, err
	}
	rec := aclRecord{
		ownerID:   pad.OwnerID,
		sharing:   pad.Sharing,
		whitelist: append([]uuid.UUID(nil), pad.Whitelist...),
	}
	g.acl.Add(padID, rec)
	return rec, nil
}

func (g *AccessGuard) CanAccess(ctx context.Context, padID, userID uuid.UUID) (bool, error) {
	rec, err := g.record(ctx, padID)
	if err != nil {
		return false, err
	}
	pad := &model.Pad{OwnerID: rec.ownerID, Sharing: rec.sharing, Whitelist: rec.whitelist}
	return Allowed(pad, userID), nil
}

func (g *AccessGuard) IsOwner(ctx context.Context, padID, userID uuid.UUID) (bool, error) {
	rec, err := g.record(ctx, padID)
	if err != nil {
		return false, err
	}
	return rec.ownerID == userID, nil
}
