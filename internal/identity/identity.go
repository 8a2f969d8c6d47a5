// Package identity implements the Identity Store: the persisted map of
// agent_id to Matrix identity, plus the pure localpart derivation function.
// Identity lifecycle and periodic roster sync are split apart here: this
// package only owns the persisted map and its query surface, while the
// reconciler package owns the roster-diff control loop.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/internal/store"
	"github.com/agentbridge/bridge/pkg/logger"
)

const localpartPrefix = "agent_"

// DeriveLocalpart computes the stable Matrix localpart for an agent_id:
// strip a known external prefix, replace hyphens with underscores, and
// prepend "agent_". Pure function; the same agent_id always yields the
// same localpart regardless of agent_name.
func DeriveLocalpart(agentID string, knownPrefixes ...string) string {
	stripped := agentID
	for _, p := range knownPrefixes {
		if strings.HasPrefix(stripped, p) {
			stripped = strings.TrimPrefix(stripped, p)
			break
		}
	}
	stripped = strings.ReplaceAll(stripped, "-", "_")
	return localpartPrefix + stripped
}

// Store is the subset of internal/store.Store the Identity Store depends on.
type Store interface {
	UpsertIdentity(ctx context.Context, id *model.AgentIdentity) error
	GetIdentityByAgentID(ctx context.Context, agentID string) (*model.AgentIdentity, error)
	GetIdentityByMXID(ctx context.Context, mxid string) (*model.AgentIdentity, error)
	GetIdentityByRoomID(ctx context.Context, roomID string) (*model.AgentIdentity, error)
	ListActiveIdentities(ctx context.Context) ([]*model.AgentIdentity, error)
	ListAllIdentities(ctx context.Context) ([]*model.AgentIdentity, error)
	MarkRemoved(ctx context.Context, agentID string) error
	BindRoom(ctx context.Context, agentID, roomID, canonicalName, spaceParentID string) error
	UpdateCredential(ctx context.Context, agentID, token string) error
	GetRoomBinding(ctx context.Context, roomID string) (*model.RoomBinding, error)
}

// IdentityStore is the Identity Store component.
type IdentityStore struct {
	store  Store
	log    *logger.Logger
	prefix []string // known external agent_id prefixes stripped during derivation
}

// New constructs an Identity Store over the given backing store.
func New(s Store, knownPrefixes []string, log *logger.Logger) *IdentityStore {
	if log == nil {
		log = logger.Global()
	}
	return &IdentityStore{store: s, log: log.WithComponent("identity"), prefix: knownPrefixes}
}

// GetByAgentID returns the identity or errs.NotFound.
func (is *IdentityStore) GetByAgentID(ctx context.Context, agentID string) (*model.AgentIdentity, error) {
	id, err := is.store.GetIdentityByAgentID(ctx, agentID)
	if err != nil {
		return nil, mapNotFound(err, "identity")
	}
	return id, nil
}

// GetByMXID returns the identity owning an mxid, or errs.NotFound.
func (is *IdentityStore) GetByMXID(ctx context.Context, mxid string) (*model.AgentIdentity, error) {
	id, err := is.store.GetIdentityByMXID(ctx, mxid)
	if err != nil {
		return nil, mapNotFound(err, "identity")
	}
	return id, nil
}

// GetByRoomID returns the identity owning a room, or errs.NotFound.
func (is *IdentityStore) GetByRoomID(ctx context.Context, roomID string) (*model.AgentIdentity, error) {
	id, err := is.store.GetIdentityByRoomID(ctx, roomID)
	if err != nil {
		return nil, mapNotFound(err, "identity")
	}
	return id, nil
}

// ListActive returns every identity not soft-removed.
func (is *IdentityStore) ListActive(ctx context.Context) ([]*model.AgentIdentity, error) {
	return is.store.ListActiveIdentities(ctx)
}

// Export returns every identity, including soft-removed ones, for
// audit/migration bulk export.
func (is *IdentityStore) Export(ctx context.Context) ([]*model.AgentIdentity, error) {
	return is.store.ListAllIdentities(ctx)
}

// Upsert creates or updates an identity keyed on agent_id. Passing mxid or
// room_id empty leaves the existing value (if any) untouched; passing them
// non-empty attempts to set them and surfaces errs.IdentityConflict on a
// uniqueness violation.
func (is *IdentityStore) Upsert(ctx context.Context, agentID, agentName string, mxid, roomID *string) (*model.AgentIdentity, error) {
	id := &model.AgentIdentity{AgentID: agentID, AgentName: agentName}
	if mxid != nil {
		id.MXID = *mxid
	}
	if roomID != nil {
		id.RoomID = *roomID
	}
	if err := is.store.UpsertIdentity(ctx, id); err != nil {
		return nil, translateStoreErr("identity.upsert", err)
	}
	return is.store.GetIdentityByAgentID(ctx, agentID)
}

// MarkRemoved soft-removes an identity from routing scope while retaining
// the row and its room for audit.
func (is *IdentityStore) MarkRemoved(ctx context.Context, agentID string) error {
	if err := is.store.MarkRemoved(ctx, agentID); err != nil {
		return mapNotFound(err, "identity")
	}
	is.log.Info("identity removed", "agent_id", agentID)
	return nil
}

// BindRoom atomically sets an identity's canonical room and its RoomBinding row.
func (is *IdentityStore) BindRoom(ctx context.Context, agentID, roomID, canonicalName, spaceParentID string) error {
	if err := is.store.BindRoom(ctx, agentID, roomID, canonicalName, spaceParentID); err != nil {
		return translateStoreErr("identity.bind_room", err)
	}
	return nil
}

// UpdateCredential refreshes an identity's access_credential, e.g. after
// re-login triggered by AuthExpired.
func (is *IdentityStore) UpdateCredential(ctx context.Context, agentID, token string) error {
	if err := is.store.UpdateCredential(ctx, agentID, token); err != nil {
		return mapNotFound(err, "identity")
	}
	return nil
}

// RoomBinding returns the RoomBinding for a room, or errs.NotFound.
func (is *IdentityStore) RoomBinding(ctx context.Context, roomID string) (*model.RoomBinding, error) {
	rb, err := is.store.GetRoomBinding(ctx, roomID)
	if err != nil {
		return nil, mapNotFound(err, "identity")
	}
	return rb, nil
}

// DeriveLocalpart is exposed on the store too so callers needn't import the
// package-level helper separately when they already hold an *IdentityStore.
func (is *IdentityStore) DeriveLocalpart(agentID string) string {
	return DeriveLocalpart(agentID, is.prefix...)
}

func mapNotFound(err error, component string) error {
	if err == store.ErrNotFound {
		return errs.New(component, errs.NotFound, "identity not found")
	}
	return fmt.Errorf("%s: %w", component, err)
}

func translateStoreErr(component string, err error) error {
	if errs.Is(err, errs.IdentityConflict) {
		return err
	}
	var te *errs.TracedError
	if ok := asTraced(err, &te); ok {
		return te
	}
	return errs.Wrap(component, errs.TransientUpstream, err)
}

func asTraced(err error, target **errs.TracedError) bool {
	for e := err; e != nil; {
		if te, ok := e.(*errs.TracedError); ok {
			*target = te
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
