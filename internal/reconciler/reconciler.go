// Package reconciler implements the Reconciler: the periodic control loop
// that diffs the live agent roster against the Identity Store and drives
// Matrix provisioning, renames, room repair, and soft-removal. Diffs the
// agent runtime's roster against agent identities on a ticker, and
// validates the Agents Space layout before committing any change to it.
package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/idgen"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
	"github.com/agentbridge/bridge/pkg/metrics"
)

// RuntimeAgent is the authoritative agent roster entry as reported by the
// agent runtime.
type RuntimeAgent struct {
	ID   string
	Name string
}

// RuntimeLister fetches the live agent roster.
type RuntimeLister interface {
	ListAgents(ctx context.Context) ([]RuntimeAgent, error)
}

// SpaceStore is the subset of internal/store.Store the space-pointer
// validate-before-commit rule depends on.
type SpaceStore interface {
	GetAgentsSpace(ctx context.Context) (string, error)
	SetAgentsSpace(ctx context.Context, spaceID string) error
}

// Config configures a Reconciler.
type Config struct {
	Interval        time.Duration
	ServerName      string
	AgentsSpaceName string
	KnownPrefixes   []string
}

// Reconciler is the periodic roster-reconciliation control loop.
type Reconciler struct {
	cfg        Config
	identities *identity.IdentityStore
	pool       *clientpool.Pool
	admin      *gateway.Gateway // admin credential: space mgmt, mediated invites
	runtime    RuntimeLister
	spaces     SpaceStore
	log        *logger.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New constructs a Reconciler.
func New(cfg Config, identities *identity.IdentityStore, pool *clientpool.Pool, admin *gateway.Gateway, runtime RuntimeLister, spaces SpaceStore, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Global()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Reconciler{
		cfg:        cfg,
		identities: identities,
		pool:       pool,
		admin:      admin,
		runtime:    runtime,
		spaces:     spaces,
		log:        log.WithComponent("reconciler"),
		stop:       make(chan struct{}),
	}
}

// Start begins the ticker-driven reconciliation loop. The loop stops when
// ctx is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Tick(ctx); err != nil {
					r.log.Error("reconcile tick failed", "error", err)
				} else {
					metrics.ReconcileTicks.Inc()
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.stop)
		r.running = false
	}
}

// Tick runs exactly one reconciliation cycle.
func (r *Reconciler) Tick(ctx context.Context) error {
	agents, err := r.runtime.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: listing agents: %w", err)
	}
	existing, err := r.identities.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: listing active identities: %w", err)
	}

	byAgentID := make(map[string]*model.AgentIdentity, len(existing))
	for _, id := range existing {
		byAgentID[id.AgentID] = id
	}
	seen := make(map[string]bool, len(agents))

	spaceID, err := r.ensureAgentsSpace(ctx)
	if err != nil {
		r.log.Warn("agents space not available this tick", "error", err)
	}

	for _, ra := range agents {
		seen[ra.ID] = true
		cur, known := byAgentID[ra.ID]
		switch {
		case !known || cur.MXID == "":
			if err := r.provisionNew(ctx, ra, spaceID); err != nil {
				r.log.Error("provisioning new agent failed", "agent_id", ra.ID, "error", err)
			}
		case cur.AgentName != ra.Name:
			if err := r.handleRenamed(ctx, cur, ra.Name); err != nil {
				r.log.Error("renaming agent failed", "agent_id", ra.ID, "error", err)
			}
		default:
			if err := r.validateRoom(ctx, cur, spaceID); err != nil {
				r.log.Error("validating existing agent room failed", "agent_id", ra.ID, "error", err)
			}
		}
	}

	for _, cur := range existing {
		if !seen[cur.AgentID] {
			if err := r.identities.MarkRemoved(ctx, cur.AgentID); err != nil {
				r.log.Error("soft-removing missing agent failed", "agent_id", cur.AgentID, "error", err)
			} else {
				r.pool.Drop(cur.AgentID)
				r.log.Info("agent missing from roster, soft-removed", "agent_id", cur.AgentID)
			}
		}
	}
	return nil
}

func (r *Reconciler) provisionNew(ctx context.Context, ra RuntimeAgent, spaceID string) error {
	localpart := r.identities.DeriveLocalpart(ra.ID)
	mxid := fmt.Sprintf("@%s:%s", localpart, r.cfg.ServerName)

	// Resolve localpart collision: earlier created_at wins, later identity
	// gets a numeric suffix appended to its localpart/mxid.
	if other, err := r.identities.GetByMXID(ctx, mxid); err == nil && other.AgentID != ra.ID {
		suffix := 2
		for {
			candidate := fmt.Sprintf("@%s_%d:%s", localpart, suffix, r.cfg.ServerName)
			if _, err := r.identities.GetByMXID(ctx, candidate); err != nil {
				mxid = candidate
				localpart = localpart + "_" + strconv.Itoa(suffix)
				break
			}
			suffix++
		}
	}

	seed, err := idgen.PasswordSeed()
	if err != nil {
		return fmt.Errorf("generating password seed: %w", err)
	}

	// Provision via a fresh gateway bound to the new localpart; register
	// if the mxid is unclaimed, else login (account pre-exists on the
	// homeserver from a previous run whose identity row was lost).
	provGw, err := gateway.New(gateway.Config{HomeserverURL: r.homeserverURLOf()})
	if err != nil {
		return err
	}
	token, err := provGw.Login(ctx, localpart, seed)
	if err != nil {
		if _, _, regErr := provGw.Register(ctx, localpart, seed, ""); regErr != nil {
			return fmt.Errorf("register/login agent %s: %w", ra.ID, regErr)
		}
		token = provGw.AccessToken()
	}
	provGw.SetAccessToken(token)

	if err := provGw.SetDisplayName(ctx, ra.Name); err != nil {
		r.log.Warn("failed to set display name", "agent_id", ra.ID, "error", err)
	}

	mxidPtr := mxid
	if _, err := r.identities.Upsert(ctx, ra.ID, ra.Name, &mxidPtr, nil); err != nil {
		return fmt.Errorf("persisting new identity: %w", err)
	}
	if err := r.identities.UpdateCredential(ctx, ra.ID, token); err != nil {
		r.log.Warn("failed to persist credential", "agent_id", ra.ID, "error", err)
	}

	roomID, err := r.createRoomAndBind(ctx, provGw, ra.ID, ra.Name, spaceID)
	if err != nil {
		return err
	}

	r.log.Info("agent provisioned", "agent_id", ra.ID, "mxid", mxid, "room_id", roomID)
	return nil
}

// createRoomAndBind creates an agent's canonical room via gw, adds it to the
// Agents Space when spaceID is set, and binds it to the identity (which also
// sets the identity's room_id — see store.BindRoom). Shared by provisionNew
// and validateRoom so a room created during repair is bound exactly like one
// created during initial provisioning.
func (r *Reconciler) createRoomAndBind(ctx context.Context, gw *gateway.Gateway, agentID, agentName, spaceID string) (id.RoomID, error) {
	roomID, err := gw.CreateRoom(ctx, gateway.CreateRoomRequest{
		Name:       model.CanonicalRoomName(agentName),
		Visibility: gateway.VisibilityPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("creating canonical room for %s: %w", agentID, err)
	}
	if spaceID != "" {
		if err := r.addRoomToSpace(ctx, spaceID, roomID); err != nil {
			r.log.Warn("failed to add room to agents space", "agent_id", agentID, "room_id", roomID, "error", err)
		}
	}
	if err := r.identities.BindRoom(ctx, agentID, string(roomID), model.CanonicalRoomName(agentName), spaceID); err != nil {
		return roomID, fmt.Errorf("binding room: %w", err)
	}
	return roomID, nil
}

func (r *Reconciler) handleRenamed(ctx context.Context, cur *model.AgentIdentity, newName string) error {
	oldName := cur.AgentName
	gw, err := r.pool.Get(ctx, cur)
	if err != nil {
		return err
	}
	if cur.RoomID != "" {
		if _, err := gw.SendState(ctx, id.RoomID(cur.RoomID), event.StateRoomName, "", map[string]string{
			"name": model.CanonicalRoomName(newName),
		}); err != nil {
			return fmt.Errorf("updating room name: %w", err)
		}
	}
	empty := ""
	mxidPtr := &empty
	*mxidPtr = cur.MXID
	roomPtr := &empty
	*roomPtr = cur.RoomID
	if _, err := r.identities.Upsert(ctx, cur.AgentID, newName, mxidPtr, roomPtr); err != nil {
		return err
	}
	r.log.Info("agent renamed", "agent_id", cur.AgentID, "old_name", oldName, "new_name", newName)
	return nil
}

func (r *Reconciler) validateRoom(ctx context.Context, cur *model.AgentIdentity, spaceID string) error {
	gw, err := r.pool.Get(ctx, cur)
	if err != nil {
		return err
	}

	if cur.RoomID == "" {
		_, err := r.createRoomAndBind(ctx, gw, cur.AgentID, cur.AgentName, spaceID)
		return err
	}

	if _, err := gw.GetState(ctx, id.RoomID(cur.RoomID)); err != nil {
		switch {
		case errs.Is(err, errs.Forbidden):
			mediateErr := r.mediateInvite(ctx, cur, id.RoomID(cur.RoomID))
			if mediateErr == nil {
				r.log.Info("recovered room access via admin-mediated invite", "agent_id", cur.AgentID, "room_id", cur.RoomID)
				return nil
			}
			r.log.Warn("admin-mediated invite failed, recreating room", "agent_id", cur.AgentID, "room_id", cur.RoomID, "error", mediateErr)
		case errs.Is(err, errs.NotFound):
			r.log.Warn("canonical room missing, recreating", "agent_id", cur.AgentID, "room_id", cur.RoomID)
		default:
			return err
		}
		_, createErr := r.createRoomAndBind(ctx, gw, cur.AgentID, cur.AgentName, spaceID)
		return createErr
	}
	return nil
}

// mediateInvite is the Forbidden repair path: the agent's own session can't
// see or join its canonical room (e.g. it was removed, or never invited
// after an out-of-band room change), so the admin credential invites the
// agent's mxid once and the agent retries the join. Surfaced to the caller
// on failure — validateRoom falls back to recreating the room rather than
// retrying this again.
func (r *Reconciler) mediateInvite(ctx context.Context, cur *model.AgentIdentity, roomID id.RoomID) error {
	if err := r.admin.Invite(ctx, roomID, id.UserID(cur.MXID)); err != nil {
		return fmt.Errorf("admin-mediated invite: %w", err)
	}
	gw, err := r.pool.Get(ctx, cur)
	if err != nil {
		return err
	}
	if _, err := gw.Join(ctx, string(roomID)); err != nil {
		return fmt.Errorf("joining room after admin-mediated invite: %w", err)
	}
	return nil
}

// ensureAgentsSpace validates the currently-pointed Agents Space is still
// reachable; if not, it creates and validates a replacement before
// committing the new pointer, per the loop-prevention invariant — a
// replacement is only committed after a successful second read.
func (r *Reconciler) ensureAgentsSpace(ctx context.Context) (string, error) {
	current, err := r.spaces.GetAgentsSpace(ctx)
	if err == nil && current != "" {
		if _, stateErr := r.admin.GetState(ctx, id.RoomID(current)); stateErr == nil {
			return current, nil
		}
	}

	newSpaceID, createErr := r.admin.CreateRoom(ctx, gateway.CreateRoomRequest{
		Name:       r.cfg.AgentsSpaceName,
		Visibility: gateway.VisibilityPrivate,
		IsSpace:    true,
	})
	if createErr != nil {
		return current, fmt.Errorf("creating replacement agents space: %w", createErr)
	}

	// Validate-before-commit barrier: a second, independent read must
	// succeed before the store's pointer moves.
	if _, stateErr := r.admin.GetState(ctx, id.RoomID(newSpaceID)); stateErr != nil {
		r.log.Warn("replacement agents space failed validation, keeping old pointer", "candidate", newSpaceID, "error", stateErr)
		return current, fmt.Errorf("validating replacement space: %w", stateErr)
	}

	if err := r.spaces.SetAgentsSpace(ctx, string(newSpaceID)); err != nil {
		return current, fmt.Errorf("committing replacement space pointer: %w", err)
	}
	r.log.Info("agents space replaced", "space_id", newSpaceID)
	return string(newSpaceID), nil
}

func (r *Reconciler) addRoomToSpace(ctx context.Context, spaceID string, roomID id.RoomID) error {
	_, err := r.admin.SendState(ctx, id.RoomID(spaceID), event.StateSpaceChild, string(roomID), map[string]interface{}{
		"via": []string{r.cfg.ServerName},
	})
	return err
}

func (r *Reconciler) homeserverURLOf() string {
	return r.admin.HomeserverURL()
}
