// Package clientpool implements the Client Pool: one authenticated
// Homeserver Gateway session per agent identity, with token-refresh
// de-duplication via singleflight so a burst of AuthExpired errors for the
// same identity triggers exactly one re-login.
package clientpool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

// Pool owns one *gateway.Gateway per active agent identity.
type Pool struct {
	homeserverURL string
	maxRetries    int
	identities    *identity.IdentityStore
	log           *logger.Logger

	mu      sync.RWMutex
	clients map[string]*gateway.Gateway // keyed by agent_id

	group singleflight.Group // de-dupes concurrent re-logins per agent_id
}

// New constructs a Client Pool.
func New(homeserverURL string, maxRetries int, identities *identity.IdentityStore, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Global()
	}
	return &Pool{
		homeserverURL: homeserverURL,
		maxRetries:    maxRetries,
		identities:    identities,
		log:           log.WithComponent("clientpool"),
		clients:       make(map[string]*gateway.Gateway),
	}
}

// Get returns the Gateway for an agent, constructing it from the stored
// access_credential if this is the first use in this process.
func (p *Pool) Get(ctx context.Context, id *model.AgentIdentity) (*gateway.Gateway, error) {
	p.mu.RLock()
	gw, ok := p.clients[id.AgentID]
	p.mu.RUnlock()
	if ok {
		return gw, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gw, ok := p.clients[id.AgentID]; ok {
		return gw, nil
	}
	gw, err := gateway.New(gateway.Config{
		HomeserverURL: p.homeserverURL,
		UserID:        matrixID(id.MXID),
		AccessToken:   id.AccessCredential,
		MaxRetries:    p.maxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("clientpool: constructing gateway for %s: %w", id.AgentID, err)
	}
	p.clients[id.AgentID] = gw
	return gw, nil
}

// Refresh re-logs-in an identity using its password_seed and persists the
// new token, de-duplicating concurrent callers for the same agent_id onto
// one actual login request.
func (p *Pool) Refresh(ctx context.Context, ag *model.AgentIdentity) (*gateway.Gateway, error) {
	v, err, _ := p.group.Do(ag.AgentID, func() (interface{}, error) {
		gw, err := p.Get(ctx, ag)
		if err != nil {
			return nil, err
		}
		token, err := gw.Login(ctx, ag.Localpart, ag.PasswordSeed)
		if err != nil {
			return nil, errs.Wrap("clientpool", errs.AuthExpired, err)
		}
		if err := p.identities.UpdateCredential(ctx, ag.AgentID, token); err != nil {
			p.log.Warn("failed to persist refreshed credential", "agent_id", ag.AgentID, "error", err)
		}
		gw.SetAccessToken(token)
		return gw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gateway.Gateway), nil
}

// Drop evicts a pool entry, e.g. after soft-removal of the identity.
func (p *Pool) Drop(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, agentID)
}

// Size reports the number of live pool entries, for health reporting.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func matrixID(mxid string) id.UserID {
	return id.UserID(mxid)
}
