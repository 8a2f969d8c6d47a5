// Package peerbridge implements the Peer Bridge: registration and
// TTL-refresh bookkeeping for peer-bridged tooling sessions (e.g. a CLI
// agent running against a working directory) that want to participate in
// the same rooms without going through the agent runtime. Advertises its
// registration endpoint over mDNS so peer tooling on the same LAN can find
// it without configuration, backed by a TTL-refreshed PeerRegistration
// store.
package peerbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/agentbridge/bridge/internal/idgen"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

const mdnsServiceName = "_agentbridge-peer._tcp."
const mdnsDomain = "local."

// RegistrationStore is the subset of internal/store.Store the Peer Bridge needs.
type RegistrationStore interface {
	UpsertPeerRegistration(ctx context.Context, reg *model.PeerRegistration) error
	ListLivePeerRegistrations(ctx context.Context, ttl time.Duration) ([]*model.PeerRegistration, error)
	PurgeStalePeerRegistrations(ctx context.Context, ttl time.Duration) (int64, error)
}

// Bridge is the Peer Bridge component: HTTP registration surface plus
// optional mDNS advertisement so peer tooling can find it on the LAN.
type Bridge struct {
	store      RegistrationStore
	ttl        time.Duration
	log        *logger.Logger
	mdnsServer *mdns.Server
}

// New constructs a Peer Bridge.
func New(store RegistrationStore, ttl time.Duration, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Global()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Bridge{store: store, ttl: ttl, log: log.WithComponent("peerbridge")}
}

// registerRequest is the POST /peers/register body.
type registerRequest struct {
	SessionID string   `json:"session_id"`
	Directory string   `json:"directory"`
	Port      int      `json:"listen_port"`
	Rooms     []string `json:"rooms"`
}

// ServeHTTP handles peer registration and refresh; a fresh session_id is
// assigned when the request omits one.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = idgen.SessionID()
	}
	reg := &model.PeerRegistration{
		SessionID:  req.SessionID,
		Directory:  req.Directory,
		ListenPort: req.Port,
		Rooms:      req.Rooms,
		LastSeen:   time.Now().UTC(),
	}
	if err := b.store.UpsertPeerRegistration(r.Context(), reg); err != nil {
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"session_id": reg.SessionID})
}

// LivePeers returns registrations refreshed within the configured TTL.
func (b *Bridge) LivePeers(ctx context.Context) ([]*model.PeerRegistration, error) {
	return b.store.ListLivePeerRegistrations(ctx, b.ttl)
}

// StartSweeper purges stale registrations on an interval until ctx is cancelled.
func (b *Bridge) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = b.ttl
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := b.store.PurgeStalePeerRegistrations(ctx, b.ttl)
				if err != nil {
					b.log.Error("peer registration sweep failed", "error", err)
					continue
				}
				if n > 0 {
					b.log.Info("purged stale peer registrations", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// AdvertiseOnLAN starts mDNS advertisement of the registration endpoint so
// peer tooling on the same network can discover it without configuration.
func (b *Bridge) AdvertiseOnLAN(instanceName string, port int) error {
	service, err := mdns.NewMDNSService(instanceName, mdnsServiceName, mdnsDomain, "", port, nil, []string{"agentbridge peer registration"})
	if err != nil {
		return fmt.Errorf("peerbridge: constructing mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("peerbridge: starting mdns server: %w", err)
	}
	b.mdnsServer = server
	b.log.Info("peer bridge advertising on LAN", "instance", instanceName, "port", port)
	return nil
}

// StopAdvertising shuts down mDNS advertisement, if running.
func (b *Bridge) StopAdvertising() error {
	if b.mdnsServer == nil {
		return nil
	}
	return b.mdnsServer.Shutdown()
}
