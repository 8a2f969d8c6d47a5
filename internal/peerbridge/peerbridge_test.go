package peerbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentbridge/bridge/internal/model"
)

type fakeRegistrationStore struct {
	upserted []*model.PeerRegistration
	upsertErr error
	live     []*model.PeerRegistration
}

func (f *fakeRegistrationStore) UpsertPeerRegistration(ctx context.Context, reg *model.PeerRegistration) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, reg)
	return nil
}

func (f *fakeRegistrationStore) ListLivePeerRegistrations(ctx context.Context, ttl time.Duration) ([]*model.PeerRegistration, error) {
	return f.live, nil
}

func (f *fakeRegistrationStore) PurgeStalePeerRegistrations(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	b := New(&fakeRegistrationStore{}, time.Minute, nil)
	req := httptest.NewRequest(http.MethodGet, "/peers/register", nil)
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServeHTTPRejectsMalformedBody(t *testing.T) {
	b := New(&fakeRegistrationStore{}, time.Minute, nil)
	req := httptest.NewRequest(http.MethodPost, "/peers/register", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTPAssignsSessionIDWhenOmitted(t *testing.T) {
	store := &fakeRegistrationStore{}
	b := New(store, time.Minute, nil)

	body, _ := json.Marshal(registerRequest{Directory: "/home/agent", Port: 9001, Rooms: []string{"!room:example.com"}})
	req := httptest.NewRequest(http.MethodPost, "/peers/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(store.upserted) != 1 {
		t.Fatalf("expected one upsert, got %d", len(store.upserted))
	}
	if store.upserted[0].SessionID == "" {
		t.Error("expected an assigned session id when none was provided")
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["session_id"] != store.upserted[0].SessionID {
		t.Errorf("response session_id = %q, want %q", resp["session_id"], store.upserted[0].SessionID)
	}
}

func TestServeHTTPPreservesProvidedSessionID(t *testing.T) {
	store := &fakeRegistrationStore{}
	b := New(store, time.Minute, nil)

	body, _ := json.Marshal(registerRequest{SessionID: "session-42", Directory: "/home/agent"})
	req := httptest.NewRequest(http.MethodPost, "/peers/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	if store.upserted[0].SessionID != "session-42" {
		t.Errorf("SessionID = %q, want session-42 (explicit id should be preserved)", store.upserted[0].SessionID)
	}
}

func TestNewDefaultsTTLWhenNonPositive(t *testing.T) {
	b := New(&fakeRegistrationStore{}, 0, nil)
	if b.ttl != time.Minute {
		t.Errorf("ttl = %v, want default of 1 minute", b.ttl)
	}
}

func TestLivePeersDelegatesToStore(t *testing.T) {
	want := []*model.PeerRegistration{{SessionID: "s1"}}
	store := &fakeRegistrationStore{live: want}
	b := New(store, time.Minute, nil)

	got, err := b.LivePeers(context.Background())
	if err != nil {
		t.Fatalf("LivePeers() error = %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("LivePeers() = %v, want %v", got, want)
	}
}

func TestStopAdvertisingWithoutStartIsNoop(t *testing.T) {
	b := New(&fakeRegistrationStore{}, time.Minute, nil)
	if err := b.StopAdvertising(); err != nil {
		t.Errorf("StopAdvertising() error = %v, want nil when never advertised", err)
	}
}
