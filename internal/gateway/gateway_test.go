package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/errs"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gw, err := New(Config{HomeserverURL: srv.URL, AccessToken: "test-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return gw, srv
}

func TestWhoamiReturnsUserID(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "@agent_1:example.com"})
	})
	uid, err := gw.Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami() error = %v", err)
	}
	if uid != id.UserID("@agent_1:example.com") {
		t.Errorf("Whoami() = %q, want @agent_1:example.com", uid)
	}
}

func TestSetDisplayNameSendsRequestedName(t *testing.T) {
	var gotBody map[string]string
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})
	if err := gw.SetDisplayName(context.Background(), "Research Bot"); err != nil {
		t.Fatalf("SetDisplayName() error = %v", err)
	}
	if gotBody["displayname"] != "Research Bot" {
		t.Errorf("displayname = %q, want Research Bot", gotBody["displayname"])
	}
}

func TestCreateRoomReturnsRoomID(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!abc:example.com"})
	})
	roomID, err := gw.CreateRoom(context.Background(), CreateRoomRequest{Name: "agent-room", Visibility: VisibilityPrivate})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if roomID != id.RoomID("!abc:example.com") {
		t.Errorf("CreateRoom() = %q, want !abc:example.com", roomID)
	}
}

func TestSendEventReturnsEventID(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$evt1"})
	})
	evtID, err := gw.SendEvent(context.Background(), "!room:example.com", "m.room.message", map[string]string{"msgtype": "m.text", "body": "hi"})
	if err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	if evtID != id.EventID("$evt1") {
		t.Errorf("SendEvent() = %q, want $evt1", evtID)
	}
}

func TestClassifyMapsForbiddenToForbiddenKind(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_FORBIDDEN", "error": "nope"})
	})
	_, err := gw.Whoami(context.Background())
	if !errs.Is(err, errs.Forbidden) {
		t.Errorf("expected errs.Forbidden, got %v", err)
	}
}

func TestClassifyMapsRateLimitToRateLimitedKind(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"errcode": "M_LIMIT_EXCEEDED", "error": "slow down", "retry_after_ms": 10})
	})
	_, err := gw.Whoami(context.Background())
	if !errs.Is(err, errs.RateLimited) {
		t.Errorf("expected errs.RateLimited, got %v", err)
	}
}

func TestRetryRateLimitedStopsOnFirstSuccess(t *testing.T) {
	gw, err := New(Config{HomeserverURL: "http://unused.invalid"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	calls := 0
	err = gw.RetryRateLimited(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RetryRateLimited() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRateLimitedRetriesUntilSuccess(t *testing.T) {
	gw, err := New(Config{HomeserverURL: "http://unused.invalid", MaxRetries: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	calls := 0
	err = gw.RetryRateLimited(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errs.New("gateway", errs.RateLimited, "slow down").WithRetryAfter(time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryRateLimited() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryRateLimitedPropagatesNonRateLimitError(t *testing.T) {
	gw, err := New(Config{HomeserverURL: "http://unused.invalid"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	wantErr := errs.New("gateway", errs.Forbidden, "nope")
	calls := 0
	err = gw.RetryRateLimited(context.Background(), func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Errorf("RetryRateLimited() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for a non-rate-limit error)", calls)
	}
}
