// Package webhook implements the Webhook Ingress: the HTTP endpoint
// receiving asynchronous agent-completion events, verifying the
// `t=<unix>,v1=<hex>` HMAC-SHA256 signature, deduplicating on
// (agent_id, run_id), and handing the extracted content to the Delivery
// Arbiter. Builds a replay-windowed request-signing scheme on the same
// HMAC sign/verify idiom a one-time provisioning-token signature would use.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/bridge/internal/arbiter"
	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
	"github.com/agentbridge/bridge/pkg/metrics"
)

// VerifyMode selects whether signature verification is enforced.
type VerifyMode string

const (
	VerifyEnforce VerifyMode = "enforce"
	VerifyBypass  VerifyMode = "bypass"
)

// GatewayForAgent resolves the authenticated Gateway to post as a given
// agent identity.
type GatewayForAgent interface {
	GatewayForAgentID(ctx context.Context, agentID string) (*gateway.Gateway, *model.AgentIdentity, error)
}

// Ingress is the Webhook Ingress HTTP handler.
type Ingress struct {
	secret          []byte
	mode            VerifyMode
	replayWindow    time.Duration
	requestDeadline time.Duration
	dedupWindow     time.Duration
	arbiter         *arbiter.Arbiter
	identities      GatewayForAgent
	log             *logger.Logger

	mu    sync.Mutex
	seen  map[string]time.Time // (agent_id, run_id) -> first-seen, for the dedup window
}

// Config configures an Ingress.
type Config struct {
	Secret          string
	Mode            VerifyMode
	ReplayWindow    time.Duration
	RequestDeadline time.Duration
	DedupWindow     time.Duration
}

// New constructs a Webhook Ingress.
func New(cfg Config, arb *arbiter.Arbiter, identities GatewayForAgent, log *logger.Logger) *Ingress {
	if log == nil {
		log = logger.Global()
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &Ingress{
		secret:          []byte(cfg.Secret),
		mode:            cfg.Mode,
		replayWindow:    cfg.ReplayWindow,
		requestDeadline: cfg.RequestDeadline,
		dedupWindow:     cfg.DedupWindow,
		arbiter:         arb,
		identities:      identities,
		log:             log.WithComponent("webhook"),
		seen:            make(map[string]time.Time),
	}
}

// payload is the agent-completion shape this endpoint accepts.
type payload struct {
	AgentID  string            `json:"agent_id"`
	RunID    string            `json:"run_id"`
	RoomID   string            `json:"room_id"`
	Messages []json.RawMessage `json:"messages"`
}

// ServeHTTP implements the POST /webhooks/agent-response contract.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), in.requestDeadline)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if in.mode == VerifyEnforce {
		sig := r.Header.Get("X-Bridge-Signature")
		ok, reason := in.verify(sig, body)
		if !ok {
			sl := logger.NewSecurityLogger(in.log)
			sl.LogWebhookSignatureRejected(ctx, "", reason)
			metrics.WebhookRequests.WithLabelValues("rejected").Inc()
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.AgentID == "" || p.RunID == "" {
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	dedupKey := p.AgentID + ":" + p.RunID
	if in.isDuplicate(dedupKey) {
		metrics.WebhookRequests.WithLabelValues("duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	content := extractAssistantContent(p.Messages)
	if content == "" {
		metrics.WebhookRequests.WithLabelValues("accepted").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	gw, ag, err := in.identities.GatewayForAgentID(ctx, p.AgentID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			metrics.WebhookRequests.WithLabelValues("rejected").Inc()
			http.Error(w, "unknown agent", http.StatusBadRequest)
			return
		}
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "resolving agent", http.StatusBadGateway)
		return
	}
	roomID := p.RoomID
	if roomID == "" {
		roomID = ag.RoomID
	}

	res, err := in.arbiter.Submit(ctx, arbiter.Submission{
		AgentID:    p.AgentID,
		LogicalKey: dedupKey,
		Source:     model.SourceWebhook,
		RoomID:     roomID,
		Content:    content,
	}, gw)
	if err != nil {
		// Webhook Ingress never partially posts: the record is already
		// marked failed by the arbiter, so a non-2xx tells the runtime to retry.
		metrics.WebhookRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "delivery failed", http.StatusBadGateway)
		return
	}

	if res.Suppressed {
		metrics.DeliverySuppressed.Inc()
	}
	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusOK)
}

func (in *Ingress) verify(sigHeader string, body []byte) (bool, string) {
	if sigHeader == "" {
		return false, "missing_signature"
	}
	parts := strings.Split(sigHeader, ",")
	if len(parts) != 2 {
		return false, "malformed_signature"
	}
	var ts, v1 string
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return false, "malformed_signature"
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == "" || v1 == "" {
		return false, "malformed_signature"
	}

	unixTS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "malformed_timestamp"
	}
	age := time.Since(time.Unix(unixTS, 0))
	if age < 0 {
		age = -age
	}
	if age > in.replayWindow {
		return false, "outside_replay_window"
	}

	mac := hmac.New(sha256.New, in.secret)
	mac.Write([]byte(fmt.Sprintf("%s.", ts)))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return false, "signature_mismatch"
	}
	return true, ""
}

func (in *Ingress) isDuplicate(key string) bool {
	now := time.Now()
	in.mu.Lock()
	defer in.mu.Unlock()
	for k, t := range in.seen {
		if now.Sub(t) > in.dedupWindow {
			delete(in.seen, k)
		}
	}
	if _, ok := in.seen[key]; ok {
		return true
	}
	in.seen[key] = now
	return false
}

// extractAssistantContent scans messages in reverse for the last
// assistant-kind entry and extracts its text: content may be a plain string,
// an array of typed parts (concatenating text-typed parts in order), or an
// object with a "text" field.
func extractAssistantContent(messages []json.RawMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		var m struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(messages[i], &m); err != nil {
			continue
		}
		if m.Role != "assistant" {
			continue
		}
		if text := extractContentText(m.Content); text != "" {
			return text
		}
	}
	return ""
}

func extractContentText(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var asParts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asParts); err == nil {
		var sb strings.Builder
		for _, part := range asParts {
			if part.Type == "text" {
				sb.WriteString(part.Text)
			}
		}
		return sb.String()
	}

	var asObject struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		return asObject.Text
	}
	return ""
}
