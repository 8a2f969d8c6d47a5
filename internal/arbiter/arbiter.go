// Package arbiter implements the Delivery Arbiter: the component
// guaranteeing at-most-one visible Matrix send per logical completion key,
// regardless of how many ingress paths (streaming terminal, webhook, peer
// bridge) observe it. A claim-then-commit protocol over a persisted
// in-flight record lets every ingress path race to claim the same logical
// key and have exactly one winner.
package arbiter

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/idgen"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

// RecordStore is the subset of internal/store.Store the arbiter depends on.
type RecordStore interface {
	InsertInFlightIfAbsent(ctx context.Context, rec *model.InFlightRecord) (winner *model.InFlightRecord, won bool, err error)
	UpdateInFlightStatus(ctx context.Context, trackingID string, status model.InFlightStatus, committedEventID string) error
	PurgeExpiredInFlight(ctx context.Context, ttl time.Duration) (int64, error)
}

// Submission is one logical assistant message presented to the arbiter.
type Submission struct {
	AgentID    string
	LogicalKey string // e.g. agent_id + ":" + run_id_or_event_id
	Source     model.InFlightSource
	RoomID     string
	Content    string
}

// Result reports what the arbiter did with a Submission.
type Result struct {
	Suppressed bool
	EventID    string
}

// Arbiter is the Delivery Arbiter component.
type Arbiter struct {
	store RecordStore
	ttl   time.Duration
	log   *logger.Logger

	mu sync.Mutex // short critical section only; no suspension while held
}

// New constructs an Arbiter with the given in-flight TTL.
func New(store RecordStore, ttl time.Duration, log *logger.Logger) *Arbiter {
	if log == nil {
		log = logger.Global()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Arbiter{store: store, ttl: ttl, log: log.WithComponent("arbiter")}
}

// Submit claims a logical key and, if this call won the claim, sends sub's
// content to Matrix via gw and records the resulting event id. A losing
// submission is suppressed and never touches the gateway.
func (a *Arbiter) Submit(ctx context.Context, sub Submission, gw *gateway.Gateway) (Result, error) {
	rec := &model.InFlightRecord{
		TrackingID: idgen.TrackingID(),
		AgentID:    sub.AgentID,
		LogicalKey: sub.LogicalKey,
		Source:     sub.Source,
		Status:     model.InFlightPending,
	}

	winner, won, err := a.store.InsertInFlightIfAbsent(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if !won {
		sl := logger.NewSecurityLogger(a.log)
		sl.LogDeliverySuppressed(ctx, sub.AgentID, sub.LogicalKey)
		return Result{Suppressed: true, EventID: winner.CommittedEventID}, nil
	}

	var eventID id.EventID
	sendErr := gw.RetryRateLimited(ctx, func() error {
		var err error
		eventID, err = gw.SendEvent(ctx, id.RoomID(sub.RoomID), "m.room.message", map[string]interface{}{
			"msgtype": "m.text",
			"body":    sub.Content,
		})
		return err
	})
	if sendErr != nil {
		if updErr := a.store.UpdateInFlightStatus(ctx, rec.TrackingID, model.InFlightFailed, ""); updErr != nil {
			a.log.Error("failed to record failed delivery", "tracking_id", rec.TrackingID, "error", updErr)
		}
		return Result{}, errs.Wrap("arbiter", errs.KindOf(sendErr), sendErr)
	}

	if err := a.store.UpdateInFlightStatus(ctx, rec.TrackingID, model.InFlightSent, string(eventID)); err != nil {
		a.log.Error("failed to record sent delivery", "tracking_id", rec.TrackingID, "error", err)
	}
	return Result{EventID: string(eventID)}, nil
}

// StartSweeper runs a background loop purging in-flight records older than
// the configured TTL, until ctx is cancelled.
func (a *Arbiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := a.store.PurgeExpiredInFlight(ctx, a.ttl)
				if err != nil {
					a.log.Error("inflight sweep failed", "error", err)
					continue
				}
				if n > 0 {
					a.log.Info("purged expired inflight records", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
