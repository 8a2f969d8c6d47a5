// Package syncengine implements the Sync Engine: drives one identity's
// homeserver long-poll, persists its resume cursor, and emits normalized
// IncomingEvents. Long-polls with a server-side timeout rather than a fixed
// ticker interval, keeps a cold-start watermark that drops pre-start history,
// and persists the cursor after each emitted batch so a restart resumes from
// the last persisted cursor. A failed sync cycle restarts from a fresh
// cursor; events that arrived in the gap are not emitted.
package syncengine

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/errs"
	"github.com/agentbridge/bridge/internal/gateway"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
)

// CursorStore is the subset of internal/store.Store the Sync Engine needs.
type CursorStore interface {
	GetSyncCursor(ctx context.Context, scope string) (*model.SyncCursor, error)
	SetSyncCursor(ctx context.Context, scope, token string) error
}

// Engine drives sync for one identity scope.
type Engine struct {
	scope      string
	identity   *model.AgentIdentity
	pool       *clientpool.Pool
	cursors    CursorStore
	syncTimeout time.Duration
	out        chan<- *model.IncomingEvent
	log        *logger.Logger

	mu        sync.Mutex
	watermark int64 // cold-start watermark in ms; events before this are dropped
	running   bool
	stop      chan struct{}
}

// New constructs a Sync Engine for one identity, publishing normalized
// events onto out. out is never closed by the engine.
func New(scope string, ag *model.AgentIdentity, pool *clientpool.Pool, cursors CursorStore, syncTimeout time.Duration, out chan<- *model.IncomingEvent, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	return &Engine{
		scope:       scope,
		identity:    ag,
		pool:        pool,
		cursors:     cursors,
		syncTimeout: syncTimeout,
		out:         out,
		log:         log.WithComponent("syncengine").WithSessionID(scope),
		stop:        make(chan struct{}),
	}
}

// Start begins the sync loop in a new goroutine. It returns once the
// initial cursor (or cold start) is established, or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	cursor, err := e.cursors.GetSyncCursor(ctx, e.scope)
	since := ""
	if err == nil {
		since = cursor.Token
	} else {
		e.watermark = time.Now().UnixMilli()
	}

	gw, err := e.pool.Get(ctx, e.identity)
	if err != nil {
		return err
	}

	if since == "" {
		// Zero-limit initial sync: obtain a fresh cursor without
		// processing any historical timeline content.
		var result *gateway.SyncResult
		if err := gw.RetryRateLimited(ctx, func() error {
			var syncErr error
			result, syncErr = gw.Sync(ctx, "", 0)
			return syncErr
		}); err != nil {
			return err
		}
		since = result.NextBatch
		e.watermark = time.Now().UnixMilli()
		if err := e.cursors.SetSyncCursor(ctx, e.scope, since); err != nil {
			e.log.Warn("failed to persist initial cursor", "error", err)
		}
	}

	go e.loop(ctx, since)
	return nil
}

// Stop halts the sync loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		close(e.stop)
		e.running = false
	}
}

func (e *Engine) loop(ctx context.Context, since string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		default:
		}

		gw, err := e.pool.Get(ctx, e.identity)
		if err != nil {
			e.log.Error("client pool lookup failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var result *gateway.SyncResult
		err = gw.RetryRateLimited(ctx, func() error {
			var syncErr error
			result, syncErr = gw.Sync(ctx, since, e.syncTimeout)
			return syncErr
		})
		if err != nil {
			switch {
			case errs.Is(err, errs.AuthExpired):
				refreshed, refreshErr := e.pool.Refresh(ctx, e.identity)
				if refreshErr != nil {
					e.log.Error("credential refresh failed", "error", refreshErr)
					time.Sleep(time.Second)
					continue
				}
				_ = refreshed
				continue
			case ctx.Err() != nil:
				return
			default:
				// Timeout/transient: restart from a fresh initial sync
				// rather than stalling; the watermark moves forward,
				// deliberately trading possibly-stale events for
				// availability.
				e.log.Warn("sync cycle failed, restarting from fresh cursor", "error", err)
				fresh, freshErr := gw.Sync(ctx, "", 0)
				if freshErr != nil {
					time.Sleep(time.Second)
					continue
				}
				since = fresh.NextBatch
				e.watermark = time.Now().UnixMilli()
				if setErr := e.cursors.SetSyncCursor(ctx, e.scope, since); setErr != nil {
					e.log.Warn("failed to persist restarted cursor", "error", setErr)
				}
				continue
			}
		}

		e.emit(result.Rooms)

		since = result.NextBatch
		if err := e.cursors.SetSyncCursor(ctx, e.scope, since); err != nil {
			e.log.Error("failed to persist cursor after processing batch", "error", err)
		}
	}
}

func (e *Engine) emit(rooms map[id.RoomID][]*event.Event) {
	for roomID, events := range rooms {
		for _, evt := range events {
			if evt.Timestamp < e.watermark {
				continue // cold-start watermark: drop pre-start history
			}
			e.out <- normalize(roomID, evt)
		}
	}
}

func normalize(roomID id.RoomID, evt *event.Event) *model.IncomingEvent {
	kind := model.EventKindUnknown
	switch evt.Type {
	case event.EventMessage:
		kind = model.EventKindMessage
	case event.EventReaction:
		kind = model.EventKindReaction
	default:
		if evt.StateKey != nil {
			kind = model.EventKindStateChange
		}
	}
	content := map[string]interface{}{}
	if evt.Content.Raw != nil {
		content = evt.Content.Raw
	}
	return &model.IncomingEvent{
		Kind:     kind,
		EventID:  string(evt.ID),
		RoomID:   string(roomID),
		Sender:   string(evt.Sender),
		Type:     evt.Type.Type,
		Content:  content,
		OriginTS: evt.Timestamp,
	}
}
