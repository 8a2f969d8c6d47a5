package main

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/agentbridge/bridge/internal/arbiter"
	"github.com/agentbridge/bridge/internal/classify"
	"github.com/agentbridge/bridge/internal/clientpool"
	"github.com/agentbridge/bridge/internal/connector"
	"github.com/agentbridge/bridge/internal/identity"
	"github.com/agentbridge/bridge/internal/model"
	"github.com/agentbridge/bridge/pkg/logger"
	"github.com/agentbridge/bridge/pkg/metrics"
)

// streamPipeline is the glue between the Sync Engines and the rest of the
// bridge: it drains the shared normalized-event channel every Engine writes
// to, classifies each event, and for anything routed to the runtime, calls
// the Connector and arbitrates the assistant's reply back onto Matrix.
type streamPipeline struct {
	classifier *classify.Classifier
	conn       *connector.Connector
	arb        *arbiter.Arbiter
	identities *identity.IdentityStore
	pool       *clientpool.Pool
	log        *logger.Logger

	mu    sync.Mutex
	rooms map[string]bool
}

func newStreamPipeline(classifier *classify.Classifier, conn *connector.Connector, arb *arbiter.Arbiter, identities *identity.IdentityStore, pool *clientpool.Pool, log *logger.Logger) *streamPipeline {
	return &streamPipeline{
		classifier: classifier,
		conn:       conn,
		arb:        arb,
		identities: identities,
		pool:       pool,
		log:        log.WithComponent("pipeline"),
		rooms:      make(map[string]bool),
	}
}

// run drains events until ctx is cancelled, fanning each event out to its
// room's single-producer worker.
func (p *streamPipeline) run(ctx context.Context, events <-chan *model.IncomingEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			q := p.classifier.Enqueue(evt.RoomID, evt)
			p.ensureWorker(ctx, evt.RoomID, q)
		}
	}
}

func (p *streamPipeline) ensureWorker(ctx context.Context, roomID string, q chan *model.IncomingEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[roomID] {
		return
	}
	p.rooms[roomID] = true
	go p.drain(ctx, roomID, q)
}

func (p *streamPipeline) drain(ctx context.Context, roomID string, q chan *model.IncomingEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-q:
			p.handle(ctx, evt)
		}
	}
}

func (p *streamPipeline) handle(ctx context.Context, evt *model.IncomingEvent) {
	decision, err := p.classifier.Classify(ctx, evt)
	if err != nil {
		p.log.Error("classify failed", "room_id", evt.RoomID, "error", err)
		return
	}
	if decision.Destination != classify.DestinationRuntime {
		return
	}

	text := messageBody(decision.Event)
	if text == "" {
		return
	}

	handle, err := p.conn.Send(ctx, decision.AgentID, decision.ConversationID, text, map[string]string{
		"room_id":  evt.RoomID,
		"event_id": evt.EventID,
	})
	if err != nil {
		p.log.Error("runtime send failed", "agent_id", decision.AgentID, "error", err)
		return
	}

	reply, err := drainReply(ctx, handle)
	if err != nil {
		p.log.Error("runtime stream failed", "agent_id", decision.AgentID, "error", err)
		return
	}
	if reply == "" {
		return
	}

	ag, err := p.identities.GetByAgentID(ctx, decision.AgentID)
	if err != nil {
		p.log.Error("resolving agent identity failed", "agent_id", decision.AgentID, "error", err)
		return
	}
	gw, err := p.pool.Get(ctx, ag)
	if err != nil {
		p.log.Error("client pool lookup failed", "agent_id", decision.AgentID, "error", err)
		return
	}

	res, err := p.arb.Submit(ctx, arbiter.Submission{
		AgentID:    decision.AgentID,
		LogicalKey: decision.AgentID + ":" + evt.EventID,
		Source:     model.SourceStream,
		RoomID:     evt.RoomID,
		Content:    reply,
	}, gw)
	if err != nil {
		p.log.Error("arbiter delivery failed", "agent_id", decision.AgentID, "error", err)
		return
	}
	if res.Suppressed {
		metrics.DeliverySuppressed.Inc()
		p.log.Debug("delivery suppressed, already committed", "agent_id", decision.AgentID, "event_id", evt.EventID)
	}
}

// drainReply reads a StreamHandle up to its terminal event and returns the
// terminal event's text when it is non-empty, otherwise the concatenation of
// the partial-text events received before it.
func drainReply(ctx context.Context, handle *connector.StreamHandle) (string, error) {
	var sb strings.Builder
	for {
		se, err := handle.Recv(ctx)
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch se.Kind {
		case connector.EventPartialText:
			sb.WriteString(se.Text)
		case connector.EventTerminal:
			if se.Text != "" {
				return se.Text, nil
			}
			return sb.String(), nil
		}
	}
}

// messageBody extracts the plain-text body from a normalized m.room.message
// event's content, the same shape the Matrix client-server API uses.
func messageBody(evt *model.IncomingEvent) string {
	if evt == nil || evt.Content == nil {
		return ""
	}
	body, _ := evt.Content["body"].(string)
	return body
}
