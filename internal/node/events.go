package node

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/rs/zerolog/log"
)

const deliverTimeout = 10 * time.Second

// Publish broadcasts an application event from this node.
func (s *Service) Publish(ctx context.Context, eventType string, props map[string]any) error {
	s.mu.RLock()
	b := s.bus
	id := s.cfg.NodeID
	s.mu.RUnlock()
	if b == nil || !s.ready.Load() {
		return ErrNotStarted
	}
	return b.Publish(ctx, envelope.New(id, "", envelope.Event{Type: eventType, Properties: props}))
}

func (s *Service) replay(ev envelope.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := s.Publish(ctx, ev.Type, ev.Properties); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("node.Service.replay publish")
	}
}

// handle is the bus subscriber for this node.
func (s *Service) handle(env envelope.Envelope) {
	switch p := env.Payload.(type) {
	case envelope.Event:
		s.handleEvent(env, p)
	case envelope.InstallRequest:
		s.handleInstallRequest(env, p)
	case envelope.InstallResponse:
		log.Info().
			Str("from", env.SourceNode).
			Str("cid", env.CorrelationID).
			Str("code", string(p.Code)).
			Strs("messages", p.Messages).
			Msg("node.Service.handle install response")
	default:
		if c := s.coord.Load(); c != nil {
			c.HandleEnvelope(env)
		}
	}
}

// handleEvent hands ev to every local consumer. An event this node
// published that nothing here consumed becomes a last-resort trigger.
func (s *Service) handleEvent(env envelope.Envelope, ev envelope.Event) {
	s.mu.RLock()
	h := s.host
	id := s.cfg.NodeID
	s.mu.RUnlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	consumers, err := modhost.Consumers(ctx, h, ev.Type)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Type).Msg("node.Service.handleEvent consumers")
		return
	}
	delivered := 0
	if sink, ok := h.(modhost.EventSink); ok {
		for _, u := range consumers {
			err := sink.Deliver(ctx, u.ID, modhost.Event{
				Type:          ev.Type,
				CorrelationID: env.CorrelationID,
				SourceNode:    env.SourceNode,
				Properties:    ev.Properties,
			})
			if err != nil {
				log.Warn().Err(err).Stringer("unit", u).Str("event", ev.Type).Msg("node.Service.handleEvent deliver")
				continue
			}
			delivered++
		}
	} else {
		delivered = len(consumers)
	}
	log.Debug().Str("event", ev.Type).Int("consumers", delivered).Msg("node.Service.handleEvent")

	if delivered > 0 || env.SourceNode != id {
		return
	}
	if c := s.coord.Load(); c != nil {
		c.NotifyLastResort(ev.Type, ev.Properties)
	}
}

// handleInstallRequest runs a remote request on the local installer and
// replies under the request's correlation id.
func (s *Service) handleInstallRequest(env envelope.Envelope, req envelope.InstallRequest) {
	orch := s.installer()
	if orch == nil {
		return
	}
	s.mu.RLock()
	b := s.bus
	id := s.cfg.NodeID
	s.mu.RUnlock()
	log.Info().
		Str("from", env.SourceNode).
		Str("action", string(req.Action)).
		Stringer("sponsor", req.Sponsor).
		Msg("node.Service.handleInstallRequest")
	orch.Submit(req, func(resp installer.Response) {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if err := b.Publish(ctx, env.Reply(id, resp)); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("to", env.SourceNode).Msg("node.Service.handleInstallRequest reply")
		}
	})
}
