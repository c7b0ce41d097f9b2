// Package federation composes the peer transport with event dispatch and
// the remote-discovery workflows: answering inbound peer requests and
// finding which synapse holds a document this node lacks.
package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"synapse/pkg/event"
	"synapse/pkg/ports"
	"synapse/pkg/snp"
	"synapse/pkg/transport"
	"synapse/pkg/types"
)

const (
	EventGetProfile = "profiles:get_profile"
	EventProfile    = "profiles:profile"
	eventAck        = "core:ack"
)

// ProfileKey is the DHT content key under which an agent's profile
// document is advertised.
func ProfileKey(agent types.AgentKey) string {
	return "doc:" + string(agent)
}

// Network is the slice of the transport the service depends on.
// *transport.Transport satisfies it.
type Network interface {
	Self() types.PeerID
	AgentKey() types.AgentKey
	Inbound() <-chan transport.InboundRequest
	Request(ctx context.Context, peer types.PeerID, env *snp.Envelope) (*snp.Envelope, error)
	Respond(ctx context.Context, rc *transport.ResponseChannel, env *snp.Envelope) error
	FindProviders(ctx context.Context, key string) ([]types.PeerInfo, error)
	Announce(ctx context.Context, key string) error
}

// Service wires transport, dispatch and the repositories together.
type Service struct {
	net        Network
	identity   *transport.Identity
	dispatcher *event.Dispatcher
	events     ports.EventStore
	profiles   ports.ProfileStore
	timeout    time.Duration
	logger     *zap.Logger
}

func NewService(net Network, identity *transport.Identity, dispatcher *event.Dispatcher,
	events ports.EventStore, profiles ports.ProfileStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		net:        net,
		identity:   identity,
		dispatcher: dispatcher,
		events:     events,
		profiles:   profiles,
		timeout:    10 * time.Second,
		logger:     logger,
	}
}

// Run consumes inbound envelopes until the context ends. Envelope
// signatures were already verified by the transport; anything arriving
// here is trusted input for dispatch.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case req, ok := <-s.net.Inbound():
			if !ok {
				return
			}
			s.handleInbound(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleInbound(ctx context.Context, req transport.InboundRequest) {
	env := req.Envelope
	if env.Event == nil {
		s.logger.Warn("inbound envelope without event", zap.String("message_id", env.MessageID))
		return
	}

	if err := s.events.Record(ctx, env.Event); err != nil {
		s.logger.Error("record inbound event", zap.Error(err))
	}

	// Multicast deliveries are dispatched and never answered.
	if req.Reply == nil {
		if err := s.dispatcher.Dispatch(ctx, env.Event); err != nil {
			s.logger.Warn("multicast dispatch failed",
				zap.String("event_type", env.Event.EventType), zap.Error(err))
		}
		return
	}

	var response *event.Event
	switch env.Event.EventType {
	case EventGetProfile:
		response = s.serveProfile(ctx, env.Event)
	default:
		if err := s.dispatcher.Dispatch(ctx, env.Event); err != nil {
			s.logger.Warn("dispatch failed",
				zap.String("event_type", env.Event.EventType), zap.Error(err))
		}
		response = event.New(eventAck, s.net.AgentKey())
		response.InReplyTo = env.Event.ID
	}

	out := snp.NewResponse(env, s.net.AgentKey(), response)
	if err := out.Sign(s.identity.Private); err != nil {
		s.logger.Error("sign response", zap.Error(err))
		return
	}
	if err := s.net.Respond(ctx, req.Reply, out); err != nil {
		s.logger.Warn("respond failed", zap.String("message_id", env.MessageID), zap.Error(err))
	}
}

// serveProfile answers a remote profile request from local storage. A
// missing document yields an empty response event, which the requester
// treats as "this provider cannot help".
func (s *Service) serveProfile(ctx context.Context, req *event.Event) *event.Event {
	response := event.New(EventProfile, s.net.AgentKey())
	response.InReplyTo = req.ID
	response.Target = req.Target

	doc, err := s.profiles.GetDoc(ctx, types.AgentKey(req.Target))
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			s.logger.Error("load profile", zap.String("agent", req.Target), zap.Error(err))
		}
		return response
	}
	response.Payload = doc.Body
	return response
}

// FetchProfile resolves an agent's profile: local storage first, then the
// DHT's providers in the order returned, stopping at the first usable
// response. A fetched document is persisted and re-announced so future
// lookups resolve faster. "Nobody has it" is (nil, false, nil), not an
// error.
func (s *Service) FetchProfile(ctx context.Context, agent types.AgentKey) (*types.ProfileDocument, bool, error) {
	if doc, err := s.profiles.GetDoc(ctx, agent); err == nil {
		return doc, true, nil
	} else if !errors.Is(err, ports.ErrNotFound) {
		return nil, false, fmt.Errorf("local profile lookup: %w", err)
	}

	key := ProfileKey(agent)
	providers, err := s.net.FindProviders(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("provider query: %w", err)
	}

	for _, provider := range providers {
		if provider.ID == s.net.Self() {
			continue
		}
		doc, ok := s.fetchFrom(ctx, provider.ID, agent)
		if !ok {
			continue
		}
		if err := s.profiles.UpsertDoc(ctx, doc); err != nil {
			return nil, false, fmt.Errorf("persist fetched profile: %w", err)
		}
		if err := s.net.Announce(ctx, key); err != nil {
			s.logger.Warn("announce fetched profile", zap.Error(err))
		}
		return doc, true, nil
	}

	return nil, false, nil
}

// fetchFrom asks one provider for the document. Transport errors and
// empty or malformed responses both mean "try the next provider".
func (s *Service) fetchFrom(ctx context.Context, peer types.PeerID, agent types.AgentKey) (*types.ProfileDocument, bool) {
	ev := event.New(EventGetProfile, s.net.AgentKey())
	ev.Target = string(agent)

	env := snp.NewRequest(snp.ToSynapse(peer), s.net.AgentKey(), ev)
	if err := env.Sign(s.identity.Private); err != nil {
		s.logger.Error("sign profile request", zap.Error(err))
		return nil, false
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.net.Request(reqCtx, peer, env)
	if err != nil {
		s.logger.Info("provider did not answer",
			zap.String("peer", string(peer)), zap.Error(err))
		return nil, false
	}
	if resp.Event == nil || resp.Event.EventType != EventProfile || len(resp.Event.Payload) == 0 {
		return nil, false
	}

	return &types.ProfileDocument{
		Agent:     agent,
		Body:      resp.Event.Payload,
		UpdatedAt: time.Now().UTC(),
	}, true
}

// CreateLocalEvent builds, validates and records an event originated by a
// local command. Validation failures happen before any storage call.
func (s *Service) CreateLocalEvent(ctx context.Context, eventType string, agent types.AgentKey) (*event.Event, error) {
	ev := event.New(eventType, agent)
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if err := s.events.Record(ctx, ev); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.logger.Warn("local dispatch failed", zap.String("event_type", eventType), zap.Error(err))
	}
	return ev, nil
}
