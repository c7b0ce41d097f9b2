package transport

import (
	"context"

	"synapse/pkg/snp"
	"synapse/pkg/types"
)

// Send queues a control command. A full queue exerts backpressure: the
// caller waits for capacity or its context.
func (t *Transport) Send(ctx context.Context, cmd Command) error {
	select {
	case t.control <- cmd:
		return nil
	case <-ctx.Done():
		return newErr(ErrOther, "control queue", ctx.Err())
	}
}

// Request performs one SendSNP round trip: send the request envelope to
// peer and wait for the single terminal result.
func (t *Transport) Request(ctx context.Context, peer types.PeerID, env *snp.Envelope) (*snp.Envelope, error) {
	reply := make(chan SNPResult, 1)
	if err := t.Send(ctx, SendSNP{Peer: peer, Request: env, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, newErr(ErrUnreachable, "request canceled", ctx.Err())
	}
}

// Respond completes a previously received inbound request.
func (t *Transport) Respond(ctx context.Context, rc *ResponseChannel, env *snp.Envelope) error {
	return t.Send(ctx, SendResponse{Channel: rc, Response: env})
}

// Announce advertises this synapse as a provider of key.
func (t *Transport) Announce(ctx context.Context, key string) error {
	return t.Send(ctx, Provide{Key: key})
}

// FindProviders queries the DHT for peers advertising key. An empty slice
// means no providers are known yet; it is not an error.
func (t *Transport) FindProviders(ctx context.Context, key string) ([]types.PeerInfo, error) {
	reply := make(chan []types.PeerInfo, 1)
	if err := t.Send(ctx, QueryProviders{Key: key, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, newErr(ErrUnreachable, "provider query canceled", ctx.Err())
	}
}

// PublishEnvelope fans a multicast envelope out to connected subscribers.
func (t *Transport) PublishEnvelope(ctx context.Context, env *snp.Envelope) error {
	return t.Send(ctx, Publish{Envelope: env})
}

// Peers snapshots the routing table.
func (t *Transport) Peers(ctx context.Context) ([]types.PeerInfo, error) {
	reply := make(chan []types.PeerInfo, 1)
	if err := t.Send(ctx, ListPeers{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, newErr(ErrOther, "peer listing canceled", ctx.Err())
	}
}
