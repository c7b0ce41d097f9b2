package transport

import (
	"sync/atomic"

	"synapse/pkg/snp"
	"synapse/pkg/types"
)

// Command is the control surface of the transport. Every other component
// reaches the network exclusively by sending commands; the loop owns all
// connection and DHT state.
type Command interface {
	isCommand()
}

// SNPResult is the single terminal outcome of a request. Exactly one
// result is delivered per SendSNP, success or error, never more.
type SNPResult struct {
	Response *snp.Envelope
	Err      error
}

// SendSNP sends a request envelope to a peer and delivers the correlated
// response (or a TransportError) on Reply.
type SendSNP struct {
	Peer    types.PeerID
	Request *snp.Envelope
	Reply   chan SNPResult
}

// SendResponse completes a previously received inbound request. Completing
// the same request twice is an error, logged and dropped by the loop.
type SendResponse struct {
	Channel  *ResponseChannel
	Response *snp.Envelope
}

// Provide announces this synapse as a holder of the content key.
// Fire-and-forget; visibility in the DHT is eventually consistent.
type Provide struct {
	Key string
}

// QueryProviders asks the DHT which peers advertise the content key. The
// reply is a possibly empty list, delivered within the query timeout; an
// empty list means "no known providers yet", not an error.
type QueryProviders struct {
	Key   string
	Reply chan []types.PeerInfo
}

// Publish fans an envelope out to every connected peer subscribed to its
// multicast topic. Best effort, no acknowledgements.
type Publish struct {
	Envelope *snp.Envelope
}

// ListPeers snapshots the routing table.
type ListPeers struct {
	Reply chan []types.PeerInfo
}

func (SendSNP) isCommand()        {}
func (SendResponse) isCommand()   {}
func (Provide) isCommand()        {}
func (QueryProviders) isCommand() {}
func (Publish) isCommand()        {}
func (ListPeers) isCommand()      {}

// ResponseChannel is the handle for answering one inbound request. It is
// single use; the used flag trips on the first completion.
type ResponseChannel struct {
	peer          types.PeerID
	correlationID string
	local         bool
	used          atomic.Bool
}

// Peer returns the peer the response will be delivered to.
func (rc *ResponseChannel) Peer() types.PeerID { return rc.peer }

// CorrelationID returns the correlation id the response must carry.
func (rc *ResponseChannel) CorrelationID() string { return rc.correlationID }

// InboundRequest is a verified envelope received from the network,
// awaiting application handling. Reply is nil for multicast deliveries,
// which are not answered.
type InboundRequest struct {
	Envelope *snp.Envelope
	Reply    *ResponseChannel
}
