// Package transport owns the node's network identity, its connection set
// and the DHT used for peer bootstrap and content-provider discovery. All
// connection and DHT state belongs to one processing loop; every other
// component reaches the network through the Command control channel.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"synapse/pkg/event"
	"synapse/pkg/snp"
	"synapse/pkg/types"
)

// Internal DHT exchanges ride ordinary signed SNP envelopes and are
// consumed by the loop before application dispatch.
const (
	dhtAnnounce      = "dht:announce"
	dhtFindProviders = "dht:find_providers"
	dhtProviders     = "dht:providers"
	dhtFindPeers     = "dht:find_peers"
	dhtPeers         = "dht:peers"
)

type peerRecord struct {
	ID        types.PeerID `json:"id"`
	Addresses []string     `json:"addresses,omitempty"`
}

// Config carries the transport's startup inputs. Invalid listen addresses
// and key material are fatal; everything else is recoverable per request.
type Config struct {
	ListenAddress  string
	Bootstrap      []string
	Announce       []string
	Topics         []string
	RequestTimeout time.Duration
	QueryTimeout   time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ProviderTTL    time.Duration
	Fanout         int
	ControlBuffer  int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ProviderTTL <= 0 {
		c.ProviderTTL = 30 * time.Minute
	}
	if c.Fanout <= 0 {
		c.Fanout = 3
	}
	if c.ControlBuffer <= 0 {
		c.ControlBuffer = 64
	}
}

type pendingKind int

const (
	pendingCaller pendingKind = iota
	pendingProviderQuery
	pendingPeerDiscovery
)

type pendingRequest struct {
	kind     pendingKind
	peer     types.PeerID
	reply    chan SNPResult
	query    *providerQuery
	deadline time.Time
}

type providerQuery struct {
	key         string
	reply       chan []types.PeerInfo
	results     map[types.PeerID]struct{}
	outstanding int
	deadline    time.Time
	done        bool
}

type frameEvent struct {
	peer types.PeerID
	conn *secureConn
	env  *snp.Envelope
	err  error
}

type connEvent struct {
	peer     types.PeerID
	conn     *secureConn
	err      error
	outbound bool
}

// Transport is the peer transport actor. Construct with New, start with
// Start, then interact only through the command surface.
type Transport struct {
	cfg    Config
	id     *Identity
	self   types.PeerID
	logger *zap.Logger

	control    chan Command
	frames     chan frameEvent
	connEvents chan connEvent
	inbound    chan InboundRequest

	listener net.Listener

	// Everything below is owned by the run loop. No other goroutine may
	// touch it.
	conns        map[types.PeerID]*secureConn
	table        *routingTable
	providers    *providerTable
	pending      map[string]*pendingRequest
	queries      []*providerQuery
	dialing      map[types.PeerID][]SendSNP
	dialInFlight map[types.PeerID]bool
	seeded       map[types.PeerID]bool
	bootstraps   map[types.PeerID]bool
}

func New(cfg Config, id *Identity, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	t := &Transport{
		cfg:          cfg,
		id:           id,
		self:         id.PeerID(),
		logger:       logger,
		control:      make(chan Command, cfg.ControlBuffer),
		frames:       make(chan frameEvent, cfg.ControlBuffer),
		connEvents:   make(chan connEvent, 16),
		inbound:      make(chan InboundRequest, cfg.ControlBuffer),
		conns:        make(map[types.PeerID]*secureConn),
		table:        newRoutingTable(id.PeerID()),
		providers:    newProviderTable(cfg.ProviderTTL),
		pending:      make(map[string]*pendingRequest),
		dialing:      make(map[types.PeerID][]SendSNP),
		dialInFlight: make(map[types.PeerID]bool),
		seeded:       make(map[types.PeerID]bool),
		bootstraps:   make(map[types.PeerID]bool),
	}
	return t
}

// Self returns the node's peer id.
func (t *Transport) Self() types.PeerID { return t.self }

// AgentKey returns the node's envelope-signing identity.
func (t *Transport) AgentKey() types.AgentKey { return t.id.AgentKey() }

// Inbound delivers verified application envelopes for dispatch.
func (t *Transport) Inbound() <-chan InboundRequest { return t.inbound }

// Start binds the listener and launches the processing loop. An
// unbindable listen address is fatal.
func (t *Transport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		return newErr(ErrInvalidAddress, fmt.Sprintf("listen on %s", t.cfg.ListenAddress), err)
	}
	t.listener = ln
	t.logger.Info("transport listening",
		zap.String("address", ln.Addr().String()),
		zap.String("peer_id", string(t.self)))

	go t.acceptLoop(ctx)
	go t.run(ctx)
	return nil
}

// ListenAddr reports the bound listen address, useful when the configured
// port was 0.
func (t *Transport) ListenAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				t.logger.Debug("accept failed", zap.Error(err))
			}
			return
		}
		go func(raw net.Conn) {
			sc, err := handshake(raw, t.id, t.cfg.Topics)
			if err != nil {
				t.logger.Warn("inbound handshake rejected",
					zap.String("remote", raw.RemoteAddr().String()), zap.Error(err))
				_ = raw.Close()
				return
			}
			select {
			case t.connEvents <- connEvent{peer: sc.peer, conn: sc}:
			case <-ctx.Done():
				_ = sc.close()
			}
		}(conn)
	}
}

// run is the single owner of connection and DHT state.
func (t *Transport) run(ctx context.Context) {
	t.seedBootstrap(ctx)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-t.control:
			t.handleCommand(ctx, cmd)
		case ev := <-t.connEvents:
			t.handleConnEvent(ctx, ev)
		case fr := <-t.frames:
			t.handleFrame(ctx, fr)
		case now := <-ticker.C:
			t.tick(now)
		case <-ctx.Done():
			t.shutdown()
			return
		}
	}
}

// seedBootstrap registers each configured bootstrap address and dials it.
// Malformed addresses and failed dials are logged and skipped; the
// remaining addresses still get their chance.
func (t *Transport) seedBootstrap(ctx context.Context) {
	for _, raw := range t.cfg.Bootstrap {
		ba, err := ParseBootstrapAddress(raw)
		if err != nil {
			t.logger.Warn("skipping bootstrap address", zap.String("address", raw), zap.Error(err))
			continue
		}
		if ba.Peer == t.self {
			continue
		}
		t.table.add(ba.Peer, ba.Addr)
		t.bootstraps[ba.Peer] = true
		t.startDial(ctx, ba.Peer)
	}
}

func (t *Transport) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case SendSNP:
		t.handleSendSNP(ctx, c)
	case SendResponse:
		t.handleSendResponse(c)
	case Provide:
		t.handleProvide(c.Key)
	case QueryProviders:
		t.handleQueryProviders(c)
	case Publish:
		t.handlePublish(c.Envelope)
	case ListPeers:
		c.Reply <- t.table.snapshot()
	default:
		t.logger.Error("unknown control command", zap.Any("command", cmd))
	}
}

func (t *Transport) handleSendSNP(ctx context.Context, cmd SendSNP) {
	env := cmd.Request
	if err := env.Validate(); err != nil {
		cmd.Reply <- SNPResult{Err: newErr(ErrProtocol, "invalid request envelope", err)}
		return
	}

	// Local destinations loop straight back into dispatch; the response
	// completes the pending entry like any network reply.
	if env.Destination.Kind == snp.DestinationLocal || cmd.Peer == t.self {
		t.pending[env.CorrelationID] = &pendingRequest{
			kind:     pendingCaller,
			peer:     t.self,
			reply:    cmd.Reply,
			deadline: time.Now().Add(t.cfg.RequestTimeout),
		}
		t.deliverInbound(InboundRequest{
			Envelope: env,
			Reply:    &ResponseChannel{peer: t.self, correlationID: env.CorrelationID, local: true},
		})
		return
	}

	if conn, ok := t.conns[cmd.Peer]; ok {
		t.dispatchRequest(conn, cmd)
		return
	}

	entry, known := t.table.get(cmd.Peer)
	if !known || len(entry.addresses) == 0 {
		cmd.Reply <- SNPResult{Err: newErr(ErrUnreachable, fmt.Sprintf("no known address for peer %s", cmd.Peer), nil)}
		return
	}

	t.dialing[cmd.Peer] = append(t.dialing[cmd.Peer], cmd)
	t.startDial(ctx, cmd.Peer)
}

// dispatchRequest registers the pending entry and writes the envelope.
// Write failures complete the caller immediately and drop the connection.
func (t *Transport) dispatchRequest(conn *secureConn, cmd SendSNP) {
	t.pending[cmd.Request.CorrelationID] = &pendingRequest{
		kind:     pendingCaller,
		peer:     conn.peer,
		reply:    cmd.Reply,
		deadline: time.Now().Add(t.cfg.RequestTimeout),
	}
	if err := conn.writeEnvelope(cmd.Request, t.cfg.WriteTimeout); err != nil {
		delete(t.pending, cmd.Request.CorrelationID)
		cmd.Reply <- SNPResult{Err: err}
		t.dropConn(conn.peer, conn, err)
	}
}

func (t *Transport) handleSendResponse(cmd SendResponse) {
	rc := cmd.Channel
	if rc.used.Swap(true) {
		t.logger.Error("response channel completed twice",
			zap.String("correlation_id", rc.correlationID))
		return
	}

	if rc.local {
		t.completeCaller(rc.correlationID, SNPResult{Response: cmd.Response})
		return
	}

	conn, ok := t.conns[rc.peer]
	if !ok {
		t.logger.Warn("response undeliverable, peer gone",
			zap.String("peer", string(rc.peer)),
			zap.String("correlation_id", rc.correlationID))
		return
	}
	if err := conn.writeEnvelope(cmd.Response, t.cfg.WriteTimeout); err != nil {
		t.logger.Warn("response write failed", zap.String("peer", string(rc.peer)), zap.Error(err))
		t.dropConn(rc.peer, conn, err)
	}
}

// handleProvide records the local announcement and pushes it to the peers
// closest to the key. Eventually consistent by design.
func (t *Transport) handleProvide(key string) {
	t.providers.add(key, t.self)
	ev := event.New(dhtAnnounce, t.id.AgentKey())
	ev.Target = key
	for _, entry := range t.table.closest(keyOf(key), t.cfg.Fanout, true) {
		conn, ok := t.conns[entry.id]
		if !ok {
			continue
		}
		env := snp.NewRequest(snp.ToSynapse(entry.id), t.id.AgentKey(), ev)
		if err := env.Sign(t.id.Private); err != nil {
			t.logger.Error("sign announce", zap.Error(err))
			return
		}
		if err := conn.writeEnvelope(env, t.cfg.WriteTimeout); err != nil {
			t.dropConn(entry.id, conn, err)
		}
	}
	t.logger.Debug("provider announced", zap.String("key", key))
}

func (t *Transport) handleQueryProviders(cmd QueryProviders) {
	q := &providerQuery{
		key:      cmd.Key,
		reply:    cmd.Reply,
		results:  make(map[types.PeerID]struct{}),
		deadline: time.Now().Add(t.cfg.QueryTimeout),
	}
	for _, peer := range t.providers.get(cmd.Key, time.Now()) {
		q.results[peer] = struct{}{}
	}

	ev := event.New(dhtFindProviders, t.id.AgentKey())
	ev.Target = cmd.Key
	for _, entry := range t.table.closest(keyOf(cmd.Key), t.cfg.Fanout, true) {
		conn, ok := t.conns[entry.id]
		if !ok {
			continue
		}
		env := snp.NewRequest(snp.ToSynapse(entry.id), t.id.AgentKey(), ev)
		if err := env.Sign(t.id.Private); err != nil {
			t.logger.Error("sign provider query", zap.Error(err))
			continue
		}
		if err := conn.writeEnvelope(env, t.cfg.WriteTimeout); err != nil {
			t.dropConn(entry.id, conn, err)
			continue
		}
		t.pending[env.CorrelationID] = &pendingRequest{
			kind:     pendingProviderQuery,
			peer:     entry.id,
			query:    q,
			deadline: q.deadline,
		}
		q.outstanding++
	}

	if q.outstanding == 0 {
		t.finishQuery(q)
		return
	}
	t.queries = append(t.queries, q)
}

func (t *Transport) handlePublish(env *snp.Envelope) {
	if env.Destination.Kind != snp.DestinationMulticast {
		t.logger.Error("publish requires a multicast destination",
			zap.String("kind", string(env.Destination.Kind)))
		return
	}
	sent := 0
	for peer, conn := range t.conns {
		if !conn.subscribed(env.Destination.Topic) {
			continue
		}
		if err := conn.writeEnvelope(env, t.cfg.WriteTimeout); err != nil {
			t.dropConn(peer, conn, err)
			continue
		}
		sent++
	}
	t.logger.Debug("multicast published",
		zap.String("topic", env.Destination.Topic), zap.Int("peers", sent))
}

func (t *Transport) handleConnEvent(ctx context.Context, ev connEvent) {
	if ev.outbound {
		delete(t.dialInFlight, ev.peer)
	}
	if ev.err != nil {
		queued := t.dialing[ev.peer]
		delete(t.dialing, ev.peer)
		for _, cmd := range queued {
			cmd.Reply <- SNPResult{Err: ev.err}
		}
		t.logger.Info("peer dial failed", zap.String("peer", string(ev.peer)), zap.Error(ev.err))
		return
	}

	conn := ev.conn
	if existing, ok := t.conns[conn.peer]; ok && existing != conn {
		// Simultaneous dial; keep the established channel.
		_ = conn.close()
		conn = existing
	} else {
		t.conns[conn.peer] = conn
		t.table.add(conn.peer, remoteAddr(conn))
		t.table.setConnected(conn.peer, true)
		go t.readLoop(ctx, conn)
		t.logger.Info("peer connected",
			zap.String("peer", string(conn.peer)),
			zap.Bool("outbound", ev.outbound))
	}

	queued := t.dialing[conn.peer]
	delete(t.dialing, conn.peer)
	for _, cmd := range queued {
		t.dispatchRequest(conn, cmd)
	}

	// One self-discovery round per bootstrap peer.
	if t.bootstraps[conn.peer] && !t.seeded[conn.peer] {
		t.seeded[conn.peer] = true
		t.sendFindPeers(conn)
	}
}

// sendFindPeers asks a freshly connected bootstrap peer who lives near us.
func (t *Transport) sendFindPeers(conn *secureConn) {
	ev := event.New(dhtFindPeers, t.id.AgentKey())
	ev.Target = string(t.self)
	env := snp.NewRequest(snp.ToSynapse(conn.peer), t.id.AgentKey(), ev)
	if err := env.Sign(t.id.Private); err != nil {
		t.logger.Error("sign find_peers", zap.Error(err))
		return
	}
	if err := conn.writeEnvelope(env, t.cfg.WriteTimeout); err != nil {
		t.dropConn(conn.peer, conn, err)
		return
	}
	t.pending[env.CorrelationID] = &pendingRequest{
		kind:     pendingPeerDiscovery,
		peer:     conn.peer,
		deadline: time.Now().Add(t.cfg.QueryTimeout),
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *secureConn) {
	for {
		env, err := conn.readEnvelope()
		fe := frameEvent{peer: conn.peer, conn: conn, env: env, err: err}
		select {
		case t.frames <- fe:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) handleFrame(ctx context.Context, fr frameEvent) {
	if fr.err != nil {
		t.dropConn(fr.peer, fr.conn, fr.err)
		return
	}

	env := fr.env
	if err := env.Verify(); err != nil {
		// A bad envelope is dropped, never dispatched. The peer stays
		// connected; one malformed message must not cost the channel.
		t.logger.Warn("dropping unverifiable envelope",
			zap.String("peer", string(fr.peer)),
			zap.String("message_id", env.MessageID),
			zap.Error(err))
		return
	}

	if env.CorrelationID != env.MessageID {
		t.handleResponse(fr.peer, env)
		return
	}

	if env.Destination.Kind == snp.DestinationMulticast {
		t.deliverInbound(InboundRequest{Envelope: env})
		return
	}

	switch eventType(env) {
	case dhtAnnounce:
		t.providers.add(env.Event.Target, snp.PeerIDFromAgent(env.Sender))
	case dhtFindProviders:
		t.respondProviders(fr.peer, env)
	case dhtFindPeers:
		t.respondPeers(fr.peer, env)
	default:
		t.deliverInbound(InboundRequest{
			Envelope: env,
			Reply:    &ResponseChannel{peer: fr.peer, correlationID: env.CorrelationID},
		})
	}
}

func (t *Transport) handleResponse(peer types.PeerID, env *snp.Envelope) {
	p, ok := t.pending[env.CorrelationID]
	if !ok {
		t.logger.Debug("stray response", zap.String("correlation_id", env.CorrelationID))
		return
	}
	delete(t.pending, env.CorrelationID)

	switch p.kind {
	case pendingCaller:
		p.reply <- SNPResult{Response: env}
	case pendingProviderQuery:
		for _, rec := range decodePeerRecords(env) {
			if rec.ID == t.self {
				continue
			}
			t.table.add(rec.ID, rec.Addresses...)
			p.query.results[rec.ID] = struct{}{}
		}
		p.query.outstanding--
		if p.query.outstanding == 0 {
			t.finishQuery(p.query)
		}
	case pendingPeerDiscovery:
		for _, rec := range decodePeerRecords(env) {
			if rec.ID == t.self {
				continue
			}
			t.table.add(rec.ID, rec.Addresses...)
		}
	}
}

func (t *Transport) respondProviders(peer types.PeerID, req *snp.Envelope) {
	key := req.Event.Target
	records := make([]peerRecord, 0)
	for _, id := range t.providers.get(key, time.Now()) {
		rec := peerRecord{ID: id}
		if id == t.self {
			rec.Addresses = t.announceAddresses()
		} else if entry, ok := t.table.get(id); ok {
			rec.Addresses = entry.addresses
		}
		records = append(records, rec)
	}
	t.writeRecordsResponse(peer, req, dhtProviders, records)
}

func (t *Transport) respondPeers(peer types.PeerID, req *snp.Envelope) {
	records := make([]peerRecord, 0)
	for _, entry := range t.table.closest(keyOf(req.Event.Target), t.cfg.Fanout*2, false) {
		if entry.id == peer {
			continue
		}
		records = append(records, peerRecord{ID: entry.id, Addresses: entry.addresses})
	}
	t.writeRecordsResponse(peer, req, dhtPeers, records)
}

func (t *Transport) writeRecordsResponse(peer types.PeerID, req *snp.Envelope, eventType string, records []peerRecord) {
	payload, err := json.Marshal(records)
	if err != nil {
		t.logger.Error("encode peer records", zap.Error(err))
		return
	}
	ev := event.New(eventType, t.id.AgentKey())
	ev.Target = req.Event.Target
	ev.Payload = payload

	env := snp.NewResponse(req, t.id.AgentKey(), ev)
	if err := env.Sign(t.id.Private); err != nil {
		t.logger.Error("sign dht response", zap.Error(err))
		return
	}
	conn, ok := t.conns[peer]
	if !ok {
		return
	}
	if err := conn.writeEnvelope(env, t.cfg.WriteTimeout); err != nil {
		t.dropConn(peer, conn, err)
	}
}

func (t *Transport) deliverInbound(req InboundRequest) {
	select {
	case t.inbound <- req:
	default:
		t.logger.Warn("inbound queue full, dropping request",
			zap.String("message_id", req.Envelope.MessageID))
		if req.Reply != nil && req.Reply.local {
			t.completeCaller(req.Reply.correlationID,
				SNPResult{Err: newErr(ErrOther, "inbound queue full", nil)})
		}
	}
}

func (t *Transport) completeCaller(correlationID string, res SNPResult) {
	p, ok := t.pending[correlationID]
	if !ok || p.kind != pendingCaller {
		t.logger.Debug("no pending caller for correlation",
			zap.String("correlation_id", correlationID))
		return
	}
	delete(t.pending, correlationID)
	p.reply <- res
}

func (t *Transport) finishQuery(q *providerQuery) {
	if q.done {
		return
	}
	q.done = true

	target := keyOf(q.key)
	ids := make([]types.PeerID, 0, len(q.results))
	for id := range q.results {
		ids = append(ids, id)
	}
	// Fallback order for callers: ascending XOR distance from the key.
	sortByDistance(ids, target)

	out := make([]types.PeerInfo, 0, len(ids))
	for _, id := range ids {
		info := types.PeerInfo{ID: id, Connected: id == t.self}
		if id == t.self {
			info.Addresses = t.announceAddresses()
		} else if entry, ok := t.table.get(id); ok {
			info.Addresses = append([]string(nil), entry.addresses...)
			info.Connected = entry.connected
		}
		out = append(out, info)
	}
	q.reply <- out
}

func (t *Transport) tick(now time.Time) {
	for id, p := range t.pending {
		if now.Before(p.deadline) {
			continue
		}
		delete(t.pending, id)
		switch p.kind {
		case pendingCaller:
			p.reply <- SNPResult{Err: newErr(ErrUnreachable,
				fmt.Sprintf("request to %s timed out", p.peer), nil)}
		case pendingProviderQuery:
			p.query.outstanding--
			if p.query.outstanding == 0 {
				t.finishQuery(p.query)
			}
		}
	}

	live := t.queries[:0]
	for _, q := range t.queries {
		if !q.done && now.After(q.deadline) {
			t.finishQuery(q)
		}
		if !q.done {
			live = append(live, q)
		}
	}
	t.queries = live

	t.providers.expire(now)
}

// dropConn tears down one specific connection. A late failure reported by
// a connection that was already replaced closes only the stale channel;
// its successor and the peer's routing state stay untouched.
func (t *Transport) dropConn(peer types.PeerID, conn *secureConn, cause error) {
	_ = conn.close()
	if current, ok := t.conns[peer]; !ok || current != conn {
		return
	}
	delete(t.conns, peer)
	t.table.setConnected(peer, false)
	t.logger.Info("peer disconnected", zap.String("peer", string(peer)), zap.Error(cause))
}

func (t *Transport) startDial(ctx context.Context, peer types.PeerID) {
	if t.dialInFlight[peer] {
		return
	}
	entry, ok := t.table.get(peer)
	if !ok || len(entry.addresses) == 0 {
		return
	}
	t.dialInFlight[peer] = true
	addrs := append([]string(nil), entry.addresses...)

	go func() {
		var lastErr error = newErr(ErrUnreachable, fmt.Sprintf("no address for %s", peer), nil)
		for _, addr := range addrs {
			raw, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
			if err != nil {
				lastErr = newErr(ErrUnreachable, fmt.Sprintf("dial %s", addr), err)
				continue
			}
			sc, err := handshake(raw, t.id, t.cfg.Topics)
			if err != nil {
				_ = raw.Close()
				lastErr = err
				continue
			}
			if sc.peer != peer {
				_ = sc.close()
				lastErr = newErr(ErrHandshake,
					fmt.Sprintf("peer at %s identified as %s, expected %s", addr, sc.peer, peer), nil)
				continue
			}
			select {
			case t.connEvents <- connEvent{peer: peer, conn: sc, outbound: true}:
			case <-ctx.Done():
				_ = sc.close()
			}
			return
		}
		select {
		case t.connEvents <- connEvent{peer: peer, err: lastErr, outbound: true}:
		case <-ctx.Done():
		}
	}()
}

func (t *Transport) shutdown() {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	for peer, conn := range t.conns {
		_ = conn.close()
		delete(t.conns, peer)
	}
	for id, p := range t.pending {
		delete(t.pending, id)
		if p.kind == pendingCaller {
			p.reply <- SNPResult{Err: newErr(ErrUnreachable, "transport shutting down", nil)}
		}
	}
	for _, q := range t.queries {
		t.finishQuery(q)
	}
	t.queries = nil
	t.logger.Info("transport stopped")
}

func (t *Transport) announceAddresses() []string {
	if len(t.cfg.Announce) > 0 {
		return t.cfg.Announce
	}
	if addr := t.ListenAddr(); addr != "" {
		return []string{addr}
	}
	return nil
}

func eventType(env *snp.Envelope) string {
	if env.Event == nil {
		return ""
	}
	return env.Event.EventType
}

func decodePeerRecords(env *snp.Envelope) []peerRecord {
	if env.Event == nil || len(env.Event.Payload) == 0 {
		return nil
	}
	var records []peerRecord
	if err := json.Unmarshal(env.Event.Payload, &records); err != nil {
		return nil
	}
	return records
}

func remoteAddr(conn *secureConn) string {
	if conn.raw == nil || conn.raw.RemoteAddr() == nil {
		return ""
	}
	return conn.raw.RemoteAddr().String()
}
