package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/visualcore/sessionid"
)

// ClientID identifies one connected viewer of a session's stream.
type ClientID string

// FrameKind distinguishes the two things a client's queue can carry.
// streamchannel serializes each differently onto the websocket.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameSequenceReset
)

// ClientFrame is what the Streamer pushes into a client's queue.
// streamchannel drains these and writes the corresponding JSON frame.
type ClientFrame struct {
	Kind            FrameKind
	Event           WireEvent
	ResetSequenceID uint64
}

// clientReg is the Event Streamer's bookkeeping for one registered client
// (spec §3 ClientRegistration). Lock ordering: any code path that needs
// both mu's acquires c.mu first, then the owning Streamer's mu — never the
// reverse — to avoid deadlocking against the ingest loop.
type clientReg struct {
	id       ClientID
	frames   chan ClientFrame
	joinedAt time.Time
	ackedSeq atomic.Uint64

	mu    sync.Mutex
	ready bool
}

// Config configures a Streamer. Zero values take spec-mandated defaults.
type Config struct {
	BufferCapacity int           // ring capacity, default 1000
	ClientQueueCap int           // per-client queue capacity, default 256
	IngestQueueCap int           // default 4096
	SnapshotWait   time.Duration // default 30s
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 1000
	}
	if c.ClientQueueCap <= 0 {
		c.ClientQueueCap = 256
	}
	if c.IngestQueueCap <= 0 {
		c.IngestQueueCap = 4096
	}
	if c.SnapshotWait <= 0 {
		c.SnapshotWait = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is the snapshot spec §4.5 requires the session status endpoint
// to expose.
type Status struct {
	StreamingActive  bool `json:"streaming_active"`
	StreamingReady   bool `json:"streaming_ready"`
	EventsProcessed  uint64 `json:"events_processed"`
	EventsBuffered   int    `json:"events_buffered"`
	ConnectedClients int    `json:"connected_clients"`
}

// Streamer owns one session's ingest queue, sequencer, ring buffer, and
// client registry. Grounded on domwatch/internal/observer.Observer.loop's
// single-consumer-goroutine structure (sequence assignment happens in
// exactly one place) and sink.Router.Send's per-sink error isolation,
// generalized here from "N configured sinks" to "N connected clients"
// (Invariant I-3: a slow client never blocks ingest or other clients).
type Streamer struct {
	sessionID sessionid.ID
	cfg       Config
	logger    *slog.Logger

	ingestQueue chan []byte

	mu      sync.Mutex
	ring    *ring
	nextSeq uint64
	clients map[ClientID]*clientReg

	eventsProcessed atomic.Uint64
	active          atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Streamer for sessionID. Call Start to begin processing.
func New(id sessionid.ID, cfg Config) *Streamer {
	cfg.defaults()
	return &Streamer{
		sessionID:   id,
		cfg:         cfg,
		logger:      cfg.Logger,
		ingestQueue: make(chan []byte, cfg.IngestQueueCap),
		ring:        newRing(cfg.BufferCapacity),
		clients:     make(map[ClientID]*clientReg),
		closed:      make(chan struct{}),
	}
}

// Start launches the single ingest-processing goroutine. It returns when
// ctx is cancelled or Close is called.
func (s *Streamer) Start(ctx context.Context) {
	s.active.Store(true)
	go s.loop(ctx)
}

func (s *Streamer) loop(ctx context.Context) {
	defer s.active.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case raw, ok := <-s.ingestQueue:
			if !ok {
				return
			}
			s.process(raw)
		}
	}
}

// Ingest is the enqueue path's entry point (spec §4.5): the recorder bridge
// payload is pushed here. The send is non-blocking — a full ingest queue
// means the host itself is falling behind, which must never stall the CDP
// binding callback that calls this.
func (s *Streamer) Ingest(raw []byte) {
	select {
	case s.ingestQueue <- raw:
	default:
		s.logger.Warn("streaming: ingest queue full, dropping event", "session_id", s.sessionID)
	}
}

func (s *Streamer) process(raw []byte) {
	ev, err := parseRecorderEvent(raw)
	if err != nil {
		s.logger.Warn("streaming: dropping unparseable event", "error", err)
		return
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	wire := WireEvent{
		SessionID:  s.sessionID,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		Event:      ev,
		SequenceID: seq,
		Metadata:   WireMetadata{IsSnapshot: ev.IsSnapshot()},
	}
	s.ring.append(wire)
	clients := make([]*clientReg, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.eventsProcessed.Add(1)

	for _, c := range clients {
		s.deliverLocked(c, ClientFrame{Kind: FrameEvent, Event: wire})
	}
}

// deliverLocked sends fr to c, applying the slow-client drop-to-snapshot
// policy (spec §4.5) when the queue is full. Takes c.mu.
func (s *Streamer) deliverLocked(c *clientReg, fr ClientFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return
	}

	select {
	case c.frames <- fr:
		return
	default:
	}

	s.resetSlowClient(c)
}

// resetSlowClient drains c's queue, sends a sequence_reset frame anchored
// at the newest buffered snapshot, then replays the snapshot-forward
// suffix, trimmed to fit the queue. Caller holds c.mu.
func (s *Streamer) resetSlowClient(c *clientReg) {
	for {
		select {
		case <-c.frames:
		default:
			goto drained
		}
	}
drained:

	s.mu.Lock()
	snapSeq, ok := s.ring.snapshotSequence()
	var replay []WireEvent
	if ok {
		replay = s.ring.since(snapSeq)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("streaming: slow client with no buffered snapshot to reset to", "client_id", c.id)
		return
	}

	select {
	case c.frames <- ClientFrame{Kind: FrameSequenceReset, ResetSequenceID: snapSeq}:
	default:
		return
	}

	cap := s.cfg.ClientQueueCap - 1
	if len(replay) > cap && cap > 0 {
		replay = append(replay[:1:1], replay[len(replay)-(cap-1):]...)
	}

	for _, ev := range replay {
		select {
		case c.frames <- ClientFrame{Kind: FrameEvent, Event: ev}:
		default:
			return
		}
	}
}

// Register adds a new client and returns the channel the caller (the
// Stream Channel's write pump) should drain. The client does not receive
// any events until ClientReady is called (spec §4.5's client_ready
// handshake).
func (s *Streamer) Register(id ClientID) <-chan ClientFrame {
	c := &clientReg{
		id:       id,
		frames:   make(chan ClientFrame, s.cfg.ClientQueueCap),
		joinedAt: time.Now(),
	}
	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	return c.frames
}

// Unregister removes a client. Outstanding frames in its queue are
// dropped; the caller must stop draining it.
func (s *Streamer) Unregister(id ClientID) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// ClientReady replays the buffered suffix starting at the newest snapshot
// to the named client (Invariant I-4: the first event a client observes
// after client_ready is always a FullSnapshot), then marks it ready to
// receive live events. If no snapshot is buffered yet, it waits up to
// cfg.SnapshotWait for one to arrive.
func (s *Streamer) ClientReady(ctx context.Context, id ClientID) error {
	s.mu.Lock()
	c, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrUnknownClient, Err: fmt.Errorf("client %s not registered", id)}
	}

	snapSeq, err := s.awaitSnapshot(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s.mu.Lock()
	replay := s.ring.since(snapSeq)
	s.mu.Unlock()

	for _, ev := range replay {
		select {
		case c.frames <- ClientFrame{Kind: FrameEvent, Event: ev}:
		default:
			// Already behind on the very first replay; fall back to the
			// same drop-to-snapshot recovery a live slow client gets.
			c.ready = true
			s.resetSlowClient(c)
			return nil
		}
	}
	c.ready = true
	return nil
}

// SequenceResetRequest re-sends the snapshot-anchored suffix to a client
// that asked for it (spec §4.5 sequence_reset_request), without waiting
// for a snapshot — the client is expected to already be streaming.
func (s *Streamer) SequenceResetRequest(id ClientID) error {
	s.mu.Lock()
	c, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrUnknownClient, Err: fmt.Errorf("client %s not registered", id)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetSlowClient(c)
	return nil
}

// Ack records the sequence_id a client has acknowledged (optional
// bookkeeping; spec §3 ClientRegistration.acked_seq).
func (s *Streamer) Ack(id ClientID, seq uint64) {
	s.mu.Lock()
	c, ok := s.clients[id]
	s.mu.Unlock()
	if ok {
		c.ackedSeq.Store(seq)
	}
}

func (s *Streamer) awaitSnapshot(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	seq, ok := s.ring.snapshotSequence()
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	deadline := time.NewTimer(s.cfg.SnapshotWait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, &Error{Kind: ErrSnapshotWaitTime, Err: fmt.Errorf("no snapshot within %s", s.cfg.SnapshotWait)}
		case <-ticker.C:
			s.mu.Lock()
			seq, ok := s.ring.snapshotSequence()
			s.mu.Unlock()
			if ok {
				return seq, nil
			}
		}
	}
}

// Status returns the current session streaming status (spec §4.5).
func (s *Streamer) Status() Status {
	s.mu.Lock()
	buffered := s.ring.size
	ready := s.ring.hasSnapshot()
	connected := len(s.clients)
	s.mu.Unlock()

	return Status{
		StreamingActive:  s.active.Load(),
		StreamingReady:   ready,
		EventsProcessed:  s.eventsProcessed.Load(),
		EventsBuffered:   buffered,
		ConnectedClients: connected,
	}
}

// Close stops the ingest loop. Existing client queues are left to drain by
// their owning writePumps; the caller is responsible for closing those
// connections (spec §5's session-shutdown sequence lives in the session
// package, one layer up).
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}
