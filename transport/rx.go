package transport

import (
	"sync/atomic"
	"time"
)

// RxConfig bounds the resources of a [Reassembler].
type RxConfig struct {
	// SessionCap is the maximum number of concurrent receive sessions, one
	// per (source, kind, data type) with a transfer in progress.
	SessionCap int
	// TransferTimeout reclaims a session when no continuation frame arrives
	// within the window.
	TransferTimeout time.Duration
}

// NewDefaultRxConfig returns the reassembler defaults.
func NewDefaultRxConfig() RxConfig {
	return RxConfig{
		SessionCap:      128,
		TransferTimeout: 500 * time.Millisecond,
	}
}

// Subscription describes one data type the reassembler accepts. The
// signature seeds the multi-frame transfer CRC; MaxPayload bounds the
// reassembly buffer.
type Subscription struct {
	Kind       Kind
	DataType   DataTypeID
	Signature  uint64
	MaxPayload int
}

// Transfer is a fully reassembled application-level unit: a broadcast
// message or a service request/response.
type Transfer struct {
	Priority    Priority
	Kind        Kind
	DataType    DataTypeID
	Source      NodeID
	Destination NodeID // services only
	TransferID  TransferID
	Timestamp   time.Time // arrival of the first frame
	Payload     []byte
}

// RxStats holds the reassembler diagnostic counters. Transport-layer
// integrity failures are expected lossy-link behavior: they are counted here
// and never surfaced to the application.
type RxStats struct {
	Delivered       atomic.Uint64
	Malformed       atomic.Uint64
	CRCMismatches   atomic.Uint64
	ToggleErrors    atomic.Uint64
	Restarts        atomic.Uint64
	Abandoned       atomic.Uint64
	Orphans         atomic.Uint64
	Overflows       atomic.Uint64
	SessionOverflow atomic.Uint64
	Unsubscribed    atomic.Uint64
}

type subKey struct {
	kind     Kind
	dataType DataTypeID
}

type sessionKey struct {
	source   NodeID
	kind     Kind
	dataType DataTypeID
}

// session is the per-(source, kind, data type) accumulation state of one
// multi-frame transfer.
type session struct {
	tid       TransferID
	toggle    bool // expected toggle of the next frame
	wantCRC   CRC  // captured from the first frame
	buf       []byte
	firstSeen time.Time
	lastSeen  time.Time
}

// Reassembler accumulates frames into complete transfers. It tracks one
// state machine per (source node, kind, data type) key; single-frame
// transfers bypass session state entirely.
type Reassembler struct {
	local    NodeID
	cfg      RxConfig
	subs     map[subKey]Subscription
	sessions map[sessionKey]*session

	Stats RxStats
}

// NewReassembler creates a reassembler for the given local node ID.
func NewReassembler(local NodeID, cfg RxConfig) *Reassembler {
	return &Reassembler{
		local:    local,
		cfg:      cfg,
		subs:     make(map[subKey]Subscription),
		sessions: make(map[sessionKey]*session, cfg.SessionCap),
	}
}

// Subscribe registers a data type for reception. Re-subscribing replaces the
// previous entry.
func (r *Reassembler) Subscribe(sub Subscription) error {
	if sub.Kind >= numKinds || sub.MaxPayload <= 0 {
		return ErrInvalidArgument
	}
	r.subs[subKey{kind: sub.Kind, dataType: sub.DataType}] = sub
	return nil
}

// Unsubscribe removes a data type and discards its in-progress sessions.
func (r *Reassembler) Unsubscribe(kind Kind, dataType DataTypeID) {
	delete(r.subs, subKey{kind: kind, dataType: dataType})
	for key := range r.sessions {
		if key.kind == kind && key.dataType == dataType {
			delete(r.sessions, key)
		}
	}
}

// Accept processes one received frame. It returns the completed transfer
// when the frame finishes one, or nil. Malformed frames and integrity
// failures are counted and swallowed; Accept never fails on wire input.
func (r *Reassembler) Accept(now time.Time, f *Frame) *Transfer {
	fields, tail, payload, err := ParseFrame(f)
	if err != nil {
		r.Stats.Malformed.Add(1)
		return nil
	}
	if fields.Kind.IsService() && fields.Destination != r.local {
		// Unicast traffic for somebody else; not an error.
		return nil
	}
	sub, ok := r.subs[subKey{kind: fields.Kind, dataType: fields.DataType}]
	if !ok {
		r.Stats.Unsubscribed.Add(1)
		return nil
	}

	// Single-frame transfers are delivered immediately, no CRC involved.
	// A pending session from the same sender is a lost transfer; dropping it
	// is normal operation.
	if tail.IsSingleFrame() {
		key := sessionKey{source: fields.Source, kind: fields.Kind, dataType: fields.DataType}
		if _, pending := r.sessions[key]; pending {
			delete(r.sessions, key)
			r.Stats.Restarts.Add(1)
		}
		n := min(len(payload), sub.MaxPayload)
		r.Stats.Delivered.Add(1)
		return &Transfer{
			Priority:    fields.Priority,
			Kind:        fields.Kind,
			DataType:    fields.DataType,
			Source:      fields.Source,
			Destination: fields.Destination,
			TransferID:  tail.TransferID(),
			Timestamp:   now,
			Payload:     append([]byte(nil), payload[:n]...),
		}
	}

	key := sessionKey{source: fields.Source, kind: fields.Kind, dataType: fields.DataType}
	s := r.sessions[key]

	if s != nil && r.cfg.TransferTimeout > 0 && now.Sub(s.lastSeen) > r.cfg.TransferTimeout {
		delete(r.sessions, key)
		r.Stats.Abandoned.Add(1)
		s = nil
	}

	if tail.IsStart() {
		return r.startSession(now, key, sub, tail, payload, s != nil)
	}
	return r.continueSession(now, key, s, sub, fields, tail, payload)
}

// startSession begins accumulating a new multi-frame transfer. The first two
// payload bytes of the first frame carry the transfer CRC.
func (r *Reassembler) startSession(now time.Time, key sessionKey, sub Subscription, tail Tail, payload []byte, hadPending bool) *Transfer {
	if hadPending {
		delete(r.sessions, key)
		r.Stats.Restarts.Add(1)
	}
	if len(r.sessions) >= r.cfg.SessionCap {
		r.Stats.SessionOverflow.Add(1)
		return nil
	}
	s := &session{
		tid:       tail.TransferID(),
		toggle:    true,
		wantCRC:   CRC(payload[0]) | CRC(payload[1])<<8,
		buf:       append(make([]byte, 0, sub.MaxPayload), payload[transferCRCSize:]...),
		firstSeen: now,
		lastSeen:  now,
	}
	r.sessions[key] = s
	return nil
}

func (r *Reassembler) continueSession(now time.Time, key sessionKey, s *session, sub Subscription, fields IdentifierFields, tail Tail, payload []byte) *Transfer {
	if s == nil {
		// Continuation without a start; the start frame was lost and the
		// transfer will re-sync on the next start-of-transfer.
		r.Stats.Orphans.Add(1)
		return nil
	}
	if tail.TransferID() != s.tid {
		// A different transfer arrived while the previous one was still
		// incomplete. Without a start flag there is nothing to restart.
		delete(r.sessions, key)
		r.Stats.Restarts.Add(1)
		return nil
	}
	if tail.Toggle() != s.toggle {
		// Receiver desync; no recovery attempted.
		delete(r.sessions, key)
		r.Stats.ToggleErrors.Add(1)
		return nil
	}
	if len(s.buf)+len(payload) > sub.MaxPayload {
		delete(r.sessions, key)
		r.Stats.Overflows.Add(1)
		return nil
	}

	s.buf = append(s.buf, payload...)
	s.toggle = !s.toggle
	s.lastSeen = now

	if !tail.IsEnd() {
		return nil
	}
	delete(r.sessions, key)

	if got := NewCRC(sub.Signature).Add(s.buf); got != s.wantCRC {
		r.Stats.CRCMismatches.Add(1)
		return nil
	}
	r.Stats.Delivered.Add(1)
	return &Transfer{
		Priority:    fields.Priority,
		Kind:        fields.Kind,
		DataType:    fields.DataType,
		Source:      fields.Source,
		Destination: fields.Destination,
		TransferID:  s.tid,
		Timestamp:   s.firstSeen,
		Payload:     s.buf,
	}
}

// Cleanup reclaims sessions whose last frame is older than the transfer
// timeout and returns the number reclaimed. The abandoned transfers are not
// reported beyond the counter.
func (r *Reassembler) Cleanup(now time.Time) int {
	if r.cfg.TransferTimeout <= 0 {
		return 0
	}
	reclaimed := 0
	for key, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.cfg.TransferTimeout {
			delete(r.sessions, key)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		r.Stats.Abandoned.Add(uint64(reclaimed))
	}
	return reclaimed
}

// Sessions returns the number of transfers currently being reassembled.
func (r *Reassembler) Sessions() int { return len(r.sessions) }
