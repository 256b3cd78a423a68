// Package uavcan ties the transport layer, the platform driver and the
// application together in a Node: a single bus identity with its transmit
// pipeline, transfer reassembly, service calls and time synchronization.
//
// A Node is single-threaded by design: one goroutine repeatedly calls
// Spin, which services bus I/O and time-driven work in bounded cycles.
// Concurrency is available through sub-nodes, which run in their own
// goroutines and exchange frames with the primary loop over bounded
// connectors.
package uavcan

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/internal"
	"github.com/aerolink/uavcan/timesync"
	"github.com/aerolink/uavcan/transport"
)

var (
	// ErrCallInProgress is returned by Call while a previous call to the
	// same server and data type is still pending.
	ErrCallInProgress = errors.New("uavcan: service call already in progress")

	// ErrCallTimeout is delivered to the response callback when the server
	// does not answer within the deadline.
	ErrCallTimeout = errors.New("uavcan: service call timed out")

	// ErrNoTxTimestamps is returned when the time sync master is enabled on
	// a driver that cannot report transmission timestamps.
	ErrNoTxTimestamps = errors.New("uavcan: driver does not report transmit timestamps")
)

// Handler consumes a completed transfer.
type Handler func(t *transport.Transfer)

// ServiceHandler serves one request and returns the response payload.
// A non-nil error drops the request without a response; the client times
// out, which is its only failure signal.
type ServiceHandler func(req *transport.Transfer) ([]byte, error)

// ResponseCallback completes a service call. It fires exactly once per call,
// with the response or with [ErrCallTimeout], so callers never hang waiting
// for a callback that never comes.
type ResponseCallback func(resp *transport.Transfer, err error)

// Config holds the node parameters.
type Config struct {
	NodeID transport.NodeID

	Tx transport.TxConfig
	Rx transport.RxConfig

	// StatsPeriod is the interval of the periodic counters log. Zero
	// disables it.
	StatsPeriod time.Duration
}

// NewDefaultConfig returns the defaults for the given node ID.
func NewDefaultConfig(id transport.NodeID) Config {
	return Config{
		NodeID:      id,
		Tx:          transport.NewDefaultTxConfig(),
		Rx:          transport.NewDefaultRxConfig(),
		StatsPeriod: 10 * time.Second,
	}
}

type handlerKey struct {
	kind     transport.Kind
	dataType transport.DataTypeID
}

type pendingKey struct {
	server   transport.NodeID
	dataType transport.DataTypeID
}

type pendingCall struct {
	tid      transport.TransferID
	deadline time.Duration // monotonic
	cb       ResponseCallback
}

type serviceEntry struct {
	signature uint64
	handler   ServiceHandler
}

// Node is one UAVCAN node identity on the bus.
type Node struct {
	cfg   Config
	tel   *internal.Telemetry
	drv   driver.Driver
	clock driver.Clock

	tx *transport.Transmitter
	rx *transport.Reassembler

	handlers map[handlerKey]Handler
	servers  map[transport.DataTypeID]serviceEntry
	pending  map[pendingKey]*pendingCall

	syncMaster    *timesync.Master
	syncSlave     *timesync.Slave
	syncPeriod    time.Duration
	lastSyncPub   time.Duration
	syncPublished bool
	masterEnabled bool

	subNodes []*SubNode

	stats           *stats
	handlerFailures metric.Int64Counter
}

// NewNode creates a node bound to the given driver and clock. The node ID
// must be a valid unicast ID; anonymous operation is not supported by the
// node aggregate.
func NewNode(cfg Config, drv driver.Driver, clock driver.Clock) (*Node, error) {
	if !cfg.NodeID.IsUnicast() {
		return nil, transport.ErrInvalidArgument
	}
	tel := internal.NewTelemetry("node", uint8(cfg.NodeID))
	n := &Node{
		cfg:   cfg,
		tel:   tel,
		drv:   drv,
		clock: clock,

		tx: transport.NewTransmitter(cfg.NodeID, cfg.Tx),
		rx: transport.NewReassembler(cfg.NodeID, cfg.Rx),

		handlers: make(map[handlerKey]Handler),
		servers:  make(map[transport.DataTypeID]serviceEntry),
		pending:  make(map[pendingKey]*pendingCall),
	}
	n.stats = newStats(tel.Logger(), cfg.StatsPeriod)
	n.initMetrics()
	tel.LogInfo("node created")
	return n, nil
}

func (n *Node) initMetrics() {
	n.tel.NewObservableCounter("rx_transfers", func() int64 { return int64(n.rx.Stats.Delivered.Load()) })
	n.tel.NewObservableCounter("rx_malformed_frames", func() int64 { return int64(n.rx.Stats.Malformed.Load()) })
	n.tel.NewObservableCounter("rx_crc_mismatches", func() int64 { return int64(n.rx.Stats.CRCMismatches.Load()) })
	n.tel.NewObservableCounter("rx_toggle_errors", func() int64 { return int64(n.rx.Stats.ToggleErrors.Load()) })
	n.tel.NewObservableCounter("rx_abandoned_transfers", func() int64 { return int64(n.rx.Stats.Abandoned.Load()) })
	n.tel.NewObservableCounter("tx_transfers", func() int64 { return int64(n.tx.Stats.Transfers.Load()) })
	n.tel.NewObservableCounter("tx_frames", func() int64 { return int64(n.tx.Stats.Frames.Load()) })
	n.tel.NewObservableCounter("tx_rejected", func() int64 { return int64(n.tx.Stats.Rejected.Load()) })
	n.handlerFailures = n.tel.NewCounter("service_handler_failures")
}

// ID returns the node's bus identity.
func (n *Node) ID() transport.NodeID { return n.cfg.NodeID }

// Clock returns the node's time source.
func (n *Node) Clock() driver.Clock { return n.clock }

// TxStats exposes the transmitter counters.
func (n *Node) TxStats() *transport.TxStats { return &n.tx.Stats }

// RxStats exposes the reassembler counters.
func (n *Node) RxStats() *transport.RxStats { return &n.rx.Stats }

// Subscribe registers a handler for a broadcast data type.
func (n *Node) Subscribe(dataType transport.DataTypeID, signature uint64, maxPayload int, h Handler) error {
	err := n.rx.Subscribe(transport.Subscription{
		Kind:       transport.KindMessage,
		DataType:   dataType,
		Signature:  signature,
		MaxPayload: maxPayload,
	})
	if err != nil {
		return err
	}
	n.handlers[handlerKey{kind: transport.KindMessage, dataType: dataType}] = h
	return nil
}

// Broadcast enqueues a message transfer. deadline bounds how long its frames
// may wait for bus access; the zero deadline means no bound.
func (n *Node) Broadcast(priority transport.Priority, dataType transport.DataTypeID, signature uint64, payload []byte, deadline time.Time) error {
	_, err := n.tx.Push(transport.TxRequest{
		Priority:  priority,
		Kind:      transport.KindMessage,
		DataType:  dataType,
		Payload:   payload,
		Signature: signature,
		Deadline:  deadline,
	})
	return err
}

// Call issues a service request. cb fires exactly once: with the response,
// or with ErrCallTimeout after the given timeout. Only one call per
// (server, data type) pair may be outstanding.
func (n *Node) Call(server transport.NodeID, dataType transport.DataTypeID, signature uint64, payload []byte,
	priority transport.Priority, timeout time.Duration, cb ResponseCallback) error {

	key := pendingKey{server: server, dataType: dataType}
	if _, busy := n.pending[key]; busy {
		return ErrCallInProgress
	}
	err := n.rx.Subscribe(transport.Subscription{
		Kind:       transport.KindResponse,
		DataType:   dataType,
		Signature:  signature,
		MaxPayload: n.cfg.Tx.MaxPayload,
	})
	if err != nil {
		return err
	}
	now := n.clock.Monotonic()
	tid, err := n.tx.Push(transport.TxRequest{
		Priority:    priority,
		Kind:        transport.KindRequest,
		DataType:    dataType,
		Destination: server,
		Payload:     payload,
		Signature:   signature,
		Deadline:    n.clock.Now().Add(timeout),
	})
	if err != nil {
		return err
	}
	n.pending[key] = &pendingCall{tid: tid, deadline: now + timeout, cb: cb}
	return nil
}

// RegisterServer installs a handler for a service data type.
func (n *Node) RegisterServer(dataType transport.DataTypeID, signature uint64, maxPayload int, h ServiceHandler) error {
	err := n.rx.Subscribe(transport.Subscription{
		Kind:       transport.KindRequest,
		DataType:   dataType,
		Signature:  signature,
		MaxPayload: maxPayload,
	})
	if err != nil {
		return err
	}
	n.servers[dataType] = serviceEntry{signature: signature, handler: h}
	return nil
}

// Spin services bus I/O and timers until the timeout elapses or the context
// is cancelled. It returns the first transient driver failure encountered,
// if any; the caller decides whether to log and carry on.
func (n *Node) Spin(ctx context.Context, timeout time.Duration) error {
	spinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transientErr error
	for {
		n.processTimers()
		n.pumpSubNodes()
		if err := n.flushTx(spinCtx); err != nil && transientErr == nil && !isDone(err) {
			transientErr = err
		}

		rxf, err := n.drv.Receive(spinCtx)
		if err != nil {
			if isDone(err) {
				return transientErr
			}
			if transientErr == nil {
				transientErr = err
			}
			return transientErr
		}
		n.processFrame(rxf)
	}
}

func isDone(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// processFrame runs the receive pipeline on one frame: duplicate to
// sub-nodes, reassemble, dispatch.
func (n *Node) processFrame(rxf driver.RxFrame) {
	for _, sn := range n.subNodes {
		sn.offerFrame(rxf)
	}

	t := n.rx.Accept(rxf.Timestamp, &rxf.Frame)
	if t == nil {
		return
	}
	n.stats.countTransfer(len(t.Payload))

	if t.Kind == transport.KindMessage && t.DataType == timesync.DataTypeID && n.syncSlave != nil {
		n.handleSync(t, rxf)
	}

	switch t.Kind {
	case transport.KindMessage:
		if h, ok := n.handlers[handlerKey{kind: transport.KindMessage, dataType: t.DataType}]; ok && h != nil {
			h(t)
		}
	case transport.KindRequest:
		n.serveRequest(t)
	case transport.KindResponse:
		n.completeCall(t)
	}
}

func (n *Node) serveRequest(req *transport.Transfer) {
	entry, ok := n.servers[req.DataType]
	if !ok {
		return
	}
	resp, err := entry.handler(req)
	if err != nil {
		n.handlerFailures.Add(context.Background(), 1)
		n.tel.LogWarn("service handler failed, request dropped",
			"data_type", int(req.DataType), "client", int(req.Source))
		return
	}
	// The response echoes the request's transfer ID and priority.
	err = n.tx.PushWithTransferID(transport.TxRequest{
		Priority:    req.Priority,
		Kind:        transport.KindResponse,
		DataType:    req.DataType,
		Destination: req.Source,
		Payload:     resp,
		Signature:   entry.signature,
	}, req.TransferID)
	if err != nil {
		n.tel.LogError("failed to enqueue service response", err,
			"data_type", int(req.DataType), "client", int(req.Source))
	}
}

func (n *Node) completeCall(resp *transport.Transfer) {
	key := pendingKey{server: resp.Source, dataType: resp.DataType}
	call, ok := n.pending[key]
	if !ok || call.tid != resp.TransferID {
		return
	}
	delete(n.pending, key)
	call.cb(resp, nil)
}

// processTimers fires all due time-driven work: pending call expiry, receive
// session reclamation, stale transmit frames and the sync broadcast.
func (n *Node) processTimers() {
	nowMono := n.clock.Monotonic()
	nowWall := n.clock.Now()

	for key, call := range n.pending {
		if nowMono >= call.deadline {
			delete(n.pending, key)
			call.cb(nil, ErrCallTimeout)
		}
	}

	n.rx.Cleanup(nowWall)
	n.tx.DropExpired(nowWall)
	n.publishSyncIfDue(nowMono)
	n.stats.maybeLog(nowMono, &n.rx.Stats, &n.tx.Stats)
}

// flushTx moves queued frames into the driver in priority order. On a
// transient driver failure the frame stays queued for the next cycle; its
// deadline eventually discards it.
func (n *Node) flushTx(ctx context.Context) error {
	for {
		item := n.tx.Peek()
		if item == nil {
			return nil
		}
		if err := n.drv.Send(ctx, item.Frame, item.Deadline); err != nil {
			return err
		}
		n.tx.Pop()
	}
}
