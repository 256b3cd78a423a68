package uavcan

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aerolink/uavcan/connector"
	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/internal"
	"github.com/aerolink/uavcan/transport"
)

// SubNodeConfig holds the parameters of one sub-node.
type SubNodeConfig struct {
	// QueueSize bounds the connectors bridging the sub-node to the primary
	// loop, in frames.
	QueueSize uint32

	Tx transport.TxConfig
	Rx transport.RxConfig
}

// NewDefaultSubNodeConfig returns the sub-node defaults.
func NewDefaultSubNodeConfig() SubNodeConfig {
	return SubNodeConfig{
		QueueSize: 256,
		Tx:        transport.NewDefaultTxConfig(),
		Rx:        transport.NewDefaultRxConfig(),
	}
}

// SubNode is a secondary execution context of a compound node: it shares the
// primary node's bus identity but runs in its own goroutine. The primary
// spin loop duplicates every inbound frame into the sub-node's receive
// queue and funnels the sub-node's outbound frames into its own transmit
// queue.
//
// Each sub-node owns an isolated transfer ID map. The transport does not
// police overlapping flows: two sub-nodes must not publish the same
// (data type, destination) pair, that split belongs to the application.
type SubNode struct {
	primary *Node
	tel     *internal.Telemetry

	tx *transport.Transmitter
	rx *transport.Reassembler

	handlers map[handlerKey]Handler

	in  *connector.RingBuffer[driver.RxFrame]
	out *connector.RingBuffer[transport.TxFrame]

	droppedIn atomic.Uint64
}

// NewSubNode attaches a new sub-node to the primary node. Must be called
// before the primary loop starts spinning.
func (n *Node) NewSubNode(cfg SubNodeConfig) *SubNode {
	sn := &SubNode{
		primary: n,
		tel:     internal.NewTelemetry("subnode", uint8(n.cfg.NodeID)),

		tx: transport.NewTransmitter(n.cfg.NodeID, cfg.Tx),
		rx: transport.NewReassembler(n.cfg.NodeID, cfg.Rx),

		handlers: make(map[handlerKey]Handler),

		in:  connector.NewRingBuffer[driver.RxFrame](cfg.QueueSize),
		out: connector.NewRingBuffer[transport.TxFrame](cfg.QueueSize),
	}
	sn.tel.NewObservableCounter("dropped_rx_frames", func() int64 { return int64(sn.droppedIn.Load()) })
	n.subNodes = append(n.subNodes, sn)
	return sn
}

// Subscribe registers a handler for a broadcast data type on this sub-node.
func (s *SubNode) Subscribe(dataType transport.DataTypeID, signature uint64, maxPayload int, h Handler) error {
	err := s.rx.Subscribe(transport.Subscription{
		Kind:       transport.KindMessage,
		DataType:   dataType,
		Signature:  signature,
		MaxPayload: maxPayload,
	})
	if err != nil {
		return err
	}
	s.handlers[handlerKey{kind: transport.KindMessage, dataType: dataType}] = h
	return nil
}

// Broadcast enqueues a message transfer and hands its frames to the primary
// loop. It blocks while the bridge connector is full.
func (s *SubNode) Broadcast(priority transport.Priority, dataType transport.DataTypeID, signature uint64, payload []byte, deadline time.Time) error {
	_, err := s.tx.Push(transport.TxRequest{
		Priority:  priority,
		Kind:      transport.KindMessage,
		DataType:  dataType,
		Payload:   payload,
		Signature: signature,
		Deadline:  deadline,
	})
	if err != nil {
		return err
	}
	for {
		item := s.tx.Pop()
		if item == nil {
			return nil
		}
		if err := s.out.Write(*item); err != nil {
			return err
		}
	}
}

// Run processes inbound frames until the context is cancelled. It is meant
// to be the body of the sub-node's goroutine.
func (s *SubNode) Run(ctx context.Context) {
	s.tel.LogInfo("sub-node running")
	defer s.tel.LogInfo("sub-node stopped")

	go func() {
		<-ctx.Done()
		s.in.Close()
	}()

	for {
		rxf, err := s.in.Read()
		if err != nil {
			return
		}
		t := s.rx.Accept(rxf.Timestamp, &rxf.Frame)
		if t == nil {
			continue
		}
		if h, ok := s.handlers[handlerKey{kind: t.Kind, dataType: t.DataType}]; ok && h != nil {
			h(t)
		}
	}
}

// offerFrame duplicates one inbound frame into the sub-node receive queue.
// The primary loop never blocks on a slow sub-node; overflow drops the
// frame and counts it.
func (s *SubNode) offerFrame(rxf driver.RxFrame) {
	if err := s.in.TryWrite(rxf); err != nil {
		s.droppedIn.Add(1)
	}
}

// pumpSubNodes drains the outbound bridge of every sub-node into the
// primary transmit queue.
func (n *Node) pumpSubNodes() {
	for _, sn := range n.subNodes {
		for {
			item, ok := sn.out.TryRead()
			if !ok {
				break
			}
			if err := n.tx.InjectFrame(item.Frame, item.Deadline); err != nil {
				n.tel.LogError("failed to inject sub-node frame", err)
			}
		}
	}
}
