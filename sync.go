package uavcan

import (
	"time"

	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/timesync"
	"github.com/aerolink/uavcan/transport"
)

// The sync broadcast travels above nominal traffic so that queueing noise
// does not degrade the phase measurement.
const syncPriority = transport.PriorityHigh

// EnableTimeSyncSlave starts tracking sync masters and adjusting the local
// wall clock. At most one slave exists per node.
func (n *Node) EnableTimeSyncSlave() error {
	if n.syncSlave != nil {
		return nil
	}
	err := n.rx.Subscribe(transport.Subscription{
		Kind:       transport.KindMessage,
		DataType:   timesync.DataTypeID,
		Signature:  timesync.DataTypeSignature,
		MaxPayload: timesync.PayloadSize,
	})
	if err != nil {
		return err
	}
	n.syncSlave = timesync.NewSlave(n.clock)
	n.tel.LogInfo("time sync slave enabled")
	return nil
}

// EnableTimeSyncMaster makes the node a sync master candidate broadcasting
// at the given period. The driver must report transmission timestamps. A
// slave is enabled alongside so the node can detect higher priority masters
// and yield to them.
func (n *Node) EnableTimeSyncMaster(period time.Duration) error {
	ts, ok := n.drv.(driver.TxTimestamper)
	if !ok {
		return ErrNoTxTimestamps
	}
	if err := n.EnableTimeSyncSlave(); err != nil {
		return err
	}
	if period < timesync.MinPublicationPeriod || period > timesync.MaxPublicationPeriod {
		period = timesync.RecommendedPublicationPeriod
	}
	n.syncMaster = timesync.NewMaster(n.clock)
	n.syncPeriod = period
	n.masterEnabled = true
	ts.SetTransmitCallback(n.onFrameTransmitted)
	n.tel.LogInfo("time sync master enabled", "period", period)
	return nil
}

// TimeSyncSlave returns the slave, or nil when time sync is not enabled.
func (n *Node) TimeSyncSlave() *timesync.Slave { return n.syncSlave }

// onFrameTransmitted feeds sync transmission timestamps back to the master.
// The driver may invoke it from another goroutine.
func (n *Node) onFrameTransmitted(f transport.Frame, iface int, txTime time.Time) {
	fields, _, _, err := transport.ParseFrame(&f)
	if err != nil {
		return
	}
	if fields.Kind != transport.KindMessage || fields.DataType != timesync.DataTypeID || fields.Source != n.cfg.NodeID {
		return
	}
	n.syncMaster.OnTransmitted(iface, txTime)
}

// publishSyncIfDue runs the master candidate tick. A candidate that sees a
// lower node ID master active suppresses its own broadcasts and behaves
// purely as a slave; otherwise it suppresses the slave's clock adjustments
// and broadcasts.
func (n *Node) publishSyncIfDue(nowMono time.Duration) {
	if !n.masterEnabled {
		return
	}
	if n.syncPublished && nowMono-n.lastSyncPub < n.syncPeriod {
		return
	}
	n.lastSyncPub = nowMono
	n.syncPublished = true

	if n.syncSlave.IsActive() && n.syncSlave.MasterNodeID() < n.cfg.NodeID {
		n.syncSlave.Suppress(false)
		return
	}
	n.syncSlave.Suppress(true)

	payload := n.syncMaster.Payload(0)
	err := n.Broadcast(syncPriority, timesync.DataTypeID, timesync.DataTypeSignature, payload, n.clock.Now().Add(n.syncPeriod))
	if err != nil {
		n.tel.LogError("failed to enqueue sync broadcast", err)
	}
}

// handleSync routes a received sync message into the slave state machine.
func (n *Node) handleSync(t *transport.Transfer, rxf driver.RxFrame) {
	if t.Source == n.cfg.NodeID {
		return
	}
	prevTx, ok := timesync.UnmarshalTimestamp(t.Payload)
	if !ok {
		return
	}
	n.syncSlave.HandleSync(rxf.Interface, t.Source, t.TransferID, prevTx, n.clock.Monotonic(), t.Timestamp)
}
