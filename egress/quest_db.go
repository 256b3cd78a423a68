// Package egress ships node diagnostics off the bus. The QuestDB writer is
// the library-level replacement for a standalone bus monitor: it records
// delivered transfers and transport counters as time series rows.
package egress

import (
	"context"
	"sync/atomic"
	"time"

	qdb "github.com/questdb/go-questdb-client/v3"

	"github.com/aerolink/uavcan/connector"
	"github.com/aerolink/uavcan/internal"
	"github.com/aerolink/uavcan/transport"
)

// QuestDBConfig holds the writer parameters.
type QuestDBConfig struct {
	Address string

	// QueueSize bounds the transfer queue between the node's spin loop and
	// the writer goroutine.
	QueueSize int
}

// NewDefaultQuestDBConfig returns the writer defaults.
func NewDefaultQuestDBConfig() *QuestDBConfig {
	return &QuestDBConfig{
		Address:   "localhost:9000",
		QueueSize: 4096,
	}
}

// QuestDB writes transfer and counter rows into QuestDB over ILP/HTTP.
// Offer* methods never block the spin loop: when the writer falls behind,
// rows are dropped and counted.
type QuestDB struct {
	tel *internal.Telemetry
	cfg *QuestDBConfig

	nodeID transport.NodeID

	senderPool *qdb.LineSenderPool
	transfers  *connector.Channel[transferRow]

	deliveredRows atomic.Int64
	droppedRows   atomic.Int64
}

type transferRow struct {
	kind       transport.Kind
	dataType   transport.DataTypeID
	source     transport.NodeID
	transferID transport.TransferID
	priority   transport.Priority
	size       int
	timestamp  time.Time
}

// NewQuestDB creates a writer for the given node.
func NewQuestDB(cfg *QuestDBConfig, nodeID transport.NodeID) *QuestDB {
	return &QuestDB{
		tel: internal.NewTelemetry("questdb", uint8(nodeID)),
		cfg: cfg,

		nodeID: nodeID,

		transfers: connector.NewChannel[transferRow](cfg.QueueSize),
	}
}

// Init connects the sender pool.
func (e *QuestDB) Init(ctx context.Context) error {
	senderPool, err := qdb.PoolFromOptions(
		qdb.WithAddress(e.cfg.Address),
		qdb.WithHttp(),
		qdb.WithAutoFlushInterval(time.Second),
		qdb.WithRetryTimeout(time.Second),
	)
	if err != nil {
		return err
	}
	e.senderPool = senderPool

	e.tel.NewObservableCounter("delivered_rows", func() int64 { return e.deliveredRows.Load() })
	e.tel.NewObservableCounter("dropped_rows", func() int64 { return e.droppedRows.Load() })

	return nil
}

// OfferTransfer queues one delivered transfer for recording.
func (e *QuestDB) OfferTransfer(t *transport.Transfer) {
	row := transferRow{
		kind:       t.Kind,
		dataType:   t.DataType,
		source:     t.Source,
		transferID: t.TransferID,
		priority:   t.Priority,
		size:       len(t.Payload),
		timestamp:  t.Timestamp,
	}
	if err := e.transfers.TryWrite(row); err != nil {
		e.droppedRows.Add(1)
	}
}

// WriteStats records one snapshot of the transport counters.
func (e *QuestDB) WriteStats(ctx context.Context, rx *transport.RxStats, tx *transport.TxStats) error {
	sender, err := e.senderPool.Sender(ctx)
	if err != nil {
		return err
	}
	defer sender.Close(ctx)

	return sender.Table("uavcan_transport_stats").
		Int64Column("node_id", int64(e.nodeID)).
		Int64Column("rx_delivered", int64(rx.Delivered.Load())).
		Int64Column("rx_malformed", int64(rx.Malformed.Load())).
		Int64Column("rx_crc_mismatches", int64(rx.CRCMismatches.Load())).
		Int64Column("rx_toggle_errors", int64(rx.ToggleErrors.Load())).
		Int64Column("rx_abandoned", int64(rx.Abandoned.Load())).
		Int64Column("tx_transfers", int64(tx.Transfers.Load())).
		Int64Column("tx_frames", int64(tx.Frames.Load())).
		Int64Column("tx_rejected", int64(tx.Rejected.Load())).
		Int64Column("tx_expired", int64(tx.Expired.Load())).
		At(ctx, time.Now())
}

// Run drains the transfer queue into QuestDB until the context is cancelled.
func (e *QuestDB) Run(ctx context.Context) {
	e.tel.LogInfo("running")
	defer e.tel.LogInfo("stopped")

	sender, err := e.senderPool.Sender(ctx)
	if err != nil {
		e.tel.LogError("failed to acquire sender", err)
		return
	}
	defer func() {
		if err := sender.Close(context.Background()); err != nil {
			e.tel.LogError("failed to close sender", err)
		}
	}()

	go func() {
		<-ctx.Done()
		e.transfers.Close()
	}()

	for {
		row, err := e.transfers.Read()
		if err != nil {
			return
		}
		rowCtx, span := e.tel.NewTrace(ctx, "record_transfer")
		err = sender.Table("uavcan_transfers").
			Symbol("kind", row.kind.String()).
			Int64Column("node_id", int64(e.nodeID)).
			Int64Column("source", int64(row.source)).
			Int64Column("data_type", int64(row.dataType)).
			Int64Column("transfer_id", int64(row.transferID)).
			Int64Column("priority", int64(row.priority)).
			Int64Column("payload_size", int64(row.size)).
			At(rowCtx, row.timestamp)
		span.End()
		if err != nil {
			e.tel.LogError("failed to record transfer", err)
			continue
		}
		e.deliveredRows.Add(1)
	}
}

// Close releases the sender pool.
func (e *QuestDB) Close() {
	if e.senderPool == nil {
		return
	}
	if err := e.senderPool.Close(context.Background()); err != nil {
		e.tel.LogError("failed to close sender pool", err)
	}
}
