package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aerolink/uavcan"
	"github.com/aerolink/uavcan/driver"
	"github.com/aerolink/uavcan/egress"
	"github.com/aerolink/uavcan/examples/telemetry"
	"github.com/aerolink/uavcan/transport"
)

const (
	sensorDataTypeID transport.DataTypeID = 1000
	sensorSignature  uint64               = 0x8899aabbccddeeff

	publishPeriod = 500 * time.Millisecond
)

func main() {
	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancelCtx()

	// Without the SDK bootstrap every counter and span below is a no-op.
	telemetry.Init(ctx, "uavcan-demo")
	defer telemetry.Close()

	bus := driver.NewLoopbackBus(driver.NewSystemClock())
	defer bus.Close()

	publisherClock := driver.NewSystemClock()
	publisher, err := uavcan.NewNode(uavcan.NewDefaultConfig(1), bus.OpenWithClock(publisherClock), publisherClock)
	if err != nil {
		panic(err)
	}
	if err := publisher.EnableTimeSyncMaster(time.Second); err != nil {
		panic(err)
	}

	// The subscriber starts with a skewed wall clock; time sync slews it back
	// onto the publisher's timescale.
	subscriberClock := driver.NewSystemClock()
	subscriberClock.AdjustWallClock(150 * time.Millisecond)
	subscriber, err := uavcan.NewNode(uavcan.NewDefaultConfig(2), bus.OpenWithClock(subscriberClock), subscriberClock)
	if err != nil {
		panic(err)
	}
	if err := subscriber.EnableTimeSyncSlave(); err != nil {
		panic(err)
	}

	monitor := egress.NewQuestDB(egress.NewDefaultQuestDBConfig(), subscriber.ID())
	if err := monitor.Init(ctx); err != nil {
		panic(err)
	}
	defer monitor.Close()
	go monitor.Run(ctx)

	if err := subscriber.Subscribe(sensorDataTypeID, sensorSignature, 64, monitor.OfferTransfer); err != nil {
		panic(err)
	}

	go spin(ctx, subscriber)
	go spinAndPublish(ctx, publisher)

	<-ctx.Done()
}

func spin(ctx context.Context, n *uavcan.Node) {
	for ctx.Err() == nil {
		// Transient bus failures are logged and survived; the deadlines on
		// queued frames bound how stale the backlog can get.
		if err := n.Spin(ctx, 100*time.Millisecond); err != nil {
			slog.Error("spin failed, continuing", "node", int(n.ID()), "err", err)
		}
	}
}

// spinAndPublish is the canonical single-threaded node loop: bus I/O in Spin,
// application work between the calls, all on one goroutine.
func spinAndPublish(ctx context.Context, n *uavcan.Node) {
	var lastPub time.Time
	var sample uint16
	for ctx.Err() == nil {
		if err := n.Spin(ctx, 100*time.Millisecond); err != nil {
			slog.Error("spin failed, continuing", "node", int(n.ID()), "err", err)
		}
		now := n.Clock().Now()
		if now.Sub(lastPub) < publishPeriod {
			continue
		}
		lastPub = now
		sample++

		payload := []byte{byte(sample), byte(sample >> 8)}
		if err := n.Broadcast(transport.PriorityMedium, sensorDataTypeID, sensorSignature, payload, now.Add(time.Second)); err != nil {
			panic(err)
		}
		if err := n.PublishNodeStatus(uavcan.HealthOK, uavcan.ModeOperational, 0); err != nil {
			panic(err)
		}
	}
}
