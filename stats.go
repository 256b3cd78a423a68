package uavcan

import (
	"sync/atomic"
	"time"

	"github.com/aerolink/uavcan/internal"
	"github.com/aerolink/uavcan/transport"
)

// stats periodically logs a transport summary from inside the spin loop, so
// a node left running on a lossy bus leaves a trace of what it dropped.
type stats struct {
	l      *internal.Logger
	period time.Duration

	lastLog time.Duration

	transferCount atomic.Uint64
	byteCount     atomic.Uint64
}

func newStats(l *internal.Logger, period time.Duration) *stats {
	return &stats{
		l:      l,
		period: period,
	}
}

func (s *stats) countTransfer(payloadLen int) {
	s.transferCount.Add(1)
	s.byteCount.Add(uint64(payloadLen))
}

func (s *stats) maybeLog(nowMono time.Duration, rx *transport.RxStats, tx *transport.TxStats) {
	if s.period <= 0 {
		return
	}
	if s.lastLog != 0 && nowMono-s.lastLog < s.period {
		return
	}
	s.lastLog = nowMono

	transfers := s.transferCount.Swap(0)
	bytes := s.byteCount.Swap(0)
	if transfers == 0 && bytes == 0 {
		return
	}

	s.l.Info("transport stats",
		"transfers", transfers,
		"bytes", bytes,
		"rx_malformed", rx.Malformed.Load(),
		"rx_crc_mismatches", rx.CRCMismatches.Load(),
		"rx_toggle_errors", rx.ToggleErrors.Load(),
		"rx_abandoned", rx.Abandoned.Load(),
		"tx_rejected", tx.Rejected.Load(),
		"tx_expired", tx.Expired.Load(),
	)
}
