package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"v2x_node/internal/codec"
	"v2x_node/internal/dataType"
)

// Sender is the write side of the multicast channel.
type Sender interface {
	Send(data []byte) error
}

// PositionSource supplies the kinematics of the beacon with the given seq.
type PositionSource interface {
	Position(seq uint64) dataType.Position
}

// Transmitter broadcasts one beacon per interval. The sequence counter is
// owned by the transmitter and starts at zero.
type Transmitter struct {
	nodeID   string
	interval time.Duration
	sender   Sender
	source   PositionSource
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	seq uint64
}

func NewTransmitter(nodeID string, interval time.Duration, sender Sender, source PositionSource, logger *zap.Logger, metrics *Metrics) *Transmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nodeID)
	}
	return &Transmitter{
		nodeID:   nodeID,
		interval: interval,
		sender:   sender,
		source:   source,
		logger:   logger.With(zap.String("loop", "tx")),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run transmits until ctx is cancelled. The first beacon goes out at once.
func (t *Transmitter) Run(ctx context.Context) error {
	t.logger.Info("transmitter started", zap.Duration("interval", t.interval))
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			t.logger.Info("transmitter stopped", zap.Uint64("next_seq", t.seq))
			return nil
		}
		t.transmit()
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (t *Transmitter) transmit() {
	seq := t.seq
	t.seq++

	pos := t.source.Position(seq)
	b := dataType.Beacon{
		ID:    t.nodeID,
		Seq:   seq,
		TS:    float64(t.now().UnixNano()) / 1e9,
		Lat:   pos.Lat,
		Lon:   pos.Lon,
		Speed: pos.Speed,
	}

	data, err := codec.Encode(b)
	if err != nil {
		t.metrics.EncodeErrors.Inc()
		t.logger.Warn("encode error", zap.Uint64("seq", seq), zap.Error(err))
		return
	}
	if err := t.sender.Send(data); err != nil {
		t.metrics.SendErrors.Inc()
		t.logger.Warn("send error", zap.Uint64("seq", seq), zap.Error(err))
		return
	}
	t.metrics.BeaconsSent.Inc()
	t.logger.Debug("TX", zap.Uint64("seq", seq), zap.Int("bytes", len(data)))
}
