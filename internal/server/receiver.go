package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"v2x_node/internal/codec"
	"v2x_node/internal/dataType"
)

// Source is the read side of the multicast channel.
type Source interface {
	Receive() ([]byte, *net.UDPAddr, error)
}

type outcome int

const (
	dispatched outcome = iota
	selfFiltered
	malformed
	sinkFailed
)

// Receiver reads datagrams, drops our own beacons and feeds the rest to
// the sink. Nothing a peer sends can stop it.
type Receiver struct {
	nodeID  string
	source  Source
	sink    Sink
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewReceiver(nodeID string, source Source, sink Sink, logger *zap.Logger, metrics *Metrics) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nodeID)
	}
	return &Receiver{
		nodeID:  nodeID,
		source:  source,
		sink:    sink,
		logger:  logger.With(zap.String("loop", "rx")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run receives until ctx is cancelled or the source is closed. Cancelling
// ctx alone does not unblock a pending Receive; the owner closes the source.
func (r *Receiver) Run(ctx context.Context) error {
	r.logger.Info("receiver started")
	for {
		data, src, err := r.source.Receive()
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("receiver stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("receive: %w", err)
			}
			r.metrics.ReceiveErrors.Inc()
			r.logger.Warn("recv error", zap.Error(err))
			continue
		}
		r.handle(data, src, r.now())
	}
}

func (r *Receiver) handle(data []byte, src *net.UDPAddr, receivedAt time.Time) outcome {
	b, err := codec.Decode(data)
	if err != nil {
		r.metrics.DecodeErrors.Inc()
		r.logger.Warn("received non-JSON or malformed beacon",
			zap.String("from", addrString(src)),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return malformed
	}
	if b.ID == r.nodeID {
		r.metrics.SelfFiltered.Inc()
		return selfFiltered
	}

	r.metrics.BeaconsReceived.Inc()
	if err := r.dispatch(b, src, receivedAt); err != nil {
		r.metrics.SinkErrors.Inc()
		r.logger.Error("sink error",
			zap.String("id", b.ID),
			zap.Uint64("seq", b.Seq),
			zap.Error(err))
		return sinkFailed
	}
	return dispatched
}

func (r *Receiver) dispatch(b dataType.Beacon, src *net.UDPAddr, receivedAt time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	var addr net.Addr
	if src != nil {
		addr = src
	}
	return r.sink.OnBeacon(b, addr, receivedAt)
}
