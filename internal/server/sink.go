package server

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"v2x_node/internal/dataType"
)

// Sink consumes beacons from other nodes. It is called from the receive
// loop, so it should return quickly; errors and panics are logged by the
// caller and never stop the loop.
type Sink interface {
	OnBeacon(b dataType.Beacon, src net.Addr, receivedAt time.Time) error
}

type SinkFunc func(b dataType.Beacon, src net.Addr, receivedAt time.Time) error

func (f SinkFunc) OnBeacon(b dataType.Beacon, src net.Addr, receivedAt time.Time) error {
	return f(b, src, receivedAt)
}

// MultiSink hands every beacon to each sink in order.
type MultiSink []Sink

func (ms MultiSink) OnBeacon(b dataType.Beacon, src net.Addr, receivedAt time.Time) error {
	var errs []error
	for _, s := range ms {
		if err := s.OnBeacon(b, src, receivedAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink prints one line per received beacon.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OnBeacon(b dataType.Beacon, src net.Addr, receivedAt time.Time) error {
	// age mixes two clocks and is only as good as their sync.
	age := receivedAt.Sub(time.Unix(0, int64(b.TS*1e9)))
	s.logger.Info("RX",
		zap.String("from", addrString(src)),
		zap.String("id", b.ID),
		zap.Uint64("seq", b.Seq),
		zap.Float64("ts", b.TS),
		zap.Float64("lat", b.Lat),
		zap.Float64("lon", b.Lon),
		zap.Float64("speed", b.Speed),
		zap.Duration("age", age))
	return nil
}

// PeerSink records every beacon in the peer table.
type PeerSink struct {
	table  *dataType.PeerTable
	logger *zap.Logger
}

func NewPeerSink(table *dataType.PeerTable, logger *zap.Logger) *PeerSink {
	return &PeerSink{table: table, logger: logger}
}

func (s *PeerSink) OnBeacon(b dataType.Beacon, src net.Addr, receivedAt time.Time) error {
	prev, known := s.table.Get(b.ID)
	st := s.table.Observe(b, addrString(src), receivedAt)
	switch {
	case !known:
		s.logger.Info("new peer", zap.String("id", b.ID), zap.String("from", st.Addr))
	case st.Restarts > prev.Restarts:
		s.logger.Info("peer restarted", zap.String("id", b.ID),
			zap.Uint64("prev_seq", prev.LastSeq), zap.Uint64("seq", b.Seq))
	case st.Lost > prev.Lost:
		s.logger.Debug("beacons lost", zap.String("id", b.ID), zap.Uint64("missing", st.Lost-prev.Lost))
	}
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	if u, ok := a.(*net.UDPAddr); ok && u == nil {
		return ""
	}
	return a.String()
}
