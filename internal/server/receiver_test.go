package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"v2x_node/internal/codec"
	"v2x_node/internal/dataType"
)

type datagram struct {
	data []byte
	src  *net.UDPAddr
	err  error
}

// feedSource replays datagrams and reports net.ErrClosed once drained.
type feedSource struct {
	in chan datagram
}

func newFeedSource(items ...datagram) *feedSource {
	f := &feedSource{in: make(chan datagram, len(items))}
	for _, it := range items {
		f.in <- it
	}
	close(f.in)
	return f
}

func (f *feedSource) Receive() ([]byte, *net.UDPAddr, error) {
	d, ok := <-f.in
	if !ok {
		return nil, nil, net.ErrClosed
	}
	return d.data, d.src, d.err
}

type delivered struct {
	beacon     dataType.Beacon
	src        net.Addr
	receivedAt time.Time
}

type recordingSink struct {
	mu  sync.Mutex
	got []delivered
}

func (s *recordingSink) OnBeacon(b dataType.Beacon, src net.Addr, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, delivered{b, src, receivedAt})
	return nil
}

func (s *recordingSink) beacons() []delivered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivered(nil), s.got...)
}

var peerAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40001}

func mustEncode(t *testing.T, b dataType.Beacon) []byte {
	t.Helper()
	data, err := codec.Encode(b)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func TestReceiver_SelfFilter(t *testing.T) {
	sink := &recordingSink{}
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewMetrics("X")
	rx := NewReceiver("X", newFeedSource(), sink, zap.New(core), metrics)

	variants := []dataType.Beacon{
		{ID: "X", Seq: 0},
		{ID: "X", Seq: 99, TS: 1700000000, Lat: 1, Lon: 2, Speed: 3},
		{ID: "X", Seq: 1 << 40, Lat: -90, Lon: 180},
	}
	for _, b := range variants {
		if got := rx.handle(mustEncode(t, b), peerAddr, time.Now()); got != selfFiltered {
			t.Errorf("handle(%+v) = %v, want selfFiltered", b, got)
		}
	}
	if n := len(sink.beacons()); n != 0 {
		t.Errorf("sink received %d own beacons, want 0", n)
	}
	if got := testutil.ToFloat64(metrics.SelfFiltered); got != float64(len(variants)) {
		t.Errorf("self_filtered_total = %v, want %d", got, len(variants))
	}
	// Own beacons are expected traffic, not a diagnostic.
	if logs.Len() != 0 {
		t.Errorf("self filter logged %d entries, want none", logs.Len())
	}

	// A different id with the same prefix is not ours.
	if got := rx.handle(mustEncode(t, dataType.Beacon{ID: "XY"}), peerAddr, time.Now()); got != dispatched {
		t.Errorf("handle(id=XY) = %v, want dispatched", got)
	}
}

func TestReceiver_MalformedInputIsReported(t *testing.T) {
	sink := &recordingSink{}
	core, logs := observer.New(zapcore.WarnLevel)
	metrics := NewMetrics("A")
	rx := NewReceiver("A", newFeedSource(), sink, zap.New(core), metrics)

	inputs := [][]byte{
		nil,
		{},
		[]byte(`{"id":"B","seq":1,"ts":1.0,"la`),
		[]byte(`{"id":"B","seq":"one","ts":1.0,"lat":1.0,"lon":1.0,"speed":1.0}`),
		{0xde, 0xad, 0xbe, 0xef},
		[]byte(`[]`),
	}
	for _, in := range inputs {
		if got := rx.handle(in, peerAddr, time.Now()); got != malformed {
			t.Errorf("handle(%q) = %v, want malformed", in, got)
		}
	}
	if n := len(sink.beacons()); n != 0 {
		t.Errorf("sink received %d beacons from malformed input", n)
	}
	if got := testutil.ToFloat64(metrics.DecodeErrors); got != float64(len(inputs)) {
		t.Errorf("decode_errors_total = %v, want %d", got, len(inputs))
	}
	entries := logs.FilterMessage("received non-JSON or malformed beacon").All()
	if len(entries) != len(inputs) {
		t.Fatalf("logged %d decode diagnostics, want %d", len(entries), len(inputs))
	}
	if from := entries[0].ContextMap()["from"]; from != peerAddr.String() {
		t.Errorf("diagnostic from = %v, want %s", from, peerAddr)
	}
}

func TestReceiver_RunKeepsGoing(t *testing.T) {
	fromB := mustEncode(t, dataType.Beacon{ID: "B", Seq: 7, TS: 1700000000.25, Lat: 38.9, Lon: -77, Speed: 6})
	fromC := mustEncode(t, dataType.Beacon{ID: "C", Seq: 1})
	boom := mustEncode(t, dataType.Beacon{ID: "panic", Seq: 1})
	fails := mustEncode(t, dataType.Beacon{ID: "fail", Seq: 1})
	own := mustEncode(t, dataType.Beacon{ID: "A", Seq: 3})

	src := newFeedSource(
		datagram{data: []byte("garbage"), src: peerAddr},
		datagram{err: errors.New("recvfrom: connection refused")},
		datagram{data: own, src: peerAddr},
		datagram{data: fromB, src: peerAddr},
		datagram{data: boom, src: peerAddr},
		datagram{data: fails, src: peerAddr},
		datagram{data: fromC, src: nil},
	)

	rec := &recordingSink{}
	sink := MultiSink{
		SinkFunc(func(b dataType.Beacon, _ net.Addr, _ time.Time) error {
			switch b.ID {
			case "panic":
				panic("ingestion hook exploded")
			case "fail":
				return errors.New("ingestion backend down")
			}
			return nil
		}),
		rec,
	}
	metrics := NewMetrics("A")
	rx := NewReceiver("A", src, sink, zap.NewNop(), metrics)
	fixed := time.Unix(1700000001, 0)
	rx.now = func() time.Time { return fixed }

	err := rx.Run(context.Background())
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Run error = %v, want net.ErrClosed once the source closes", err)
	}

	got := rec.beacons()
	var ids []string
	for _, d := range got {
		ids = append(ids, d.beacon.ID)
	}
	// The panicking sink stops the fan-out for that beacon only.
	if len(ids) != 3 || ids[0] != "B" || ids[1] != "fail" || ids[2] != "C" {
		t.Fatalf("sink saw %v, want [B fail C]", ids)
	}
	if got[0].src.String() != peerAddr.String() {
		t.Errorf("src = %v, want %v", got[0].src, peerAddr)
	}
	if got[2].src != nil {
		t.Errorf("src for nil address = %#v, want nil interface", got[2].src)
	}
	if !got[0].receivedAt.Equal(fixed) {
		t.Errorf("receivedAt = %v, want %v", got[0].receivedAt, fixed)
	}

	checks := map[string]struct {
		got  float64
		want float64
	}{
		"received":       {testutil.ToFloat64(metrics.BeaconsReceived), 4},
		"decode errors":  {testutil.ToFloat64(metrics.DecodeErrors), 1},
		"receive errors": {testutil.ToFloat64(metrics.ReceiveErrors), 1},
		"self filtered":  {testutil.ToFloat64(metrics.SelfFiltered), 1},
		"sink errors":    {testutil.ToFloat64(metrics.SinkErrors), 2},
	}
	for name, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", name, c.got, c.want)
		}
	}
}

func TestReceiver_StopsQuietlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rx := NewReceiver("A", newFeedSource(), &recordingSink{}, nil, nil)
	if err := rx.Run(ctx); err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
}
