package server

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"v2x_node/internal/codec"
	"v2x_node/internal/dataType"
	"v2x_node/internal/utils"
)

type sentDatagram struct {
	data []byte
	at   time.Time
}

// chanSender records every datagram and answers with err.
type chanSender struct {
	out chan sentDatagram
	err error
}

func newChanSender(err error) *chanSender {
	return &chanSender{out: make(chan sentDatagram, 1024), err: err}
}

func (s *chanSender) Send(data []byte) error {
	s.out <- sentDatagram{data: data, at: time.Now()}
	return s.err
}

type nanAt struct {
	seq uint64
}

func (n nanAt) Position(seq uint64) dataType.Position {
	if seq == n.seq {
		return dataType.Position{Lat: math.NaN()}
	}
	return utils.SyntheticPosition{}.Position(seq)
}

// runTransmitter collects n datagrams, then stops the loop and waits for it.
func runTransmitter(t *testing.T, tx *Transmitter, s *chanSender, n int) []sentDatagram {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tx.Run(ctx) }()

	var got []sentDatagram
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case d := <-s.out:
			got = append(got, d)
		case <-timeout:
			cancel()
			t.Fatalf("collected %d of %d datagrams before timeout", len(got), n)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil after cancel", err)
	}
	return got
}

func decodeAll(t *testing.T, sent []sentDatagram) []dataType.Beacon {
	t.Helper()
	out := make([]dataType.Beacon, len(sent))
	for i, d := range sent {
		b, err := codec.Decode(d.data)
		if err != nil {
			t.Fatalf("datagram %d does not decode: %v", i, err)
		}
		out[i] = b
	}
	return out
}

func TestTransmitter_SequenceIsMonotonic(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newChanSender(nil)
	metrics := NewMetrics("A")
	tx := NewTransmitter("A", 5*time.Millisecond, s, utils.SyntheticPosition{}, zaptest.NewLogger(t), metrics)
	start := float64(time.Now().UnixNano()) / 1e9

	const n = 25
	beacons := decodeAll(t, runTransmitter(t, tx, s, n))
	for i, b := range beacons {
		if b.Seq != uint64(i) {
			t.Fatalf("beacon %d has seq %d, want %d", i, b.Seq, i)
		}
		if b.ID != "A" {
			t.Errorf("beacon %d id = %q, want A", i, b.ID)
		}
		want := utils.SyntheticPosition{}.Position(b.Seq)
		if b.Lat != want.Lat || b.Lon != want.Lon || b.Speed != want.Speed {
			t.Errorf("beacon %d position = (%v, %v, %v), want %+v", i, b.Lat, b.Lon, b.Speed, want)
		}
		if b.TS < start {
			t.Errorf("beacon %d ts %v is before the loop started (%v)", i, b.TS, start)
		}
	}
	if sent := testutil.ToFloat64(metrics.BeaconsSent); sent < n {
		t.Errorf("beacons_sent_total = %v, want at least %d", sent, n)
	}
}

func TestTransmitter_SendErrorsDoNotStopTheLoop(t *testing.T) {
	s := newChanSender(errors.New("network is unreachable"))
	metrics := NewMetrics("A")
	tx := NewTransmitter("A", 5*time.Millisecond, s, utils.SyntheticPosition{}, zaptest.NewLogger(t), metrics)

	beacons := decodeAll(t, runTransmitter(t, tx, s, 5))
	for i, b := range beacons {
		if b.Seq != uint64(i) {
			t.Errorf("beacon %d has seq %d, want %d", i, b.Seq, i)
		}
	}
	if got := testutil.ToFloat64(metrics.SendErrors); got < 5 {
		t.Errorf("send_errors_total = %v, want at least 5", got)
	}
	if got := testutil.ToFloat64(metrics.BeaconsSent); got != 0 {
		t.Errorf("beacons_sent_total = %v, want 0", got)
	}
}

func TestTransmitter_EncodeErrorSkipsOneBeacon(t *testing.T) {
	s := newChanSender(nil)
	metrics := NewMetrics("A")
	tx := NewTransmitter("A", 5*time.Millisecond, s, nanAt{seq: 1}, zaptest.NewLogger(t), metrics)

	beacons := decodeAll(t, runTransmitter(t, tx, s, 3))
	want := []uint64{0, 2, 3}
	for i, b := range beacons {
		if b.Seq != want[i] {
			t.Errorf("beacon %d has seq %d, want %d", i, b.Seq, want[i])
		}
	}
	if got := testutil.ToFloat64(metrics.EncodeErrors); got != 1 {
		t.Errorf("encode_errors_total = %v, want 1", got)
	}
}

func TestTransmitter_CancelledBeforeStart(t *testing.T) {
	s := newChanSender(nil)
	metrics := NewMetrics("A")
	tx := NewTransmitter("A", time.Millisecond, s, utils.SyntheticPosition{}, zaptest.NewLogger(t), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tx.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if n := len(s.out); n != 0 {
		t.Errorf("sent %d beacons on a cancelled context, want 0", n)
	}
	if got := testutil.ToFloat64(metrics.BeaconsSent); got != 0 {
		t.Errorf("beacons_sent_total = %v, want 0", got)
	}
}

func TestTransmitter_RateAdherence(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const rate = 10.0
	interval := time.Duration(float64(time.Second) / rate)
	s := newChanSender(nil)
	tx := NewTransmitter("A", interval, s, utils.SyntheticPosition{}, zaptest.NewLogger(t), nil)

	sent := runTransmitter(t, tx, s, 6)
	const jitter = 20 * time.Millisecond
	for i := 1; i < len(sent); i++ {
		gap := sent[i].at.Sub(sent[i-1].at)
		if gap < interval-jitter || gap > interval+jitter {
			t.Errorf("gap between beacon %d and %d = %v, want %v ± %v", i-1, i, gap, interval, jitter)
		}
	}
}
