package dataType

import "time"

const V2XNodeVersion = "1.2.0"

// PeerState is the per-sender view kept by the peer table.
type PeerState struct {
	ID         string    `json:"id"`
	Addr       string    `json:"addr"`
	LastSeq    uint64    `json:"last_seq"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	LastSentTS float64   `json:"last_ts"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Speed      float64   `json:"speed"`
	Received   uint64    `json:"received"`
	Lost       uint64    `json:"lost"`        // Sum of forward seq gaps
	OutOfOrder uint64    `json:"out_of_order"` // Duplicates and late arrivals
	Restarts   uint64    `json:"restarts"`     // Counter resets detected
}

// PeerSnapshot is a PeerState plus observed receive rates.
type PeerSnapshot struct {
	PeerState
	Rate1s  float64 `json:"rate_1s"`
	Rate10s float64 `json:"rate_10s"`
}
