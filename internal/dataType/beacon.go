package dataType

// Beacon is one periodic safety message. Field names are the wire names.
type Beacon struct {
	ID    string  `json:"id"`    // Sender node identity
	Seq   uint64  `json:"seq"`   // Per-sender sequence number, 0 at process start
	TS    float64 `json:"ts"`    // Sender clock at encode time, seconds since epoch
	Lat   float64 `json:"lat"`   // Degrees
	Lon   float64 `json:"lon"`   // Degrees
	Speed float64 `json:"speed"` // Scalar speed
}

// Position is what a position source reports for one beacon.
type Position struct {
	Lat   float64
	Lon   float64
	Speed float64
}
