package utils

import "v2x_node/internal/dataType"

const (
	syntheticBaseLat   = 38.895
	syntheticBaseLon   = -77.036
	syntheticBaseSpeed = 5.0
)

// SyntheticPosition is a stand-in for a GPS fix: a small drift around a
// fixed point and a speed cycling through 5..9, both derived from seq.
type SyntheticPosition struct{}

func (SyntheticPosition) Position(seq uint64) dataType.Position {
	return dataType.Position{
		Lat:   syntheticBaseLat + 0.0001*float64(seq%10),
		Lon:   syntheticBaseLon + 0.0001*float64(seq%7),
		Speed: syntheticBaseSpeed + float64(seq%5),
	}
}
