// Package codec converts beacons to and from their JSON wire form.
//
// The wire form is one JSON object per datagram with the literal keys
// id, seq, ts, lat, lon and speed. Unknown keys are ignored so newer
// senders can add fields without breaking older receivers.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"v2x_node/internal/dataType"
)

var (
	// ErrMalformed matches every *DecodeError.
	ErrMalformed = errors.New("malformed beacon")
	// ErrInvalidBeacon is returned by Encode for values JSON cannot carry.
	ErrInvalidBeacon = errors.New("invalid beacon")
)

// DecodeError describes why a payload is not a beacon.
type DecodeError struct {
	Field  string // Empty when the payload as a whole is unusable
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "malformed beacon: " + e.Reason
	}
	return fmt.Sprintf("malformed beacon: field %q: %s", e.Field, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// Encode renders b as a JSON object with keys in a fixed order.
func Encode(b dataType.Beacon) ([]byte, error) {
	floats := [...]struct {
		name string
		v    float64
	}{{"ts", b.TS}, {"lat", b.Lat}, {"lon", b.Lon}, {"speed", b.Speed}}
	for _, f := range floats {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return nil, fmt.Errorf("%w: %s is not finite", ErrInvalidBeacon, f.name)
		}
	}

	// json.Marshal would swap bad bytes for U+FFFD and the id would no
	// longer match its sender.
	if !utf8.ValidString(b.ID) {
		return nil, fmt.Errorf("%w: id is not valid UTF-8", ErrInvalidBeacon)
	}
	id, err := json.Marshal(b.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBeacon, err)
	}

	buf := make([]byte, 0, 128)
	buf = append(buf, `{"id":`...)
	buf = append(buf, id...)
	buf = append(buf, `,"seq":`...)
	buf = strconv.AppendUint(buf, b.Seq, 10)
	for _, f := range floats {
		buf = append(buf, ',', '"')
		buf = append(buf, f.name...)
		buf = append(buf, '"', ':')
		buf = appendFloat(buf, f.v)
	}
	buf = append(buf, '}')
	return buf, nil
}

// appendFloat formats v the way encoding/json does, except that integral
// values keep a ".0" so the field always reads back as a float.
func appendFloat(buf []byte, v float64) []byte {
	format := byte('f')
	if abs := math.Abs(v); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	start := len(buf)
	buf = strconv.AppendFloat(buf, v, format, -1, 64)
	if bytes.IndexAny(buf[start:], ".eE") < 0 {
		buf = append(buf, '.', '0')
	}
	return buf
}

// Decode parses one datagram payload. Any failure is a *DecodeError.
func Decode(data []byte) (dataType.Beacon, error) {
	var b dataType.Beacon

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return b, &DecodeError{Reason: "empty payload"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return b, &DecodeError{Reason: "not a JSON object: " + err.Error()}
	}
	if fields == nil {
		return b, &DecodeError{Reason: "not a JSON object"}
	}

	var err error
	if b.ID, err = stringField(fields, "id"); err != nil {
		return b, err
	}
	if b.Seq, err = seqField(fields, "seq"); err != nil {
		return b, err
	}
	if b.TS, err = floatField(fields, "ts"); err != nil {
		return b, err
	}
	if b.Lat, err = floatField(fields, "lat"); err != nil {
		return b, err
	}
	if b.Lon, err = floatField(fields, "lon"); err != nil {
		return b, err
	}
	if b.Speed, err = floatField(fields, "speed"); err != nil {
		return b, err
	}
	return b, nil
}

func rawField(fields map[string]json.RawMessage, name string) (json.RawMessage, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, &DecodeError{Field: name, Reason: "missing"}
	}
	if string(raw) == "null" {
		return nil, &DecodeError{Field: name, Reason: "null"}
	}
	return raw, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, err := rawField(fields, name)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Field: name, Reason: "not a string"}
	}
	if s == "" {
		return "", &DecodeError{Field: name, Reason: "empty"}
	}
	return s, nil
}

func numberField(fields map[string]json.RawMessage, name string) (json.Number, error) {
	raw, err := rawField(fields, name)
	if err != nil {
		return "", err
	}
	// json.Number accepts quoted digits, so insist on a bare literal first.
	if raw[0] == '"' {
		return "", &DecodeError{Field: name, Reason: "not a number"}
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", &DecodeError{Field: name, Reason: "not a number"}
	}
	return n, nil
}

func floatField(fields map[string]json.RawMessage, name string) (float64, error) {
	n, err := numberField(fields, name)
	if err != nil {
		return 0, err
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) {
		return 0, &DecodeError{Field: name, Reason: "out of range"}
	}
	return f, nil
}

func seqField(fields map[string]json.RawMessage, name string) (uint64, error) {
	n, err := numberField(fields, name)
	if err != nil {
		return 0, err
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return u, nil
	}
	// Some encoders write integers as 3.0 or 3e2.
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, &DecodeError{Field: name, Reason: "not an integer"}
	}
	if f < 0 {
		return 0, &DecodeError{Field: name, Reason: "negative"}
	}
	if f >= math.MaxUint64 {
		return 0, &DecodeError{Field: name, Reason: "out of range"}
	}
	return uint64(f), nil
}
