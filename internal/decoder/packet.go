package decoder

import (
	"encoding/binary"
	"time"

	"ecg-relay/internal/models"
)

// Config holds configuration for packet decoding
type Config struct {
	Signed bool // Reinterpret values >= 0x8000 as negative (bipolar amplitude)
}

// DefaultConfig returns default decoder configuration
func DefaultConfig() Config {
	return Config{
		Signed: true,
	}
}

// Decoder turns raw link packets into Units
type Decoder struct {
	config Config
	now    func() time.Time
	base   time.Time // carries a monotonic reading
}

// New creates a new packet decoder
func New(config Config) *Decoder {
	return &Decoder{
		config: config,
		now:    time.Now,
		base:   time.Now(),
	}
}

// Decode parses a raw block into samples using the decoder's signedness
func (d *Decoder) Decode(raw []byte) []int {
	return DecodeSamples(raw, d.config.Signed)
}

// DecodePacket builds a Unit stamped with the packet's arrival time.
// Packets without an arrival time are stamped with the current time.
func (d *Decoder) DecodePacket(p models.Packet) models.Unit {
	ts := p.ReceivedAt
	if ts.IsZero() {
		ts = d.now()
	}
	return models.Unit{
		TS:      d.stamp(ts),
		Device:  p.DeviceID,
		Samples: d.Decode(p.Payload),
	}
}

// stamp converts an arrival time to epoch milliseconds on the decoder's
// own timeline: the wall time at construction plus the monotonic time
// elapsed since. Wall clock steps after start-up do not reorder units.
// Times without a monotonic reading fall back to their wall value.
func (d *Decoder) stamp(at time.Time) int64 {
	return d.base.Add(at.Sub(d.base)).UnixMilli()
}

// DecodeSamples groups raw two bytes at a time, low byte first.
// A trailing odd byte is discarded, so the result has len(raw)/2 entries.
func DecodeSamples(raw []byte, signed bool) []int {
	n := len(raw) / 2
	samples := make([]int, n)

	for i := 0; i < n; i++ {
		v := binary.LittleEndian.Uint16(raw[2*i : 2*i+2])
		if signed {
			samples[i] = int(int16(v))
		} else {
			samples[i] = int(v)
		}
	}

	return samples
}

// EncodeSamples is the inverse of DecodeSamples. Values outside the
// 16-bit range are truncated to their low 16 bits.
func EncodeSamples(samples []int) []byte {
	raw := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	return raw
}
