// Package link adapts sensor transports that are not MQTT (a serial
// port, or a local simulator) into a stream of raw packets.
package link

import "context"

// Source produces packets on its channel until ctx is cancelled
type Source interface {
	Start(ctx context.Context) error
}

var (
	_ Source = (*SerialSource)(nil)
	_ Source = (*Simulator)(nil)
)
