package room

import "time"

// Keep-alive and sizing defaults. A peer that sends nothing, not even a pong,
// for PongWait is considered gone.
const (
	DefaultPingPeriod    = 25 * time.Second
	DefaultPongWait      = 60 * time.Second
	DefaultWriteWait     = 10 * time.Second
	DefaultJoinTimeout   = 10 * time.Second
	DefaultSendBuffer    = 256
	DefaultMaxFrameBytes = 64 << 10
)

// Options tunes timeouts and buffers of a session.
type Options struct {
	PingPeriod    time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	JoinTimeout   time.Duration
	SendBuffer    int
	MaxFrameBytes int64
}

// DefaultOptions returns the production keep-alive policy.
func DefaultOptions() Options {
	return Options{
		PingPeriod:    DefaultPingPeriod,
		PongWait:      DefaultPongWait,
		WriteWait:     DefaultWriteWait,
		JoinTimeout:   DefaultJoinTimeout,
		SendBuffer:    DefaultSendBuffer,
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	return o
}
