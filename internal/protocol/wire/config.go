package wire

import "time"

// Config holds per-connection timeouts for the TCP bus.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// SeenTTL bounds how long a correlation id is remembered for dedup.
	SeenTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		SeenTTL:          2 * time.Minute,
	}
}
