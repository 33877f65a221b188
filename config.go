package bio

import (
	"time"
)

type Config struct {
	BlockSize     uint64        // bytes per block on newly attached devices
	QueueDepth    uint64        // fetched requests a driver may hold
	MaxRequests   uint64        // request pool bound, 0 for unbounded
	MaxBufs       uint64        // descriptors per device before eviction, 0 for unbounded
	FlushInterval time.Duration // period of the background flusher
}

func DefaultConfig() Config {
	return Config{
		BlockSize:     1024,
		QueueDepth:    1,
		MaxRequests:   0,
		MaxBufs:       0,
		FlushInterval: time.Second,
	}
}

// fill replaces zero fields with their defaults.
func (cfg Config) fill() Config {
	def := DefaultConfig()
	if cfg.BlockSize == 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return cfg
}
