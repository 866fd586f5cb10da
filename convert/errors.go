package convert

import (
	"errors"

	"github.com/jmorganca/shardconv/fs/checkpoint"
)

var (
	// ErrTopologyMismatch reports a dimension that is not evenly divisible by
	// the requested parallel degree.
	ErrTopologyMismatch = errors.New("topology mismatch")
	// ErrUnknownParameterRole reports a parameter whose partition axis cannot
	// be determined from its name.
	ErrUnknownParameterRole = errors.New("unknown parameter role")
	// ErrMissingShard reports a rank whose checkpoint could not be found.
	ErrMissingShard = checkpoint.ErrMissingShard
	// ErrAmbiguousExpertAccumulation reports shards that arrived out of rank order.
	ErrAmbiguousExpertAccumulation = errors.New("ambiguous expert accumulation")
	// ErrInvalidMode reports a conversion request without exactly one mode.
	ErrInvalidMode = errors.New("invalid conversion request")
)
