package network

import "errors"

var (
	// ErrExhausted is returned when every usable address in the subnet is allocated
	ErrExhausted = errors.New("address pool exhausted")

	// ErrBridgeNotFound is returned when the configured bridge does not exist or is not a bridge
	ErrBridgeNotFound = errors.New("bridge not found")

	// ErrNotAllocated is returned when releasing an address the pool did not hand out
	ErrNotAllocated = errors.New("address not allocated")

	// ErrInvalidSubnet is returned for subnets without a usable host address
	ErrInvalidSubnet = errors.New("invalid subnet")
)
