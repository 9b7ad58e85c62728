package vms

import "errors"

var (
	// ErrNotFound is returned when no record exists for a VM id
	ErrNotFound = errors.New("vm not found")

	// ErrDuplicateID is returned when creating a VM whose id is already live
	ErrDuplicateID = errors.New("vm id already exists")

	// ErrInvalidID is returned when a VM id cannot name an artifact directory
	ErrInvalidID = errors.New("invalid vm id")

	// ErrImageNotFound is returned when the Nix store path or a boot artifact is missing
	ErrImageNotFound = errors.New("image not found")

	// ErrNetworkExhausted is returned when the subnet has no free address
	ErrNetworkExhausted = errors.New("network address pool exhausted")

	// ErrBackend wraps a hypervisor backend failure
	ErrBackend = errors.New("backend error")

	// ErrNoDataYet is returned when no successful metrics poll is available
	ErrNoDataYet = errors.New("no metrics data yet")

	// ErrInvalidState is returned when a status transition is not valid
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInvalidConfig is returned when the manager configuration is incomplete
	ErrInvalidConfig = errors.New("invalid vm manager config")
)
