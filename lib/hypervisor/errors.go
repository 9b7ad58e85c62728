package hypervisor

import "errors"

var (
	// ErrImageNotFound is returned when a boot artifact does not exist
	ErrImageNotFound = errors.New("boot image not found")

	// ErrInvalidSpec is returned when a VM spec cannot be used
	ErrInvalidSpec = errors.New("invalid vm spec")

	// ErrUnknownType is returned when no backend is registered for a type
	ErrUnknownType = errors.New("unknown hypervisor type")

	// ErrUnknownHandle is returned when a handle was not issued by this backend
	ErrUnknownHandle = errors.New("unknown vm handle")
)
