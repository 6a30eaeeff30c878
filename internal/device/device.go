// Package device provides the memory abstraction underneath tensors: a
// per-device allocator with direction-aware copies, and a process-wide
// registry that hands out one allocator per device type.
package device

import (
	"fmt"
	"strings"
)

// Type identifies where a piece of memory lives.
type Type uint8

const (
	Unset Type = iota
	CPU
	CUDA
)

func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return "unset"
	}
}

// ParseType normalizes a user-supplied device name.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "cuda":
		return CUDA, nil
	default:
		return Unset, fmt.Errorf("unknown device %q (expected cpu or cuda)", name)
	}
}

// CopyDirection selects the transfer kind for Allocator.Memcpy.
type CopyDirection uint8

const (
	CopyHostToHost CopyDirection = iota
	CopyHostToDevice
	CopyDeviceToHost
	CopyDeviceToDevice
)

func (d CopyDirection) String() string {
	switch d {
	case CopyHostToHost:
		return "h2h"
	case CopyHostToDevice:
		return "h2d"
	case CopyDeviceToHost:
		return "d2h"
	case CopyDeviceToDevice:
		return "d2d"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// DirectionOf derives the transfer kind for a copy into dst memory from src
// memory. Both sides must carry a concrete device type.
func DirectionOf(dst, src Type) (CopyDirection, error) {
	if dst == Unset || src == Unset {
		return 0, ErrDeviceUnset
	}
	switch {
	case src == CPU && dst == CPU:
		return CopyHostToHost, nil
	case src == CPU && dst == CUDA:
		return CopyHostToDevice, nil
	case src == CUDA && dst == CPU:
		return CopyDeviceToHost, nil
	default:
		return CopyDeviceToDevice, nil
	}
}
