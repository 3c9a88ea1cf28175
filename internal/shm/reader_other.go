//go:build !linux || !cgo

package shm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

// Open is unavailable without linux and cgo
func Open(_ context.Context, name string, _ *allocator.Allocator, _ types.StreamID, _ types.FrameCallback, _ any) (*Pump, error) {
	return nil, errors.Wrap(ErrUnsupported, name)
}
