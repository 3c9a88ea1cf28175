//go:build linux && cgo

package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <semaphore.h>
#include <errno.h>

#define RING_BUFFER_SIZE 8
#define MAX_FRAME_SIZE (1920 * 1080 * 2)
#define MAX_IR_SIZE (1024 * 1024 * 2)

// One slot. The writer sets frame_number to 0 before touching a slot and
// to the new (non-zero) number once data is complete.
typedef struct {
    volatile uint64_t frame_number;
    struct timespec timestamp;        // host CLOCK_REALTIME at capture
    uint64_t device_timestamp_usec;   // sensor clock
    int camera_id;                    // 0=color 1=depth 2=ir
    int width;
    int height;
    int stride;
    int format;
    uint32_t exposure_usec;
    uint32_t white_balance;
    uint32_t iso_speed;
    float temperature;                // NaN when not reported
    uint32_t _reserved;
    size_t data_size;
    size_t ir_size;                   // IR companion of a depth frame, 0 if none
    uint8_t data[MAX_FRAME_SIZE];
    uint8_t ir[MAX_IR_SIZE];
} SensorFrame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];  // sem_t (32 bytes on Linux)
    SensorFrame frames[RING_BUFFER_SIZE];
} SensorRing;

static SensorRing* open_ring(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    SensorRing* ring = (SensorRing*)mmap(NULL, sizeof(SensorRing),
        PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (ring == MAP_FAILED) {
        return NULL;
    }
    return ring;
}

static void close_ring(SensorRing* ring) {
    if (ring != NULL) {
        munmap((void*)ring, sizeof(SensorRing));
    }
}

// 0 on success, negative errno on failure (-ETIMEDOUT on timeout)
static int wait_new_frame(SensorRing* ring, int timeout_ms) {
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }
    if (sem_timedwait((sem_t*)&ring->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

static uint32_t write_index(SensorRing* ring) {
    return __atomic_load_n(&ring->write_index, __ATOMIC_ACQUIRE);
}

static uint64_t frame_number(SensorRing* ring, uint32_t index) {
    return __atomic_load_n(&ring->frames[index].frame_number, __ATOMIC_ACQUIRE);
}

static SensorFrame* frame_at(SensorRing* ring, uint32_t index) {
    return &ring->frames[index];
}
*/
import "C"

import (
	"context"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

const (
	RingBufferSize = 8
	MaxFrameSize   = 1920 * 1080 * 2
	MaxIRSize      = 1024 * 1024 * 2

	etimedout = 110
	eintr     = 4
)

type shmRing struct {
	ring *C.SensorRing
	name string
}

func openRing(ctx context.Context, name string) (*shmRing, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for attempt := 0; ; attempt++ {
		if r := C.open_ring(cName); r != nil {
			logger.Info("Reader", "Successfully opened shared memory: %s", name)
			return &shmRing{ring: r, name: name}, nil
		}
		if attempt%5 == 0 {
			logger.Info("Reader", "Waiting for shared memory %s to appear... (%d)", name, attempt+1)
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "open shared memory %s", name)
		case <-ticker.C:
		}
	}
}

func (r *shmRing) Close() error {
	if r.ring != nil {
		C.close_ring(r.ring)
		r.ring = nil
	}
	return nil
}

func (r *shmRing) Wait(timeout time.Duration) error {
	if r.ring == nil {
		return ErrNotOpen
	}
	ms := int(timeout.Milliseconds())
	if ms <= 0 {
		ms = 1
	}
	switch res := -int(C.wait_new_frame(r.ring, C.int(ms))); res {
	case 0:
		return nil
	case etimedout, eintr:
		return ErrTimeout
	default:
		return errors.Errorf("semaphore wait failed (errno %d)", res)
	}
}

func (r *shmRing) WriteIndex() uint32 {
	return uint32(C.write_index(r.ring))
}

func (r *shmRing) Slots() uint32 {
	return RingBufferSize
}

func (r *shmRing) FrameNumber(index uint32) uint64 {
	return uint64(C.frame_number(r.ring, C.uint32_t(index)))
}

func (r *shmRing) Slot(index uint32) (header, []byte, []byte, error) {
	if r.ring == nil {
		return header{}, nil, nil, ErrNotOpen
	}
	if index >= RingBufferSize {
		return header{}, nil, nil, errors.Errorf("slot %d out of range", index)
	}

	f := C.frame_at(r.ring, C.uint32_t(index))
	h := header{
		FrameNumber:  r.FrameNumber(index),
		Host:         time.Unix(int64(f.timestamp.tv_sec), int64(f.timestamp.tv_nsec)),
		Device:       time.Duration(f.device_timestamp_usec) * time.Microsecond,
		CameraID:     int(f.camera_id),
		Width:        int(f.width),
		Height:       int(f.height),
		Stride:       int(f.stride),
		Format:       int(f.format),
		Exposure:     time.Duration(f.exposure_usec) * time.Microsecond,
		WhiteBalance: uint32(f.white_balance),
		ISOSpeed:     uint32(f.iso_speed),
		Temperature:  float32(f.temperature),
	}

	size := int(f.data_size)
	irSize := int(f.ir_size)
	if size > MaxFrameSize || irSize > MaxIRSize {
		return h, nil, nil, errors.Errorf("frame %d: size %d/%d exceeds slot", h.FrameNumber, size, irSize)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(&f.data[0])), size)
	var ir []byte
	if irSize > 0 {
		ir = unsafe.Slice((*byte)(unsafe.Pointer(&f.ir[0])), irSize)
	}
	return h, data, ir, nil
}

// Open maps the shared-memory ring name, waiting for the capture daemon to
// create it until ctx is done, and returns a pump delivering frames of
// stream to cb.
func Open(ctx context.Context, name string, alloc *allocator.Allocator, stream types.StreamID, cb types.FrameCallback, cbCtx any) (*Pump, error) {
	if cb == nil || alloc == nil {
		return nil, errors.New("shm: callback and allocator are required")
	}
	r, err := openRing(ctx, name)
	if err != nil {
		return nil, err
	}
	return newPump(name, r, alloc, stream, cb, cbCtx), nil
}
