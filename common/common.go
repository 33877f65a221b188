package common

import (
	"errors"
	"fmt"
)

// Devno names a registered block device.
type Devno uint32

// Bnum is a logical block address, in units of the block size in use.
type Bnum = uint64

type Op uint32

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("op(%d)", uint32(op))
}

const (
	SectorSize uint64 = 512
	PageSize   uint64 = 4096 // largest block size
)

var (
	ErrNoDevice     = errors.New("bio: no such device")
	ErrDeviceExists = errors.New("bio: device already attached")
	ErrIO           = errors.New("bio: I/O error")
	ErrBlockSize    = errors.New("bio: invalid block size")
	ErrBadLength    = errors.New("bio: data length does not match block size")
	ErrNoRequests   = errors.New("bio: request pool exhausted")
	ErrOutOfRange   = errors.New("bio: block beyond end of device")
)

// ValidBlockSize reports whether sz is a usable block size on a device with
// the given sector size.
func ValidBlockSize(sz uint64, sectorSize uint64) bool {
	if sectorSize == 0 || sz == 0 {
		return false
	}
	return sz%sectorSize == 0 && sz <= PageSize
}
