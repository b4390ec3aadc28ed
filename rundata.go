package kvm

import (
	"encoding/binary"

	"go.uber.org/zap/zapcore"
)

// Offsets into struct kvm_run.
const (
	runExitReasonOffset = 8
	runExitUnionOffset  = 32
	runExitUnionSize    = 256

	// runMinSize covers everything up to the end of the exit union.
	runMinSize = runExitUnionOffset + runExitUnionSize
)

// runData is the kvm_run structure shared with the kernel. It is read in place
// after each KVM_RUN.
type runData []byte

func (k runData) exitReason() ExitReason {
	return ExitReason(binary.LittleEndian.Uint32(k[runExitReasonOffset:]))
}

func (k runData) union() []byte {
	return k[runExitUnionOffset : runExitUnionOffset+runExitUnionSize]
}

func (k runData) exitUnknown() ExitUnknown {
	u := k.union()
	return ExitUnknown{HardwareExitReason: binary.LittleEndian.Uint64(u[0:])}
}

func (k runData) exitFailEntry() ExitFailEntry {
	u := k.union()
	return ExitFailEntry{
		HardwareEntryFailureReason: binary.LittleEndian.Uint64(u[0:]),
		CPU:                        binary.LittleEndian.Uint32(u[8:]),
	}
}

func (k runData) exitException() ExitException {
	u := k.union()
	return ExitException{
		Exception: binary.LittleEndian.Uint32(u[0:]),
		ErrorCode: binary.LittleEndian.Uint32(u[4:]),
	}
}

func (k runData) exitIO() ExitIO {
	u := k.union()
	return ExitIO{
		Direction:  IODirection(u[0]),
		Size:       u[1],
		Port:       binary.LittleEndian.Uint16(u[2:]),
		Count:      binary.LittleEndian.Uint32(u[4:]),
		DataOffset: binary.LittleEndian.Uint64(u[8:]),
	}
}

// exitIOData returns a copy of the bytes an I/O exit transfers. They live in
// the run mapping at DataOffset.
func (k runData) exitIOData() []byte {
	io := k.exitIO()
	n := uint64(io.Size) * uint64(io.Count)
	if io.DataOffset > uint64(len(k)) || n > uint64(len(k))-io.DataOffset {
		return nil
	}

	data := make([]byte, n)
	copy(data, k[io.DataOffset:])

	return data
}

func (k runData) exitMMIO() ExitMMIO {
	u := k.union()
	e := ExitMMIO{
		PhysAddr: binary.LittleEndian.Uint64(u[0:]),
		Len:      binary.LittleEndian.Uint32(u[16:]),
		IsWrite:  u[20],
	}
	copy(e.Data[:], u[8:16])
	return e
}

func (k runData) exitInternalError() ExitInternalError {
	u := k.union()
	e := ExitInternalError{
		Suberror: InternalErrorCode(binary.LittleEndian.Uint32(u[0:])),
		Ndata:    binary.LittleEndian.Uint32(u[4:]),
	}
	for i := range e.Data {
		e.Data[i] = binary.LittleEndian.Uint64(u[8+i*8:])
	}
	return e
}

type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	if d == IODirectionOut {
		return "out"
	}
	return "in"
}

type ExitIO struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

func (e ExitIO) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("direction", e.Direction.String())
	enc.AddUint8("size", e.Size)
	enc.AddString("port", hexAddr(uint64(e.Port)))
	enc.AddUint32("count", e.Count)
	enc.AddString("data_offset", hexAddr(e.DataOffset))
	return nil
}

type ExitMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func (e ExitMMIO) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("phys_addr", hexAddr(e.PhysAddr))
	enc.AddUint32("len", e.Len)
	enc.AddBool("is_write", e.IsWrite != 0)
	return nil
}

type ExitUnknown struct {
	HardwareExitReason uint64
}

type ExitFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

type ExitException struct {
	Exception uint32
	ErrorCode uint32
}

type ExitInternalError struct {
	Suberror InternalErrorCode
	Ndata    uint32
	Data     [16]uint64
}
