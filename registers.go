package kvm

import (
	"encoding/binary"

	"go.uber.org/zap/zapcore"
)

// Sizes of struct kvm_regs, kvm_segment, kvm_dtable and kvm_sregs on x86.
const (
	registersSize  = 144
	segmentSize    = 24
	dtableSize     = 16
	sregistersSize = 312
)

// Registers mirrors struct kvm_regs.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

// slots lists the fields in kvm_regs order.
func (r *Registers) slots() []*uint64 {
	return []*uint64{
		&r.Rax, &r.Rbx, &r.Rcx, &r.Rdx,
		&r.Rsi, &r.Rdi, &r.Rsp, &r.Rbp,
		&r.R8, &r.R9, &r.R10, &r.R11,
		&r.R12, &r.R13, &r.R14, &r.R15,
		&r.Rip, &r.Rflags,
	}
}

func (r *Registers) encode(b []byte) {
	for i, p := range r.slots() {
		binary.LittleEndian.PutUint64(b[i*8:], *p)
	}
}

func (r *Registers) decode(b []byte) {
	for i, p := range r.slots() {
		*p = binary.LittleEndian.Uint64(b[i*8:])
	}
}

var registerNames = [...]string{
	"rax", "rbx", "rcx", "rdx",
	"rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11",
	"r12", "r13", "r14", "r15",
	"rip", "rflags",
}

func (r Registers) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for i, p := range r.slots() {
		enc.AddString(registerNames[i], hexAddr(*p))
	}
	return nil
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, Dpl, Db, S, L, G, Avl uint8
	Unusable                       uint8
}

func (s *Segment) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], s.Base)
	binary.LittleEndian.PutUint32(b[8:], s.Limit)
	binary.LittleEndian.PutUint16(b[12:], s.Selector)
	b[14] = s.Type
	b[15] = s.Present
	b[16] = s.Dpl
	b[17] = s.Db
	b[18] = s.S
	b[19] = s.L
	b[20] = s.G
	b[21] = s.Avl
	b[22] = s.Unusable
	b[23] = 0
}

func (s *Segment) decode(b []byte) {
	s.Base = binary.LittleEndian.Uint64(b[0:])
	s.Limit = binary.LittleEndian.Uint32(b[8:])
	s.Selector = binary.LittleEndian.Uint16(b[12:])
	s.Type = b[14]
	s.Present = b[15]
	s.Dpl = b[16]
	s.Db = b[17]
	s.S = b[18]
	s.L = b[19]
	s.G = b[20]
	s.Avl = b[21]
	s.Unusable = b[22]
}

// Dtable mirrors struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
}

func (d *Dtable) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], d.Base)
	binary.LittleEndian.PutUint16(b[8:], d.Limit)
	clear(b[10:dtableSize])
}

func (d *Dtable) decode(b []byte) {
	d.Base = binary.LittleEndian.Uint64(b[0:])
	d.Limit = binary.LittleEndian.Uint16(b[8:])
}

const NRInterrupts = 256

// SRegisters mirrors struct kvm_sregs.
type SRegisters struct {
	Cs, Ds, Es, Fs, Gs, Ss  Segment
	Tr, Ldt                 Segment
	Gdt, Idt                Dtable
	Cr0, Cr2, Cr3, Cr4, Cr8 uint64
	Efer                    uint64
	ApicBase                uint64
	InterruptBitmap         [(NRInterrupts + 63) / 64]uint64
}

func (s *SRegisters) segments() []*Segment {
	return []*Segment{&s.Cs, &s.Ds, &s.Es, &s.Fs, &s.Gs, &s.Ss, &s.Tr, &s.Ldt}
}

func (s *SRegisters) controls() []*uint64 {
	return []*uint64{&s.Cr0, &s.Cr2, &s.Cr3, &s.Cr4, &s.Cr8, &s.Efer, &s.ApicBase}
}

const (
	sregsDtablesOffset  = 8 * segmentSize
	sregsControlsOffset = sregsDtablesOffset + 2*dtableSize
	sregsBitmapOffset   = sregsControlsOffset + 7*8
)

func (s *SRegisters) encode(b []byte) {
	for i, seg := range s.segments() {
		seg.encode(b[i*segmentSize:])
	}
	s.Gdt.encode(b[sregsDtablesOffset:])
	s.Idt.encode(b[sregsDtablesOffset+dtableSize:])
	for i, p := range s.controls() {
		binary.LittleEndian.PutUint64(b[sregsControlsOffset+i*8:], *p)
	}
	for i, w := range s.InterruptBitmap {
		binary.LittleEndian.PutUint64(b[sregsBitmapOffset+i*8:], w)
	}
}

func (s *SRegisters) decode(b []byte) {
	for i, seg := range s.segments() {
		seg.decode(b[i*segmentSize:])
	}
	s.Gdt.decode(b[sregsDtablesOffset:])
	s.Idt.decode(b[sregsDtablesOffset+dtableSize:])
	for i, p := range s.controls() {
		*p = binary.LittleEndian.Uint64(b[sregsControlsOffset+i*8:])
	}
	for i := range s.InterruptBitmap {
		s.InterruptBitmap[i] = binary.LittleEndian.Uint64(b[sregsBitmapOffset+i*8:])
	}
}

// Control register and flag bits touched by InitState.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31

	// rflagsReserved is bit 1 of RFLAGS, which must always be set.
	rflagsReserved = 1 << 1
)

// flatCodeSegment covers the whole 4GiB address space as ring 0, 32-bit,
// execute/read code.
func flatCodeSegment() Segment {
	return Segment{
		Base:    0,
		Limit:   0xffffffff,
		Type:    0xb, // Execute/Read, accessed
		Present: 1,
		Dpl:     0,
		Db:      1,
		S:       1,
		L:       0,
		G:       1,
	}
}

// flatDataSegment is flatCodeSegment with a read/write data type.
func flatDataSegment() Segment {
	s := flatCodeSegment()
	s.Type = 0x3 // Read/Write, accessed
	return s
}
