// Package vm interprets linked images. It decodes the instruction subset
// the assembler emits and nothing more; an undecodable byte stream means
// the image is corrupt and stops the machine.
package vm

import (
	"fmt"

	"github.com/fuselang/fuse/pkg/image"
)

const (
	// stackTop sits far above any section the linker places.
	stackTop  = uint64(0x7FFF_0000)
	stackSize = uint64(0x10000)

	// returnSentinel is pushed as main's return address; reaching it ends
	// the run.
	returnSentinel = uint64(0xFFFF_FFFF_FFFF_0000)

	defaultStepLimit = 100_000_000
)

// Machine executes one image.
type Machine struct {
	regs  [16]uint64
	rip   uint64
	image *image.Image
	stack []byte

	// Comparison results for conditional jumps, set by cmp.
	zf, lt, gt bool

	StepLimit int
}

// Register indices follow instruction encoding order.
const (
	rax = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
)

// New prepares a machine for one image. Section contents are copied so a
// run never mutates the caller's image.
func New(im *image.Image) *Machine {
	private := &image.Image{Entry: im.Entry}
	for _, s := range im.Sections {
		bytes := make([]byte, len(s.Bytes))
		copy(bytes, s.Bytes)
		private.Sections = append(private.Sections, image.Section{Kind: s.Kind, Addr: s.Addr, Bytes: bytes})
	}
	m := &Machine{image: private, stack: make([]byte, stackSize), StepLimit: defaultStepLimit}
	m.regs[rsp] = stackTop
	return m
}

// Run executes from the image entry point until the entry function returns,
// and reports the value it left in rax.
func (m *Machine) Run() (uint64, error) {
	m.rip = m.image.Entry
	m.push(returnSentinel)
	for steps := 0; ; steps++ {
		if m.rip == returnSentinel {
			return m.regs[rax], nil
		}
		if steps >= m.StepLimit {
			return 0, fmt.Errorf("execution exceeded %d steps at %#x", m.StepLimit, m.rip)
		}
		if err := m.step(); err != nil {
			return 0, err
		}
	}
}

// Memory

func (m *Machine) memAt(addr uint64, n int) ([]byte, error) {
	end := addr + uint64(n)
	if addr >= stackTop-stackSize && end <= stackTop {
		off := addr - (stackTop - stackSize)
		return m.stack[off : off+uint64(n)], nil
	}
	for i := range m.image.Sections {
		s := &m.image.Sections[i]
		if addr >= s.Addr && end <= s.End() {
			off := addr - s.Addr
			return s.Bytes[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("memory access to unmapped address %#x at %#x", addr, m.rip)
}

func (m *Machine) load(addr uint64, width int) (uint64, error) {
	b, err := m.memAt(addr, width)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (m *Machine) store(addr uint64, v uint64, width int) error {
	b, err := m.memAt(addr, width)
	if err != nil {
		return err
	}
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return nil
}

func (m *Machine) push(v uint64) {
	m.regs[rsp] -= 8
	m.store(m.regs[rsp], v, 8)
}

func (m *Machine) pop() (uint64, error) {
	v, err := m.load(m.regs[rsp], 8)
	m.regs[rsp] += 8
	return v, err
}

// setReg writes a register at the given width with hardware zero-extension
// rules: 32-bit writes clear the upper half, narrower writes merge.
func (m *Machine) setReg(r int, v uint64, width int) {
	switch width {
	case 8:
		m.regs[r] = v
	case 4:
		m.regs[r] = v & 0xFFFF_FFFF
	case 2:
		m.regs[r] = m.regs[r]&^0xFFFF | v&0xFFFF
	case 1:
		m.regs[r] = m.regs[r]&^0xFF | v&0xFF
	}
}

// Fetch helpers

func (m *Machine) fetch(n int) ([]byte, error) {
	b, err := m.memAt(m.rip, n)
	if err != nil {
		return nil, fmt.Errorf("instruction fetch: %w", err)
	}
	m.rip += uint64(n)
	return b, nil
}

func (m *Machine) fetchByte() (byte, error) {
	b, err := m.fetch(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Machine) fetchImm(size int) (uint64, error) {
	b, err := m.fetch(size)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func signExtend(v uint64, size int) uint64 {
	shift := 64 - size*8
	return uint64(int64(v<<shift) >> shift)
}

// effAddr is one decoded ModRM operand: either a register or a memory
// address.
type effAddr struct {
	isReg bool
	reg   int
	addr  uint64
}

func (m *Machine) readOperand(ea effAddr, width int) (uint64, error) {
	if ea.isReg {
		return m.regs[ea.reg] & widthMask(width), nil
	}
	return m.load(ea.addr, width)
}

func (m *Machine) writeOperand(ea effAddr, v uint64, width int) error {
	if ea.isReg {
		m.setReg(ea.reg, v, width)
		return nil
	}
	return m.store(ea.addr, v, width)
}

func widthMask(width int) uint64 {
	if width == 8 {
		return ^uint64(0)
	}
	return 1<<(width*8) - 1
}

// decodeModRM handles the encoder's two addressing forms: direct register
// (mod 11) and base plus disp32 (mod 10, SIB only for rsp/r12 bases).
func (m *Machine) decodeModRM(rexR, rexB bool) (regField int, ea effAddr, err error) {
	modrm, err := m.fetchByte()
	if err != nil {
		return 0, effAddr{}, err
	}
	mod := modrm >> 6
	regField = int(modrm >> 3 & 7)
	if rexR {
		regField += 8
	}
	rm := int(modrm & 7)
	base := rm
	if rexB {
		base += 8
	}
	switch mod {
	case 3:
		return regField, effAddr{isReg: true, reg: base}, nil
	case 2:
		if rm == 4 {
			sib, err := m.fetchByte()
			if err != nil {
				return 0, effAddr{}, err
			}
			if sib != 0x24 {
				return 0, effAddr{}, fmt.Errorf("unsupported SIB byte %#x at %#x", sib, m.rip)
			}
		}
		disp, err := m.fetchImm(4)
		if err != nil {
			return 0, effAddr{}, err
		}
		return regField, effAddr{addr: m.regs[base] + signExtend(disp, 4)}, nil
	}
	return 0, effAddr{}, fmt.Errorf("unsupported ModRM mode %d at %#x", mod, m.rip)
}

// Execution

func (m *Machine) step() error {
	start := m.rip

	width := 4
	var rexR, rexB, rexW bool
	opsize16 := false
	b, err := m.fetchByte()
	if err != nil {
		return err
	}
	if b == 0x66 {
		opsize16 = true
		if b, err = m.fetchByte(); err != nil {
			return err
		}
	}
	if b&0xF0 == 0x40 {
		rexW = b&8 != 0
		rexR = b&4 != 0
		rexB = b&1 != 0
		if b, err = m.fetchByte(); err != nil {
			return err
		}
	}
	if rexW {
		width = 8
	} else if opsize16 {
		width = 2
	}

	switch {
	case b == 0x90: // nop
		return nil
	case b == 0xC3: // ret
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.rip = v
		return nil
	case b == 0xC9: // leave
		m.regs[rsp] = m.regs[rbp]
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.regs[rbp] = v
		return nil
	case b == 0x99: // cqo (always emitted with REX.W)
		m.regs[rdx] = uint64(int64(m.regs[rax]) >> 63)
		return nil
	case b >= 0x50 && b <= 0x57: // push r
		r := int(b - 0x50)
		if rexB {
			r += 8
		}
		m.push(m.regs[r])
		return nil
	case b >= 0x58 && b <= 0x5F: // pop r
		r := int(b - 0x58)
		if rexB {
			r += 8
		}
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.regs[r] = v
		return nil
	case b == 0x68: // push imm32
		imm, err := m.fetchImm(4)
		if err != nil {
			return err
		}
		m.push(signExtend(imm, 4))
		return nil
	case b >= 0xB8 && b <= 0xBF: // mov r, imm
		r := int(b - 0xB8)
		if rexB {
			r += 8
		}
		size := width
		imm, err := m.fetchImm(size)
		if err != nil {
			return err
		}
		m.setReg(r, imm, width)
		return nil
	case b >= 0xB0 && b <= 0xB7: // mov r8, imm8
		r := int(b - 0xB0)
		if rexB {
			r += 8
		}
		imm, err := m.fetchImm(1)
		if err != nil {
			return err
		}
		m.setReg(r, imm, 1)
		return nil
	case b == 0xE8 || b == 0xE9: // call / jmp rel32
		imm, err := m.fetchImm(4)
		if err != nil {
			return err
		}
		target := m.rip + signExtend(imm, 4)
		if b == 0xE8 {
			m.push(m.rip)
		}
		m.rip = target
		return nil
	case b == 0x0F:
		return m.stepTwoByte(width, rexR, rexB)
	}

	switch b {
	case 0x88, 0x89, 0x8A, 0x8B: // mov
		if b < 0x8A {
			width = widthOr1(b == 0x88, width)
			return m.execMR(width, rexR, rexB, func(dst, src uint64) uint64 { return src })
		}
		width = widthOr1(b == 0x8A, width)
		return m.execRM(width, rexR, rexB, func(dst, src uint64) uint64 { return src })
	case 0x00, 0x01: // add rm, r
		return m.execMR(widthOr1(b == 0x00, width), rexR, rexB, func(dst, src uint64) uint64 { return dst + src })
	case 0x02, 0x03: // add r, rm
		return m.execRM(widthOr1(b == 0x02, width), rexR, rexB, func(dst, src uint64) uint64 { return dst + src })
	case 0x28, 0x29: // sub rm, r
		return m.execMR(widthOr1(b == 0x28, width), rexR, rexB, func(dst, src uint64) uint64 { return dst - src })
	case 0x2A, 0x2B: // sub r, rm
		return m.execRM(widthOr1(b == 0x2A, width), rexR, rexB, func(dst, src uint64) uint64 { return dst - src })
	case 0x38, 0x39: // cmp rm, r
		w := widthOr1(b == 0x38, width)
		regField, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		dst, err := m.readOperand(ea, w)
		if err != nil {
			return err
		}
		m.setFlags(dst, m.regs[regField]&widthMask(w), w)
		return nil
	case 0x3A, 0x3B: // cmp r, rm
		w := widthOr1(b == 0x3A, width)
		regField, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		src, err := m.readOperand(ea, w)
		if err != nil {
			return err
		}
		m.setFlags(m.regs[regField]&widthMask(w), src, w)
		return nil
	case 0x80, 0x81: // immediate group: add/sub/cmp rm, imm
		w := widthOr1(b == 0x80, width)
		ext, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		size := 4
		if b == 0x80 {
			size = 1
		} else if w == 2 {
			size = 2
		}
		raw, err := m.fetchImm(size)
		if err != nil {
			return err
		}
		imm := signExtend(raw, size)
		dst, err := m.readOperand(ea, w)
		if err != nil {
			return err
		}
		switch ext & 7 {
		case 0:
			return m.writeOperand(ea, dst+imm, w)
		case 5:
			return m.writeOperand(ea, dst-imm, w)
		case 7:
			m.setFlags(dst, imm&widthMask(w), w)
			return nil
		}
		return fmt.Errorf("unsupported immediate-group extension %d at %#x", ext&7, start)
	case 0xC6, 0xC7: // mov rm, imm
		w := widthOr1(b == 0xC6, width)
		_, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		size := 4
		if b == 0xC6 {
			size = 1
		} else if w == 2 {
			size = 2
		}
		raw, err := m.fetchImm(size)
		if err != nil {
			return err
		}
		return m.writeOperand(ea, signExtend(raw, size), w)
	case 0xF6, 0xF7: // unary group: neg/div/idiv
		w := widthOr1(b == 0xF6, width)
		ext, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		v, err := m.readOperand(ea, w)
		if err != nil {
			return err
		}
		switch ext & 7 {
		case 3:
			return m.writeOperand(ea, -v&widthMask(w), w)
		case 6:
			if v == 0 {
				return fmt.Errorf("division by zero at %#x", start)
			}
			m.regs[rax], m.regs[rdx] = m.regs[rax]/v, m.regs[rax]%v
			return nil
		case 7:
			if v == 0 {
				return fmt.Errorf("division by zero at %#x", start)
			}
			dividend := int64(m.regs[rax])
			divisor := int64(signExtend(v, w))
			m.regs[rax] = uint64(dividend / divisor)
			m.regs[rdx] = uint64(dividend % divisor)
			return nil
		}
		return fmt.Errorf("unsupported unary-group extension %d at %#x", ext&7, start)
	case 0x8D: // lea
		regField, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		if ea.isReg {
			return fmt.Errorf("lea with register operand at %#x", start)
		}
		m.setReg(regField, ea.addr, width)
		return nil
	}
	return fmt.Errorf("undecodable opcode %#02x at %#x", b, start)
}

func (m *Machine) stepTwoByte(width int, rexR, rexB bool) error {
	start := m.rip - 1
	b, err := m.fetchByte()
	if err != nil {
		return err
	}
	switch b {
	case 0xAF: // imul r, rm
		return m.execRM(width, rexR, rexB, func(dst, src uint64) uint64 { return dst * src })
	case 0xB6, 0xB7: // movzx r, rm8/rm16
		srcWidth := 1
		if b == 0xB7 {
			srcWidth = 2
		}
		regField, ea, err := m.decodeModRM(rexR, rexB)
		if err != nil {
			return err
		}
		v, err := m.readOperand(ea, srcWidth)
		if err != nil {
			return err
		}
		m.setReg(regField, v, width)
		return nil
	case 0x84, 0x85, 0x8C, 0x8F: // jcc rel32
		imm, err := m.fetchImm(4)
		if err != nil {
			return err
		}
		taken := false
		switch b {
		case 0x84:
			taken = m.zf
		case 0x85:
			taken = !m.zf
		case 0x8C:
			taken = m.lt
		case 0x8F:
			taken = m.gt
		}
		if taken {
			m.rip += signExtend(imm, 4)
		}
		return nil
	}
	return fmt.Errorf("undecodable opcode 0x0f %#02x at %#x", b, start)
}

func widthOr1(isByte bool, width int) int {
	if isByte {
		return 1
	}
	return width
}

// execMR runs an instruction whose ModRM.rm is the destination.
func (m *Machine) execMR(width int, rexR, rexB bool, f func(dst, src uint64) uint64) error {
	regField, ea, err := m.decodeModRM(rexR, rexB)
	if err != nil {
		return err
	}
	dst, err := m.readOperand(ea, width)
	if err != nil {
		return err
	}
	src := m.regs[regField] & widthMask(width)
	return m.writeOperand(ea, f(dst, src)&widthMask(width), width)
}

// execRM runs an instruction whose ModRM.reg is the destination.
func (m *Machine) execRM(width int, rexR, rexB bool, f func(dst, src uint64) uint64) error {
	regField, ea, err := m.decodeModRM(rexR, rexB)
	if err != nil {
		return err
	}
	src, err := m.readOperand(ea, width)
	if err != nil {
		return err
	}
	dst := m.regs[regField] & widthMask(width)
	m.setReg(regField, f(dst, src)&widthMask(width), width)
	return nil
}

// setFlags records a signed comparison of a against b at the given width.
func (m *Machine) setFlags(a, b uint64, width int) {
	sa := int64(signExtend(a, width))
	sb := int64(signExtend(b, width))
	m.zf = sa == sb
	m.lt = sa < sb
	m.gt = sa > sb
}
