// disasm.go - x86-64 反汇编
//
// 只解码本后端会生成的指令子集。输出格式：
//
//	.bb0:
//	  // add.c : line 3
//	  mov eax, edi
//	  ERROR                      无法解码时跳过一个字节
//
// 带补丁的 rel32 操作数打印为目标符号名，跳转目标打印为块标签。

package x64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tangzhangming/tb/internal/codegen"
)

var ccNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

var aluNames = [8]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}

// Inst 解码出的一条指令
type Inst struct {
	Op     string
	Args   []string
	Len    int
	Target int // 相对跳转/调用的目标偏移，没有时为 -1
}

func (in Inst) String() string {
	if len(in.Args) == 0 {
		return in.Op
	}
	return in.Op + " " + strings.Join(in.Args, ", ")
}

// decoder 解码状态
type decoder struct {
	code    []byte
	patches map[int]string // 位移字段偏移 -> 符号名
	labels  map[int]int    // 代码偏移 -> 块下标
}

type prefixes struct {
	op16 bool
	rep  byte // F2/F3
	rex  byte
}

func (p prefixes) w() bool { return p.rex&0x08 != 0 }
func (p prefixes) r() int  { return int(p.rex>>2&1) << 3 }
func (p prefixes) b() int  { return int(p.rex&1) << 3 }

func (p prefixes) size() int {
	switch {
	case p.w():
		return 8
	case p.op16:
		return 2
	}
	return 4
}

var errTruncated = errors.New("truncated instruction")

// Decode 解码 pos 处的一条指令
func (d *decoder) Decode(pos int) (Inst, error) {
	c := d.code
	i := pos
	var p prefixes

prefix:
	for ; i < len(c); i++ {
		switch b := c[i]; b {
		case 0x66:
			p.op16 = true
		case 0xF2, 0xF3:
			p.rep = b
		default:
			break prefix
		}
	}
	if i < len(c) && c[i]&0xF0 == 0x40 {
		p.rex = c[i]
		i++
	}
	if i >= len(c) {
		return Inst{}, errTruncated
	}

	op := c[i]
	i++
	in := Inst{Target: -1}

	switch {
	case op >= 0x50 && op <= 0x57:
		in.Op, in.Args = "push", []string{RegName(int(op-0x50)+p.b(), 8)}

	case op >= 0x58 && op <= 0x5F:
		in.Op, in.Args = "pop", []string{RegName(int(op-0x58)+p.b(), 8)}

	case op < 0x40 && op&7 <= 3:
		size := p.size()
		if op&1 == 0 {
			size = 1
		}
		reg, rm, n, err := d.modrm(i, size, p)
		if err != nil {
			return in, err
		}
		i += n
		in.Op = aluNames[op>>3]
		r := d.gpr(reg, size, p)
		if op&2 == 0 {
			in.Args = []string{rm, r}
		} else {
			in.Args = []string{r, rm}
		}

	case op == 0x80 || op == 0x81 || op == 0x83:
		size := p.size()
		if op == 0x80 {
			size = 1
		}
		reg, rm, n, err := d.modrm(i, size, p)
		if err != nil {
			return in, err
		}
		i += n
		immSize := 1
		if op == 0x81 {
			immSize = immWidth(size)
		}
		imm, err := d.imm(i, immSize)
		if err != nil {
			return in, err
		}
		i += immSize
		in.Op, in.Args = aluNames[reg&7], []string{rm, fmt.Sprint(imm)}

	case op == 0x88 || op == 0x89 || op == 0x8A || op == 0x8B:
		size := p.size()
		if op&1 == 0 {
			size = 1
		}
		reg, rm, n, err := d.modrm(i, size, p)
		if err != nil {
			return in, err
		}
		i += n
		r := d.gpr(reg, size, p)
		in.Op = "mov"
		if op&2 == 0 {
			in.Args = []string{rm, r}
		} else {
			in.Args = []string{r, rm}
		}

	case op == 0x8D:
		reg, rm, n, err := d.modrm(i, 0, p)
		if err != nil {
			return in, err
		}
		i += n
		in.Op, in.Args = "lea", []string{RegName(reg, p.size()), rm}

	case op == 0x69 || op == 0x6B:
		size := p.size()
		reg, rm, n, err := d.modrm(i, size, p)
		if err != nil {
			return in, err
		}
		i += n
		immSize := 1
		if op == 0x69 {
			immSize = immWidth(size)
		}
		imm, err := d.imm(i, immSize)
		if err != nil {
			return in, err
		}
		i += immSize
		in.Op, in.Args = "imul", []string{RegName(reg, size), rm, fmt.Sprint(imm)}

	case op == 0x99:
		in.Op = "cdq"
		if p.w() {
			in.Op = "cqo"
		}

	case op >= 0xB8 && op <= 0xBF:
		size := 4
		if p.w() {
			size = 8
		}
		imm, err := d.imm(i, size)
		if err != nil {
			return in, err
		}
		i += size
		in.Op, in.Args = "mov", []string{RegName(int(op-0xB8)+p.b(), size), fmt.Sprint(imm)}

	case op == 0xC6 || op == 0xC7:
		size := p.size()
		if op == 0xC6 {
			size = 1
		}
		reg, rm, n, err := d.modrm(i, size, p)
		if err != nil || reg&7 != 0 {
			return in, errBadOpcode(op)
		}
		i += n
		immSize := immWidth(size)
		if size == 1 {
			immSize = 1
		}
		imm, err := d.imm(i, immSize)
		if err != nil {
			return in, err
		}
		i += immSize
		in.Op, in.Args = "mov", []string{rm, fmt.Sprint(imm)}

	case op == 0xC3:
		in.Op = "ret"

	case op == 0xE8 || op == 0xE9:
		rel, err := d.imm(i, 4)
		if err != nil {
			return in, err
		}
		disp := i
		i += 4
		in.Target = i + int(rel)
		in.Op = "call"
		if op == 0xE9 {
			in.Op = "jmp"
		}
		in.Args = []string{d.branchTarget(disp, in.Target)}

	case op == 0xEB || (op >= 0x70 && op <= 0x7F):
		rel, err := d.imm(i, 1)
		if err != nil {
			return in, err
		}
		i++
		in.Target = i + int(rel)
		in.Op = "jmp"
		if op != 0xEB {
			in.Op = "j" + ccNames[op-0x70]
		}
		in.Args = []string{d.branchTarget(-1, in.Target)}

	case op == 0xF7:
		reg, rm, n, err := d.modrm(i, p.size(), p)
		if err != nil {
			return in, err
		}
		i += n
		switch reg & 7 {
		case 6:
			in.Op = "div"
		case 7:
			in.Op = "idiv"
		default:
			return in, errBadOpcode(op)
		}
		in.Args = []string{rm}

	case op == 0xFF:
		reg, rm, n, err := d.modrm(i, 8, p)
		if err != nil || reg&7 != 2 {
			return in, errBadOpcode(op)
		}
		i += n
		in.Op, in.Args = "call", []string{rm}

	case op == 0x0F:
		n, err := d.twoByte(&in, i, p)
		if err != nil {
			return in, err
		}
		i += n

	default:
		return in, errBadOpcode(op)
	}

	in.Len = i - pos
	return in, nil
}

// twoByte 0F 开头的指令
func (d *decoder) twoByte(in *Inst, i int, p prefixes) (int, error) {
	c := d.code
	if i >= len(c) {
		return 0, errTruncated
	}
	op := c[i]
	start := i
	i++

	switch {
	case op == 0x05:
		in.Op = "syscall"

	case op >= 0x80 && op <= 0x8F:
		rel, err := d.imm(i, 4)
		if err != nil {
			return 0, err
		}
		disp := i
		i += 4
		in.Target = i + int(rel)
		in.Op = "j" + ccNames[op-0x80]
		in.Args = []string{d.branchTarget(disp, in.Target)}

	case op >= 0x90 && op <= 0x9F:
		_, rm, n, err := d.modrm(i, 1, p)
		if err != nil {
			return 0, err
		}
		i += n
		in.Op, in.Args = "set"+ccNames[op-0x90], []string{rm}

	case op == 0xAF:
		size := p.size()
		reg, rm, n, err := d.modrm(i, size, p)
		if err != nil {
			return 0, err
		}
		i += n
		in.Op, in.Args = "imul", []string{RegName(reg, size), rm}

	case op == 0xB6 || op == 0xB7:
		srcSize := 1
		if op == 0xB7 {
			srcSize = 2
		}
		reg, rm, n, err := d.modrm(i, srcSize, p)
		if err != nil {
			return 0, err
		}
		i += n
		in.Op, in.Args = "movzx", []string{RegName(reg, p.size()), rm}

	case p.rep != 0 && (op == 0x10 || op == 0x11 || op == 0x58 || op == 0x59 || op == 0x5C || op == 0x5E):
		size := 4
		suffix := "ss"
		if p.rep == 0xF2 {
			size, suffix = 8, "sd"
		}
		reg, rm, n, err := d.modrmXMM(i, size, p)
		if err != nil {
			return 0, err
		}
		i += n
		r := XMMName(reg)
		switch op {
		case 0x10:
			in.Op, in.Args = "mov"+suffix, []string{r, rm}
		case 0x11:
			in.Op, in.Args = "mov"+suffix, []string{rm, r}
		case 0x58:
			in.Op, in.Args = "add"+suffix, []string{r, rm}
		case 0x59:
			in.Op, in.Args = "mul"+suffix, []string{r, rm}
		case 0x5C:
			in.Op, in.Args = "sub"+suffix, []string{r, rm}
		default:
			in.Op, in.Args = "div"+suffix, []string{r, rm}
		}

	default:
		return 0, errBadOpcode(op)
	}
	return i - start, nil
}

type errBadOpcode byte

func (e errBadOpcode) Error() string { return fmt.Sprintf("unknown opcode %#02x", byte(e)) }

func immWidth(size int) int {
	if size == 2 {
		return 2
	}
	return 4
}

// imm 读取有符号立即数
func (d *decoder) imm(i, size int) (int64, error) {
	if i+size > len(d.code) {
		return 0, errTruncated
	}
	b := d.code[i:]
	switch size {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (d *decoder) gpr(reg, size int, p prefixes) string {
	if size == 1 && p.rex == 0 && reg >= 4 && reg < 8 {
		return gpr8High[reg-4]
	}
	return RegName(reg, size)
}

// modrm 解码 ModR/M 及其后的 SIB、位移；返回 reg 字段和 r/m 文本
func (d *decoder) modrm(i, size int, p prefixes) (int, string, int, error) {
	return d.decodeModRM(i, size, p, func(r int) string { return d.gpr(r, size, p) })
}

func (d *decoder) modrmXMM(i, size int, p prefixes) (int, string, int, error) {
	return d.decodeModRM(i, size, p, XMMName)
}

func (d *decoder) decodeModRM(i, size int, p prefixes, regName func(int) string) (int, string, int, error) {
	c := d.code
	if i >= len(c) {
		return 0, "", 0, errTruncated
	}
	start := i
	m := c[i]
	i++
	mod, reg, rm := m>>6, int(m>>3&7)+p.r(), int(m&7)

	if mod == 3 {
		return reg, regName(rm + p.b()), 1, nil
	}

	var base string
	switch {
	case rm == 4:
		if i >= len(c) {
			return 0, "", 0, errTruncated
		}
		sib := c[i]
		i++
		if sib>>3&7 != 4 {
			return 0, "", 0, errors.New("indexed addressing")
		}
		b := int(sib & 7)
		if b == 5 && mod == 0 {
			return 0, "", 0, errors.New("absolute addressing")
		}
		base = RegName(b+p.b(), 8)
	case rm == 5 && mod == 0:
		if i+4 > len(c) {
			return 0, "", 0, errTruncated
		}
		disp := i
		i += 4
		if name, ok := d.patches[disp]; ok {
			return reg, sizeWord(size) + "[" + name + "]", i - start, nil
		}
		v, _ := d.imm(disp, 4)
		return reg, sizeWord(size) + fmt.Sprintf("[rip%+d]", v), i - start, nil
	default:
		base = RegName(rm+p.b(), 8)
	}

	var disp int64
	switch mod {
	case 1:
		v, err := d.imm(i, 1)
		if err != nil {
			return 0, "", 0, err
		}
		disp = v
		i++
	case 2:
		v, err := d.imm(i, 4)
		if err != nil {
			return 0, "", 0, err
		}
		disp = v
		i += 4
	}

	text := base
	if disp != 0 {
		text = fmt.Sprintf("%s%+d", base, disp)
	}
	return reg, sizeWord(size) + "[" + text + "]", i - start, nil
}

func sizeWord(size int) string {
	switch size {
	case 1:
		return "byte "
	case 2:
		return "word "
	case 4:
		return "dword "
	case 8:
		return "qword "
	}
	return ""
}

// branchTarget 跳转目标：补丁符号、块标签或偏移
func (d *decoder) branchTarget(disp, target int) string {
	if name, ok := d.patches[disp]; ok {
		return name
	}
	if b, ok := d.labels[target]; ok {
		return fmt.Sprintf(".bb%d", b)
	}
	return fmt.Sprintf("%#x", target)
}

// ============================================================================
// 跟踪输出
// ============================================================================

// Disassemble 把函数输出反汇编成文本行
func (x *Target) Disassemble(out *codegen.FunctionOutput) []codegen.TraceLine {
	return Disassemble(out)
}

// Disassemble 把函数输出反汇编成文本行
func Disassemble(out *codegen.FunctionOutput) []codegen.TraceLine {
	d := &decoder{
		code:    out.Code,
		patches: make(map[int]string, len(out.Patches)),
		labels:  make(map[int]int, len(out.Labels)),
	}
	for _, p := range out.Patches {
		if p.Target != nil {
			d.patches[p.Offset] = p.Target.Name
		}
	}

	// 同一偏移上可能有多个块，前面的都是空块，跳转目标取最后一个（真正有代码的块）
	type label struct{ off, block int }
	var labels []label
	for b, off := range out.Labels {
		if off >= 0 {
			labels = append(labels, label{off, b})
		}
	}
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].off < labels[j].off })
	for _, l := range labels {
		d.labels[l.off] = l.block
	}

	var lines []codegen.TraceLine
	li, ci, block := 0, 0, 0
	for pos := 0; pos < len(out.Code); {
		for li < len(labels) && labels[li].off <= pos {
			block = labels[li].block
			lines = append(lines, codegen.TraceLine{Block: block, Offset: labels[li].off, Text: fmt.Sprintf(".bb%d:", block)})
			li++
		}
		for ci < len(out.Locations) && out.Locations[ci].Offset <= pos {
			l := out.Locations[ci].Loc
			lines = append(lines, codegen.TraceLine{Block: block, Offset: pos, Text: fmt.Sprintf("  // %s : line %d", l.File, l.Line)})
			ci++
		}

		in, err := d.Decode(pos)
		if err != nil {
			lines = append(lines, codegen.TraceLine{Block: block, Offset: pos, Text: "  ERROR"})
			pos++
			continue
		}
		lines = append(lines, codegen.TraceLine{Block: block, Offset: pos, Text: "  " + in.String()})
		pos += in.Len
	}
	return lines
}

// DecodeAt 解码 code 中 pos 处的一条指令，供测试和工具使用
func DecodeAt(code []byte, pos int) (Inst, error) {
	d := &decoder{code: code}
	return d.Decode(pos)
}

// FormatTrace 把跟踪行拼成文本
func FormatTrace(lines []codegen.TraceLine) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}
