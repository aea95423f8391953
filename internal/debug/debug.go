// Package debug formats a Chunk for human inspection. It is never on
// the path required to compile or execute a program — only the CLI's
// -disassemble and -trace flags reach it.
package debug

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"rlox/internal/chunk"
)

// Disassemble renders every instruction in c under a "== name ==" header.
func Disassemble(c *chunk.Chunk, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (%s bytes) ==\n", name, humanize.Comma(int64(len(c.Code))))
	for offset := 0; offset < len(c.Code); {
		var line string
		line, offset = Instruction(c, offset)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Instruction renders the single instruction at offset and returns the
// offset of the instruction that follows it.
func Instruction(c *chunk.Chunk, offset int) (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "%04d ", offset)
	if offset > 0 && c.Lines[offset] == c.Lines[offset-1] {
		b.WriteString("   | ")
	} else {
		fmt.Fprintf(&b, "%4d ", c.Lines[offset])
	}

	op := chunk.OpCode(c.Code[offset])
	switch op {
	case chunk.OpConstant, chunk.OpGetGlobal, chunk.OpDefineGlobal, chunk.OpSetGlobal:
		return constantInstr(&b, c, op, offset)
	case chunk.OpGetLocal, chunk.OpSetLocal:
		return byteInstr(&b, c, op, offset)
	case chunk.OpJump, chunk.OpJumpIfFalse:
		return jumpInstr(&b, c, op, offset, 1)
	case chunk.OpLoop:
		return jumpInstr(&b, c, op, offset, -1)
	default:
		fmt.Fprintf(&b, "%s", op)
		return b.String(), offset + 1
	}
}

func constantInstr(b *strings.Builder, c *chunk.Chunk, op chunk.OpCode, offset int) (string, int) {
	idx := c.Code[offset+1]
	fmt.Fprintf(b, "%-18s %4d '%s'", op, idx, c.Constants[idx])
	return b.String(), offset + 2
}

func byteInstr(b *strings.Builder, c *chunk.Chunk, op chunk.OpCode, offset int) (string, int) {
	slot := c.Code[offset+1]
	fmt.Fprintf(b, "%-18s %4d", op, slot)
	return b.String(), offset + 2
}

func jumpInstr(b *strings.Builder, c *chunk.Chunk, op chunk.OpCode, offset int, sign int) (string, int) {
	jump := binary.BigEndian.Uint16(c.Code[offset+1 : offset+3])
	target := offset + 3 + sign*int(jump)
	fmt.Fprintf(b, "%-18s %4d -> %d", op, offset, target)
	return b.String(), offset + 3
}
