package parser

import "unicode/utf16"

// UTF16Buffer is one link of the decoded buffer chain. The decoder fills
// buffer[end:] and the tokenizer consumes buffer[start:end].
type UTF16Buffer struct {
	buffer []uint16
	start  int
	end    int
	next   *UTF16Buffer
}

func newUTF16Buffer(size int) *UTF16Buffer {
	return &UTF16Buffer{buffer: make([]uint16, size)}
}

// newUTF16BufferFromString wraps already decoded text, as handed to
// document.write.
func newUTF16BufferFromString(s string) *UTF16Buffer {
	units := utf16.Encode([]rune(s))
	return &UTF16Buffer{buffer: units, end: len(units)}
}

func (b *UTF16Buffer) Start() int         { return b.start }
func (b *UTF16Buffer) End() int           { return b.end }
func (b *UTF16Buffer) Cap() int           { return len(b.buffer) }
func (b *UTF16Buffer) Next() *UTF16Buffer { return b.next }

// HasMore reports whether unconsumed code units remain.
func (b *UTF16Buffer) HasMore() bool {
	return b.start < b.end
}

// Adjust skips a leading LF when the previous buffer ended in CR.
func (b *UTF16Buffer) Adjust(lastWasCR bool) {
	if lastWasCR && b.start < b.end && b.buffer[b.start] == '\n' {
		b.start++
	}
}

// Units returns the unconsumed code units.
func (b *UTF16Buffer) Units() []uint16 {
	return b.buffer[b.start:b.end]
}

func (b *UTF16Buffer) reset() {
	b.start = 0
	b.end = 0
	b.next = nil
}

func (b *UTF16Buffer) full() bool {
	return b.end == len(b.buffer)
}
