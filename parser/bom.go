package parser

type bomState int

const (
	bomSniffingNotStarted bomState = iota
	bomSeenUTF16LEFirst
	bomSeenUTF16BEFirst
	bomSeenUTF8First
	bomSeenUTF8Second
	bomSniffingOver
)

// advance feeds one byte to the byte order mark state machine. It returns
// the charset once a complete mark was seen. Only the first byte of the
// stream may start a mark.
func (s bomState) advance(b byte) (bomState, string) {
	switch s {
	case bomSniffingNotStarted:
		switch b {
		case 0xEF:
			return bomSeenUTF8First, ""
		case 0xFF:
			return bomSeenUTF16LEFirst, ""
		case 0xFE:
			return bomSeenUTF16BEFirst, ""
		}
	case bomSeenUTF16LEFirst:
		if b == 0xFE {
			return bomSniffingOver, charsetUTF16LE
		}
	case bomSeenUTF16BEFirst:
		if b == 0xFF {
			return bomSniffingOver, charsetUTF16BE
		}
	case bomSeenUTF8First:
		if b == 0xBB {
			return bomSeenUTF8Second, ""
		}
	case bomSeenUTF8Second:
		if b == 0xBF {
			return bomSniffingOver, charsetUTF8
		}
	}
	return bomSniffingOver, ""
}
