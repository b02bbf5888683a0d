package parser

import (
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/transform"
)

// Decoder converts bytes of one encoding into UTF-16 code units. It may be
// fed a stream in arbitrary segments.
//
// Convert returns errMoreOutput when dst filled up before src was consumed
// (or while decoded units are still pending), and *IllegalInputError when
// src[nSrc:] starts with a malformed sequence. After an illegal input error
// the caller skips Len bytes and calls Reset.
type Decoder interface {
	Convert(src []byte, dst []uint16) (nSrc, nDst int, err error)
	// Finish flushes state carried at the end of the stream.
	Finish(dst []uint16) (nDst int, err error)
	Reset()
}

// newDecoder builds a decoder for a canonical charset name.
func newDecoder(charset string) (Decoder, error) {
	if charset == charsetUTF8 {
		return &utf8Decoder{}, nil
	}
	_, enc, err := resolveCharset(charset)
	if err != nil {
		return nil, err
	}
	return &textDecoder{t: enc.NewDecoder()}, nil
}

// pendingUnits holds code units already decoded that did not fit in dst.
type pendingUnits []uint16

func (p *pendingUnits) drain(dst []uint16) int {
	n := copy(dst, *p)
	*p = (*p)[n:]
	if len(*p) == 0 {
		*p = nil
	}
	return n
}

func (p *pendingUnits) put(r rune, dst []uint16, nDst int) int {
	var units [2]uint16
	n := 1
	if r >= 0x10000 {
		r1, r2 := utf16.EncodeRune(r)
		units[0], units[1] = uint16(r1), uint16(r2)
		n = 2
	} else {
		units[0] = uint16(r)
	}
	for _, u := range units[:n] {
		if nDst < len(dst) {
			dst[nDst] = u
			nDst++
			continue
		}
		*p = append(*p, u)
	}
	return nDst
}

// utf8Decoder is a strict UTF-8 decoder. It reports every malformed
// sequence as its maximal valid prefix so the caller decides on the
// replacement.
type utf8Decoder struct {
	carry    [utf8.UTFMax]byte
	carryLen int
	pending  pendingUnits
}

// sequenceLength reports the length announced by a lead byte, or 0 when b
// cannot start a sequence.
func sequenceLength(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b >= 0xC2 && b <= 0xDF:
		return 2
	case b >= 0xE0 && b <= 0xEF:
		return 3
	case b >= 0xF0 && b <= 0xF4:
		return 4
	}
	return 0
}

// acceptsContinuation reports whether b may follow the first i bytes of a
// sequence started by lead.
func acceptsContinuation(lead byte, i int, b byte) bool {
	lo, hi := byte(0x80), byte(0xBF)
	if i == 1 {
		switch lead {
		case 0xE0:
			lo = 0xA0
		case 0xED:
			hi = 0x9F
		case 0xF0:
			lo = 0x90
		case 0xF4:
			hi = 0x8F
		}
	}
	return b >= lo && b <= hi
}

func (d *utf8Decoder) Convert(src []byte, dst []uint16) (nSrc, nDst int, err error) {
	nDst = d.pending.drain(dst)
	if len(d.pending) > 0 {
		return 0, nDst, errMoreOutput
	}

	for d.carryLen > 0 {
		if nSrc == len(src) {
			return nSrc, nDst, nil
		}
		lead := d.carry[0]
		b := src[nSrc]
		if !acceptsContinuation(lead, d.carryLen, b) {
			// the carried prefix was consumed with an earlier segment
			d.carryLen = 0
			return nSrc, nDst, &IllegalInputError{Len: 0}
		}
		d.carry[d.carryLen] = b
		d.carryLen++
		nSrc++
		if d.carryLen == sequenceLength(lead) {
			r, _ := utf8.DecodeRune(d.carry[:d.carryLen])
			d.carryLen = 0
			nDst = d.pending.put(r, dst, nDst)
		}
	}

	for nSrc < len(src) {
		if nDst == len(dst) || len(d.pending) > 0 {
			return nSrc, nDst, errMoreOutput
		}
		b := src[nSrc]
		if b < utf8.RuneSelf {
			dst[nDst] = uint16(b)
			nDst++
			nSrc++
			continue
		}
		n := sequenceLength(b)
		if n == 0 {
			return nSrc, nDst, &IllegalInputError{Len: 1}
		}
		i := 1
		for i < n && nSrc+i < len(src) && acceptsContinuation(b, i, src[nSrc+i]) {
			i++
		}
		if i < n {
			if nSrc+i == len(src) {
				d.carryLen = copy(d.carry[:], src[nSrc:])
				return len(src), nDst, nil
			}
			return nSrc, nDst, &IllegalInputError{Len: i}
		}
		r, _ := utf8.DecodeRune(src[nSrc : nSrc+n])
		nSrc += n
		nDst = d.pending.put(r, dst, nDst)
	}
	if len(d.pending) > 0 {
		return nSrc, nDst, errMoreOutput
	}
	return nSrc, nDst, nil
}

func (d *utf8Decoder) Finish(dst []uint16) (int, error) {
	nDst := d.pending.drain(dst)
	if len(d.pending) > 0 {
		return nDst, errMoreOutput
	}
	if d.carryLen > 0 {
		d.carryLen = 0
		return nDst, &IllegalInputError{Len: 0}
	}
	return nDst, nil
}

func (d *utf8Decoder) Reset() {
	d.carryLen = 0
}

// textDecoder adapts a golang.org/x/text decoder. Those substitute U+FFFD
// for malformed input themselves, so Convert never reports illegal input.
type textDecoder struct {
	t       transform.Transformer
	carry   []byte
	pending pendingUnits
	scratch [512]byte
}

func (d *textDecoder) Convert(src []byte, dst []uint16) (nSrc, nDst int, err error) {
	nDst = d.pending.drain(dst)
	if len(d.pending) > 0 {
		return 0, nDst, errMoreOutput
	}

	carried := len(d.carry)
	in := src
	if carried > 0 {
		in = append(d.carry, src...)
		d.carry = nil
	}
	p := 0
	defer func() {
		if p < carried {
			d.carry = append([]byte(nil), in[p:carried]...)
			nSrc = 0
			return
		}
		nSrc = p - carried
	}()

	for p < len(in) {
		if nDst == len(dst) || len(d.pending) > 0 {
			return 0, nDst, errMoreOutput
		}
		nd, ns, terr := d.t.Transform(d.scratch[:], in[p:], false)
		p += ns
		nDst = d.emit(d.scratch[:nd], dst, nDst)
		switch terr {
		case nil, transform.ErrShortDst:
		case transform.ErrShortSrc:
			if ns == 0 && nd == 0 {
				// incomplete trailing sequence, wait for more bytes
				d.carry = append([]byte(nil), in[p:]...)
				p = len(in)
			}
		default:
			return 0, nDst, errors.Wrap(terr, "decode")
		}
	}
	if len(d.pending) > 0 {
		return 0, nDst, errMoreOutput
	}
	return 0, nDst, nil
}

func (d *textDecoder) emit(utf8Text []byte, dst []uint16, nDst int) int {
	for len(utf8Text) > 0 {
		r, size := utf8.DecodeRune(utf8Text)
		utf8Text = utf8Text[size:]
		nDst = d.pending.put(r, dst, nDst)
	}
	return nDst
}

func (d *textDecoder) Finish(dst []uint16) (int, error) {
	nDst := d.pending.drain(dst)
	if len(d.pending) > 0 {
		return nDst, errMoreOutput
	}
	nd, _, err := d.t.Transform(d.scratch[:], d.carry, true)
	d.carry = nil
	nDst = d.emit(d.scratch[:nd], dst, nDst)
	if err != nil && err != transform.ErrShortSrc {
		return nDst, errors.Wrap(err, "decode")
	}
	if len(d.pending) > 0 {
		return nDst, errMoreOutput
	}
	return nDst, nil
}

func (d *textDecoder) Reset() {
	d.t.Reset()
	d.carry = nil
}
