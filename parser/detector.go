package parser

import "unicode/utf8"

// CharsetDetector guesses an encoding from content when neither a BOM nor a
// meta declaration decided it.
type CharsetDetector interface {
	// Feed hands the detector more bytes. It returns true when it has seen
	// enough and wants no more.
	Feed(p []byte) (dontFeed bool)
	// Done returns the detected charset, if any.
	Done() (string, bool)
}

// NewUTF8Detector returns a detector that reports utf-8 for input holding
// valid non-ASCII UTF-8 and nothing otherwise.
func NewUTF8Detector() CharsetDetector {
	return &utf8Detector{}
}

type utf8Detector struct {
	buf      []byte
	invalid  bool
	nonASCII bool
}

func (d *utf8Detector) Feed(p []byte) bool {
	if d.invalid {
		return true
	}
	d.buf = append(d.buf, p...)
	for len(d.buf) > 0 {
		r, size := utf8.DecodeRune(d.buf)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(d.buf) {
				// incomplete sequence at the end, keep it for the next feed
				return false
			}
			d.invalid = true
			d.buf = nil
			return true
		}
		if size > 1 {
			d.nonASCII = true
		}
		d.buf = d.buf[size:]
	}
	return false
}

func (d *utf8Detector) Done() (string, bool) {
	if d.invalid || !d.nonASCII {
		return "", false
	}
	return charsetUTF8, true
}
