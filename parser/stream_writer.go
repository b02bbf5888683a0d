package parser

import "github.com/pkg/errors"

// writeStreamBytes decodes data onto the tail of the buffer chain. Malformed
// input becomes U+FFFD and decoding carries on; only running out of
// buffers stops it, in which case it returns false.
func (sp *StreamParser) writeStreamBytes(data []byte) bool {
	sp.metrics.decodedBytes.Add(float64(len(data)))
	if sp.lastBuffer.full() && !sp.appendBuffer() {
		return false
	}
	total := 0
	for {
		tail := sp.lastBuffer
		nSrc, nDst, err := sp.decoder.Convert(data[total:], tail.buffer[tail.end:])
		tail.end += nDst
		total += nSrc

		var illegal *IllegalInputError
		switch {
		case err == nil:
			return true
		case err == errMoreOutput:
			if !sp.appendBuffer() {
				return false
			}
			continue
		case errors.As(err, &illegal):
			total += illegal.Len
		default:
			sp.log.WithError(err).Debug("decoder failed, skipping a byte")
			total++
		}
		if total > len(data) {
			total = len(data)
		}
		if !sp.writeReplacementCharacter() {
			return false
		}
		sp.decoder.Reset()
		if total == len(data) {
			return true
		}
	}
}

// finishDecoding flushes whatever the decoder still holds at end of stream.
// An incomplete trailing sequence becomes one U+FFFD.
func (sp *StreamParser) finishDecoding() {
	if sp.decoder == nil {
		return
	}
	for {
		if sp.lastBuffer.full() && !sp.appendBuffer() {
			return
		}
		tail := sp.lastBuffer
		nDst, err := sp.decoder.Finish(tail.buffer[tail.end:])
		tail.end += nDst

		var illegal *IllegalInputError
		switch {
		case err == nil:
			return
		case err == errMoreOutput:
			if !sp.appendBuffer() {
				return
			}
		case errors.As(err, &illegal):
			sp.writeReplacementCharacter()
			return
		default:
			sp.log.WithError(err).Debug("decoder failed at end of stream")
			return
		}
	}
}

func (sp *StreamParser) writeReplacementCharacter() bool {
	if sp.lastBuffer.full() && !sp.appendBuffer() {
		return false
	}
	tail := sp.lastBuffer
	tail.buffer[tail.end] = 0xFFFD
	tail.end++
	sp.metrics.replacementCharacters.Inc()
	if tail.full() {
		return sp.appendBuffer()
	}
	return true
}
