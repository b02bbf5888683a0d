package parser

import (
	"github.com/sirupsen/logrus"
)

// sniffStreamBytes looks for a byte order mark, then for a meta charset in
// the first SniffingBufferSize bytes. Bytes are held back until the
// decoder is chosen.
func (sp *StreamParser) sniffStreamBytes(data []byte) {
	for i := 0; i < len(data) && sp.bomState != bomSniffingOver; i++ {
		var charset string
		sp.bomState, charset = sp.bomState.advance(data[i])
		if charset != "" {
			sp.setupDecodingFromBom(charset)
			sp.writeStreamBytes(data[i+1:])
			return
		}
	}
	// no BOM, or the BOM is not complete yet

	if sp.metaScanner == nil {
		sp.metaScanner = NewMetaScanner()
	}

	if len(sp.sniffingBuffer)+len(data) >= SniffingBufferSize {
		// this is the last segment sniffed
		countToLimit := SniffingBufferSize - len(sp.sniffingBuffer)
		if sp.setupDecodingFromPrescan(sp.metaScanner.Sniff(data[:countToLimit])) {
			sp.writeSniffingBufferAndCurrentSegment(data)
			return
		}
		sp.finalizeSniffing(data, countToLimit)
		return
	}

	if sp.setupDecodingFromPrescan(sp.metaScanner.Sniff(data)) {
		sp.writeSniffingBufferAndCurrentSegment(data)
		return
	}
	sp.sniffingBuffer = append(sp.sniffingBuffer, data...)
}

func (sp *StreamParser) setupDecodingFromBom(charset string) {
	dec, err := newDecoder(charset)
	if err != nil {
		// every BOM charset has a decoder
		panic(err)
	}
	sp.decoder = dec
	sp.charset = charset
	sp.charsetSource = CharsetFromByteOrderMark
	sp.treeBuilder.SetDocumentCharset(sp.charset, sp.charsetSource)
	sp.sniffingBuffer = nil
	sp.metaScanner = nil
	sp.bomState = bomSniffingOver
	sp.log.WithField("charset", charset).Debug("byte order mark found")
}

// setupDecodingFromPrescan takes the prescan result, unless a stronger
// source already decided the charset.
func (sp *StreamParser) setupDecodingFromPrescan(charset string) bool {
	if charset == "" || sp.charsetSource > CharsetFromMetaPrescan {
		return false
	}
	dec, err := newDecoder(charset)
	if err != nil {
		return false
	}
	sp.decoder = dec
	sp.charset = charset
	sp.charsetSource = CharsetFromMetaPrescan
	sp.treeBuilder.SetDocumentCharset(sp.charset, sp.charsetSource)
	sp.metaScanner = nil
	sp.log.WithField("charset", charset).Debug("meta prescan found charset")
	return true
}

// finalizeSniffing picks a charset once the meta prescan gave up: a strong
// enough preset, then the detector, then windows-1252.
func (sp *StreamParser) finalizeSniffing(data []byte, countToLimit int) {
	if sp.charsetSource >= CharsetFromHintPrevDoc {
		sp.setupDecodingAndWriteSniffingBufferAndCurrentSegment(data)
		return
	}
	if sp.detector != nil {
		dontFeed := false
		if len(sp.sniffingBuffer) > 0 {
			dontFeed = sp.detector.Feed(sp.sniffingBuffer)
		}
		if !dontFeed && data != nil {
			sp.detector.Feed(data[:countToLimit])
		}
		if label, ok := sp.detector.Done(); ok {
			if name, _, err := resolveCharset(label); err == nil {
				sp.charset = name
				sp.charsetSource = CharsetFromAutoDetection
			}
		}
	}
	if sp.charsetSource == CharsetUninitialized {
		sp.charset = charsetWindows1252
		sp.charsetSource = CharsetFromWeakDocTypeDefault
	}
	sp.setupDecodingAndWriteSniffingBufferAndCurrentSegment(data)
}

func (sp *StreamParser) setupDecodingAndWriteSniffingBufferAndCurrentSegment(data []byte) {
	dec, err := newDecoder(sp.charset)
	if err != nil {
		sp.log.WithError(err).WithField("charset", sp.charset).Debug("no decoder, falling back to windows-1252")
		sp.charset = charsetWindows1252
		sp.charsetSource = CharsetFromWeakDocTypeDefault
		dec, _ = newDecoder(sp.charset)
	}
	sp.decoder = dec
	sp.treeBuilder.SetDocumentCharset(sp.charset, sp.charsetSource)
	sp.log.WithFields(logrus.Fields{
		"charset": sp.charset,
		"source":  sp.charsetSource,
	}).Debug("sniffing finished")
	sp.writeSniffingBufferAndCurrentSegment(data)
}

func (sp *StreamParser) writeSniffingBufferAndCurrentSegment(data []byte) {
	if sp.sniffingBuffer != nil {
		buf := sp.sniffingBuffer
		sp.sniffingBuffer = nil
		if !sp.writeStreamBytes(buf) {
			return
		}
	}
	sp.metaScanner = nil
	if data != nil {
		sp.writeStreamBytes(data)
	}
}
