package parser

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func encodeUTF16(t *testing.T, s string, order unicode.Endianness) string {
	t.Helper()
	out, err := unicode.UTF16(order, unicode.IgnoreBOM).NewEncoder().String(s)
	require.NoError(t, err)
	return out
}

func feedBytewise(h *harness, data string) {
	for i := 0; i < len(data); i++ {
		h.feed(data[i : i+1])
	}
}

func TestSniffByteOrderMark(t *testing.T) {
	tests := []struct {
		name    string
		input   func(t *testing.T) string
		charset string
	}{
		{"utf-8", func(t *testing.T) string { return "\xEF\xBB\xBF<p>é€" }, "utf-8"},
		{"utf-16le", func(t *testing.T) string { return "\xFF\xFE" + encodeUTF16(t, "<p>é€", unicode.LittleEndian) }, "utf-16le"},
		{"utf-16be", func(t *testing.T) string { return "\xFE\xFF" + encodeUTF16(t, "<p>é€", unicode.BigEndian) }, "utf-16be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, NewRequest("GET", ""))
			h.start()
			feedBytewise(h, tt.input(t))

			// the BOM decides before the stream ends
			name, source := h.sp.Charset()
			assert.Equal(t, tt.charset, name)
			assert.Equal(t, CharsetFromByteOrderMark, source)

			h.stop()
			doc := h.executor.Document()
			assert.Equal(t, "é€", bodyText(doc))
			assert.Equal(t, "byte-order-mark", doc.CharsetSource)
			assert.NotContains(t, doc.TextContent(), "\uFEFF")
		})
	}
}

func TestSniffByteOrderMarkBeforeMarkup(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed("\xEF\xBB\xBF<html>")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "utf-8", name)
	assert.Equal(t, CharsetFromByteOrderMark, source)
	doc := h.executor.Document()
	assert.Len(t, doc.GetElementsByTagName("html"), 1)
	assert.NotContains(t, doc.String(), "\uFEFF")
}

func TestSniffIncompleteByteOrderMark(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed("\xEF\xBB")
	h.feed("x")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, CharsetFromWeakDocTypeDefault, source)
	// the held back bytes are decoded, not dropped
	assert.Equal(t, "ï»x", bodyText(h.executor.Document()))
}

func TestSniffMetaPrescan(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed("<meta charset=shift_jis><p>")
	h.feed("\x82\xA0")

	name, _ := h.sp.Charset()
	assert.Equal(t, "shift_jis", name)

	h.stop()
	doc := h.executor.Document()
	assert.Equal(t, "あ", bodyText(doc))
	assert.Equal(t, "shift_jis", doc.Charset)
	assert.Equal(t, "meta-prescan", doc.CharsetSource)
	// the tree builder then confirms the same charset
	_, source := h.sp.Charset()
	assert.Equal(t, CharsetFromMetaTag, source)
}

type fixedMetaScanner string

func (s fixedMetaScanner) Sniff([]byte) string { return string(s) }

func TestSniffCustomMetaScanner(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""), WithMetaScanner(fixedMetaScanner("koi8-r")))
	h.start()
	h.feed("<p>x")

	name, source := h.sp.Charset()
	assert.Equal(t, "koi8-r", name)
	assert.Equal(t, CharsetFromMetaPrescan, source)

	h.stop()
	assert.Equal(t, "koi8-r", h.executor.Document().Charset)
	assert.Equal(t, "x", bodyText(h.executor.Document()))
}

func TestSniffMetaPrescanHTTPEquiv(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed(`<meta http-equiv="Content-Type" content="text/html; charset=iso-8859-2"><p>` + "\xA3")
	h.stop()

	assert.Equal(t, "iso-8859-2", h.executor.Document().Charset)
	assert.Equal(t, "Ł", bodyText(h.executor.Document()))
}

func TestSniffMetaPrescanSplitAcrossChunks(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed("<meta char")
	name, source := h.sp.Charset()
	assert.Empty(t, name)
	assert.Equal(t, CharsetUninitialized, source)

	h.feed("set=iso-8859-2><p>\xA3")
	h.stop()
	assert.Equal(t, "iso-8859-2", h.executor.Document().Charset)
	assert.Equal(t, "Ł", bodyText(h.executor.Document()))
}

func TestSniffChannelCharsetSkipsSniffing(t *testing.T) {
	h := newHarness(t, NewRequest("GET", "windows-1252"))
	h.start()
	h.feed("\xEF\xBB\xBF<meta charset=utf-8>a")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, CharsetFromChannel, source)
	assert.Equal(t, "ï»¿a", bodyText(h.executor.Document()))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.charsetSwitches))
}

func TestSniffUnknownChannelCharset(t *testing.T) {
	h := newHarness(t, NewRequest("GET", "no-such-charset"))
	h.start()
	h.feed("abc")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, CharsetFromWeakDocTypeDefault, source)
}

func TestSniffDetector(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		charset string
		source  CharsetSource
	}{
		{"utf-8 content", "<p>héllo", "utf-8", CharsetFromAutoDetection},
		{"ascii content", "<p>hello", "windows-1252", CharsetFromWeakDocTypeDefault},
		{"invalid utf-8", "<p>h\xE9llo", "windows-1252", CharsetFromWeakDocTypeDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, NewRequest("GET", ""), WithCharsetDetector(NewUTF8Detector()))
			h.start()
			h.feed(tt.input)
			h.stop()

			name, source := h.sp.Charset()
			assert.Equal(t, tt.charset, name)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestSniffDetectorFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CharsetDetectorEnabled = true
	h := newHarness(t, NewRequest("GET", ""), WithConfig(cfg))
	h.start()
	h.feed("<p>€")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "utf-8", name)
	assert.Equal(t, CharsetFromAutoDetection, source)
	assert.Equal(t, "€", bodyText(h.executor.Document()))
}

func TestSniffWaitsForSniffingBuffer(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	chunk := strings.Repeat("a", 700)

	h.feed(chunk)
	name, source := h.sp.Charset()
	assert.Empty(t, name)
	assert.Equal(t, CharsetUninitialized, source)
	assert.Equal(t, "#document", h.tree())

	h.feed(chunk)
	name, source = h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, CharsetFromWeakDocTypeDefault, source)

	h.feed(chunk)
	h.stop()
	assert.Equal(t, strings.Repeat("a", 2100), bodyText(h.executor.Document()))
}

func TestSniffPresetCharset(t *testing.T) {
	tests := []struct {
		name    string
		preset  CharsetSource
		channel string
		input   string
		charset string
		source  CharsetSource
	}{
		{
			name:    "hint is used when nothing is declared",
			preset:  CharsetFromHintPrevDoc,
			input:   "<p>\xA3",
			charset: "iso-8859-2",
			source:  CharsetFromHintPrevDoc,
		},
		{
			name:    "prescan beats a hint",
			preset:  CharsetFromHintPrevDoc,
			input:   "<meta charset=windows-1252><p>\xA3",
			charset: "windows-1252",
			source:  CharsetFromMetaTag,
		},
		{
			name:    "prescan loses to irreversible detection",
			preset:  CharsetFromIrreversibleAutoDetection,
			input:   "<meta charset=windows-1252><p>\xA3",
			charset: "iso-8859-2",
			source:  CharsetFromIrreversibleAutoDetection,
		},
		{
			name:    "user forced beats the channel",
			preset:  CharsetFromUserForced,
			channel: "utf-8",
			input:   "<p>\xA3",
			charset: "iso-8859-2",
			source:  CharsetFromUserForced,
		},
		{
			name:    "channel beats a weak preset",
			preset:  CharsetFromUserDefault,
			channel: "windows-1252",
			input:   "<p>\xA3",
			charset: "windows-1252",
			source:  CharsetFromChannel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, NewRequest("GET", tt.channel))
			require.NoError(t, h.sp.SetDocumentCharset("iso-8859-2", tt.preset))
			h.start()
			h.feed(tt.input)
			h.stop()

			name, source := h.sp.Charset()
			assert.Equal(t, tt.charset, name)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestSetDocumentCharsetUnknownLabel(t *testing.T) {
	h := newHarness(t, utf8Channel)
	assert.Error(t, h.sp.SetDocumentCharset("no-such-charset", CharsetFromUserForced))
	name, source := h.sp.Charset()
	assert.Empty(t, name)
	assert.Equal(t, CharsetUninitialized, source)
}

func TestReplacementCharactersCounted(t *testing.T) {
	h := newHarness(t, utf8Channel)
	h.start()
	h.feed("<p>a\xFFb\xC3")
	h.stop()

	assert.Equal(t, "a�b�", bodyText(h.executor.Document()))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.replacementCharacters))
	assert.Equal(t, float64(7), testutil.ToFloat64(h.metrics.decodedBytes))
}
