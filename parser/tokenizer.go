package parser

import (
	"strings"
	"unicode/utf16"

	"go.uber.org/atomic"
	"golang.org/x/net/html"
)

// TokenHandler receives every token the tokenizer emits.
type TokenHandler interface {
	ProcessToken(t *Token) *Progress
}

// Tokenizer is a resumable HTML tokenizer fed from UTF16Buffers. All of its
// state lives in the struct so it can stop at any code unit and pick up
// again with the next buffer.
type Tokenizer struct {
	returnState, currentState tokenizerState
	handler                   TokenHandler
	emittedTokens             []Token
	tokenBuilder              *TokenBuilder
	lastEmittedStartTagName   string
	lineNumber                int
	highSurrogate             uint16
	interrupted               *atomic.Bool
}

// NewTokenizer creates a tokenizer that hands tokens to handler.
func NewTokenizer(handler TokenHandler) *Tokenizer {
	p := &Tokenizer{handler: handler}
	p.Start()
	return p
}

// Start puts the tokenizer in its initial state.
func (p *Tokenizer) Start() {
	p.currentState = dataState
	p.returnState = dataState
	p.tokenBuilder = newTokenBuilder()
	p.emittedTokens = nil
	p.lastEmittedStartTagName = ""
	p.lineNumber = 1
	p.highSurrogate = 0
}

// End drops per-document state.
func (p *Tokenizer) End() {
	p.tokenBuilder = newTokenBuilder()
	p.emittedTokens = nil
}

// SetInterruptFlag makes TokenizeBuffer return early between tokens once
// flag is set.
func (p *Tokenizer) SetInterruptFlag(flag *atomic.Bool) {
	p.interrupted = flag
}

func (p *Tokenizer) LineNumber() int     { return p.lineNumber }
func (p *Tokenizer) SetLineNumber(n int) { p.lineNumber = n }

// IsInDataState reports whether the tokenizer sits between tokens in the
// data state, the only place a parse can be resumed from a snapshot.
func (p *Tokenizer) IsInDataState() bool {
	return p.currentState == dataState && p.highSurrogate == 0
}

// LoadState copies the lexical state of other. The line number is left
// alone, callers restore it separately.
func (p *Tokenizer) LoadState(other *Tokenizer) {
	p.currentState = other.currentState
	p.returnState = other.returnState
	p.tokenBuilder = other.tokenBuilder.clone()
	p.lastEmittedStartTagName = other.lastEmittedStartTagName
	p.highSurrogate = other.highSurrogate
	p.emittedTokens = nil
}

// TokenizeBuffer consumes code units from buf until it is empty, the tree
// builder asks for a suspension, or the interrupt flag is raised. CR and
// CRLF become LF. The result reports whether the last unit consumed was a
// CR, so the caller can drop a LF at the head of the next buffer.
func (p *Tokenizer) TokenizeBuffer(buf *UTF16Buffer) (lastWasCR bool) {
	for buf.start < buf.end {
		c := buf.buffer[buf.start]
		buf.start++
		if lastWasCR {
			lastWasCR = false
			if c == '\n' {
				continue
			}
		}
		if c == '\r' {
			c = '\n'
			lastWasCR = true
		}
		if c == '\n' {
			p.lineNumber++
		}
		if p.consumeUnit(c) {
			break
		}
	}
	return lastWasCR
}

// EOF flushes the tokenizer and emits the end of file token.
func (p *Tokenizer) EOF() {
	if p.highSurrogate != 0 {
		p.highSurrogate = 0
		p.processRune('\uFFFD', false)
	}
	p.processRune(0, true)
	p.dispatchEmitted()
}

// consumeUnit joins surrogate pairs, which may straddle buffers, and
// processes the resulting rune. Lone surrogates become U+FFFD.
func (p *Tokenizer) consumeUnit(c uint16) bool {
	r := rune(c)
	if p.highSurrogate != 0 {
		high := rune(p.highSurrogate)
		p.highSurrogate = 0
		if r >= 0xDC00 && r <= 0xDFFF {
			p.processRune(utf16.DecodeRune(high, r), false)
			return p.dispatchEmitted()
		}
		p.processRune('\uFFFD', false)
	}
	switch {
	case r >= 0xD800 && r <= 0xDBFF:
		p.highSurrogate = c
		return p.dispatchEmitted()
	case r >= 0xDC00 && r <= 0xDFFF:
		r = '\uFFFD'
	}
	p.processRune(r, false)
	return p.dispatchEmitted()
}

func (p *Tokenizer) processRune(r rune, eof bool) {
	reconsume := true
	for reconsume {
		reconsume, p.currentState = p.stateToParser(p.currentState)(r, eof)
	}
}

// dispatchEmitted hands the tokens produced by the last rune to the tree
// builder, applying its state switches. It reports whether tokenizing has
// to stop.
func (p *Tokenizer) dispatchEmitted() (stop bool) {
	if len(p.emittedTokens) == 0 {
		return false
	}
	tokens := p.emittedTokens
	p.emittedTokens = nil
	for i := range tokens {
		progress := p.handler.ProcessToken(&tokens[i])
		if progress == nil {
			continue
		}
		if progress.TokenizerState != nil {
			p.currentState = *progress.TokenizerState
		}
		if progress.Suspend {
			stop = true
		}
	}
	if p.interrupted != nil && p.interrupted.Load() {
		stop = true
	}
	return stop
}

func (p *Tokenizer) stateToParser(state tokenizerState) parserStateHandler {
	switch state {
	case dataState:
		return p.dataStateParser
	case rcDataState:
		return p.rcDataStateParser
	case rawTextState:
		return p.rawTextStateParser
	case scriptDataState:
		return p.scriptDataStateParser
	case plaintextState:
		return p.plaintextStateParser
	case tagOpenState:
		return p.tagOpenStateParser
	case endTagOpenState:
		return p.endTagOpenStateParser
	case tagNameState:
		return p.tagNameStateParser
	case rcDataLessThanSignState:
		return p.rcDataLessThanSignStateParser
	case rcDataEndTagOpenState:
		return p.rcDataEndTagOpenStateParser
	case rcDataEndTagNameState:
		return p.rcDataEndTagNameStateParser
	case rawTextLessThanSignState:
		return p.rawTextLessThanSignStateParser
	case rawTextEndTagOpenState:
		return p.rawTextEndTagOpenStateParser
	case rawTextEndTagNameState:
		return p.rawTextEndTagNameStateParser
	case scriptDataLessThanSignState:
		return p.scriptDataLessThanSignStateParser
	case scriptDataEndTagOpenState:
		return p.scriptDataEndTagOpenStateParser
	case scriptDataEndTagNameState:
		return p.scriptDataEndTagNameStateParser
	case beforeAttributeNameState:
		return p.beforeAttributeNameStateParser
	case attributeNameState:
		return p.attributeNameStateParser
	case afterAttributeNameState:
		return p.afterAttributeNameStateParser
	case beforeAttributeValueState:
		return p.beforeAttributeValueStateParser
	case attributeValueDoubleQuotedState:
		return p.attributeValueDoubleQuotedStateParser
	case attributeValueSingleQuotedState:
		return p.attributeValueSingleQuotedStateParser
	case attributeValueUnquotedState:
		return p.attributeValueUnquotedStateParser
	case afterAttributeValueQuotedState:
		return p.afterAttributeValueQuotedStateParser
	case selfClosingStartTagState:
		return p.selfClosingStartTagStateParser
	case bogusCommentState:
		return p.bogusCommentStateParser
	case markupDeclarationOpenState:
		return p.markupDeclarationOpenStateParser
	case commentStartState:
		return p.commentStartStateParser
	case commentStartDashState:
		return p.commentStartDashStateParser
	case commentState:
		return p.commentStateParser
	case commentEndDashState:
		return p.commentEndDashStateParser
	case commentEndState:
		return p.commentEndStateParser
	case commentEndBangState:
		return p.commentEndBangStateParser
	case doctypeState:
		return p.doctypeStateParser
	case beforeDoctypeNameState:
		return p.beforeDoctypeNameStateParser
	case doctypeNameState:
		return p.doctypeNameStateParser
	case bogusDoctypeState:
		return p.bogusDoctypeStateParser
	case characterReferenceState:
		return p.characterReferenceStateParser
	case namedCharacterReferenceState:
		return p.namedCharacterReferenceStateParser
	case numericCharacterReferenceState:
		return p.numericCharacterReferenceStateParser
	case hexadecimalCharacterReferenceStartState:
		return p.hexadecimalCharacterReferenceStartStateParser
	case decimalCharacterReferenceStartState:
		return p.decimalCharacterReferenceStartStateParser
	case hexadecimalCharacterReferenceState:
		return p.hexadecimalCharacterReferenceStateParser
	case decimalCharacterReferenceState:
		return p.decimalCharacterReferenceStateParser
	}

	return nil
}

func isNonCharacter(code int) bool {
	if code >= 0xFDD0 && code <= 0xFDEF {
		return true
	}
	return code&0xFFFE == 0xFFFE && code <= 0x10FFFF
}

func isC0Control(code int) bool {
	return code >= 0x00 && code <= 0x1F
}

func isControl(code int) bool {
	return isC0Control(code) || (code >= 0x7F && code <= 0x9F)
}

func isASCIIWhitespace(code int) bool {
	switch code {
	case 0x09, 0x0A, 0x0C, 0x0D, 0x20:
		return true
	default:
		return false
	}
}

func isSurrogate(code int) bool {
	return code >= 0xD800 && code <= 0xDFFF
}

func isASCIIUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isASCIILower(r rune) bool { return r >= 'a' && r <= 'z' }
func isASCIIAlpha(r rune) bool { return isASCIIUpper(r) || isASCIILower(r) }
func isASCIIDigit(r rune) bool { return r >= '0' && r <= '9' }
func isASCIIHexDigit(r rune) bool {
	return isASCIIDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func wasConsumedByAttribute(returnState tokenizerState) bool {
	switch returnState {
	case attributeValueDoubleQuotedState, attributeValueSingleQuotedState, attributeValueUnquotedState:
		return true
	}
	return false
}

func (p *Tokenizer) flushCodePointsAsCharacterReference() {
	if wasConsumedByAttribute(p.returnState) {
		for _, v := range p.tokenBuilder.TempBuffer() {
			p.tokenBuilder.WriteAttributeValue(v)
		}
	} else {
		p.emit(p.tokenBuilder.TempBufferCharTokens()...)
	}
}

func (p *Tokenizer) isApprEndTagToken() bool {
	return p.lastEmittedStartTagName == p.tokenBuilder.name.String()
}

func (p *Tokenizer) emit(tokens ...Token) {
	for _, token := range tokens {
		if token.TokenType == startTagToken {
			p.lastEmittedStartTagName = token.TagName
		}
		p.emittedTokens = append(p.emittedTokens, token)
	}
}

func (p *Tokenizer) emitCurrentTag() tokenizerState {
	switch p.tokenBuilder.curTagType {
	case startTag:
		p.emit(p.tokenBuilder.StartTagToken())
	case endTag:
		p.emit(p.tokenBuilder.EndTagToken())
	}
	p.tokenBuilder.Reset()
	return dataState
}

func (p *Tokenizer) dataStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '&':
		p.returnState = dataState
		return false, characterReferenceState
	case '<':
		return false, tagOpenState
	default:
		p.emit(p.tokenBuilder.CharacterToken(r))
		return false, dataState
	}
}

func (p *Tokenizer) rcDataStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '&':
		p.returnState = rcDataState
		return false, characterReferenceState
	case '<':
		return false, rcDataLessThanSignState
	case '\u0000':
		p.emit(p.tokenBuilder.CharacterToken('\uFFFD'))
		return false, rcDataState
	default:
		p.emit(p.tokenBuilder.CharacterToken(r))
		return false, rcDataState
	}
}

func (p *Tokenizer) rawTextStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '<':
		return false, rawTextLessThanSignState
	case '\u0000':
		p.emit(p.tokenBuilder.CharacterToken('\uFFFD'))
		return false, rawTextState
	default:
		p.emit(p.tokenBuilder.CharacterToken(r))
		return false, rawTextState
	}
}

func (p *Tokenizer) scriptDataStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '<':
		return false, scriptDataLessThanSignState
	case '\u0000':
		p.emit(p.tokenBuilder.CharacterToken('\uFFFD'))
		return false, scriptDataState
	default:
		p.emit(p.tokenBuilder.CharacterToken(r))
		return false, scriptDataState
	}
}

func (p *Tokenizer) plaintextStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0000':
		p.emit(p.tokenBuilder.CharacterToken('\uFFFD'))
		return false, plaintextState
	default:
		p.emit(p.tokenBuilder.CharacterToken(r))
		return false, plaintextState
	}
}

func (p *Tokenizer) tagOpenStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CharacterToken('<'), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch {
	case r == '!':
		p.tokenBuilder.ResetTempBuffer()
		return false, markupDeclarationOpenState
	case r == '/':
		return false, endTagOpenState
	case isASCIIAlpha(r):
		p.tokenBuilder.Reset()
		p.tokenBuilder.curTagType = startTag
		return true, tagNameState
	case r == '?':
		p.tokenBuilder.Reset()
		return true, bogusCommentState
	default:
		p.emit(p.tokenBuilder.CharacterToken('<'))
		return true, dataState
	}
}

func (p *Tokenizer) endTagOpenStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CharacterToken('<'), p.tokenBuilder.CharacterToken('/'), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch {
	case isASCIIAlpha(r):
		p.tokenBuilder.Reset()
		p.tokenBuilder.curTagType = endTag
		return true, tagNameState
	case r == '>':
		return false, dataState
	default:
		p.tokenBuilder.Reset()
		return true, bogusCommentState
	}
}

func (p *Tokenizer) tagNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ': // tab, line feed, form feed, space
		return false, beforeAttributeNameState
	case '/':
		return false, selfClosingStartTagState
	case '>':
		return false, p.emitCurrentTag()
	case '\u0000':
		p.tokenBuilder.WriteName('\uFFFD')
		return false, tagNameState
	default:
		if isASCIIUpper(r) {
			r += 0x20
		}
		p.tokenBuilder.WriteName(r)
		return false, tagNameState
	}
}

// endTagNameStateParser is shared by the RCDATA, RAWTEXT and script data
// end tag name states, which differ only in the text state they fall back to.
func (p *Tokenizer) endTagNameStateParser(r rune, eof bool, self, text tokenizerState) (bool, tokenizerState) {
	fallback := func() (bool, tokenizerState) {
		p.emit(p.tokenBuilder.CharacterToken('<'), p.tokenBuilder.CharacterToken('/'))
		p.emit(p.tokenBuilder.TempBufferCharTokens()...)
		return true, text
	}
	if eof {
		return fallback()
	}
	switch {
	case isASCIIWhitespace(int(r)) && r != '\r':
		if p.isApprEndTagToken() {
			return false, beforeAttributeNameState
		}
		return fallback()
	case r == '/':
		if p.isApprEndTagToken() {
			return false, selfClosingStartTagState
		}
		return fallback()
	case r == '>':
		if p.isApprEndTagToken() {
			return false, p.emitCurrentTag()
		}
		return fallback()
	case isASCIIUpper(r):
		p.tokenBuilder.WriteTempBuffer(r)
		p.tokenBuilder.WriteName(r + 0x20)
		return false, self
	case isASCIILower(r):
		p.tokenBuilder.WriteTempBuffer(r)
		p.tokenBuilder.WriteName(r)
		return false, self
	default:
		return fallback()
	}
}

func (p *Tokenizer) endTagOpenInTextStateParser(r rune, eof bool, name, text tokenizerState) (bool, tokenizerState) {
	if !eof && isASCIIAlpha(r) {
		p.tokenBuilder.Reset()
		p.tokenBuilder.curTagType = endTag
		return true, name
	}
	p.emit(p.tokenBuilder.CharacterToken('<'), p.tokenBuilder.CharacterToken('/'))
	return true, text
}

func (p *Tokenizer) lessThanSignInTextStateParser(r rune, eof bool, endTagOpen, text tokenizerState) (bool, tokenizerState) {
	if !eof && r == '/' {
		p.tokenBuilder.ResetTempBuffer()
		return false, endTagOpen
	}
	p.emit(p.tokenBuilder.CharacterToken('<'))
	return true, text
}

func (p *Tokenizer) rcDataLessThanSignStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.lessThanSignInTextStateParser(r, eof, rcDataEndTagOpenState, rcDataState)
}

func (p *Tokenizer) rcDataEndTagOpenStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.endTagOpenInTextStateParser(r, eof, rcDataEndTagNameState, rcDataState)
}

func (p *Tokenizer) rcDataEndTagNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.endTagNameStateParser(r, eof, rcDataEndTagNameState, rcDataState)
}

func (p *Tokenizer) rawTextLessThanSignStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.lessThanSignInTextStateParser(r, eof, rawTextEndTagOpenState, rawTextState)
}

func (p *Tokenizer) rawTextEndTagOpenStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.endTagOpenInTextStateParser(r, eof, rawTextEndTagNameState, rawTextState)
}

func (p *Tokenizer) rawTextEndTagNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.endTagNameStateParser(r, eof, rawTextEndTagNameState, rawTextState)
}

// Script data escapes (<!-- inside a script) are not modelled; script text
// ends at the first matching end tag.
func (p *Tokenizer) scriptDataLessThanSignStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.lessThanSignInTextStateParser(r, eof, scriptDataEndTagOpenState, scriptDataState)
}

func (p *Tokenizer) scriptDataEndTagOpenStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.endTagOpenInTextStateParser(r, eof, scriptDataEndTagNameState, scriptDataState)
}

func (p *Tokenizer) scriptDataEndTagNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.endTagNameStateParser(r, eof, scriptDataEndTagNameState, scriptDataState)
}

func (p *Tokenizer) beforeAttributeNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		return true, afterAttributeNameState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		return false, beforeAttributeNameState
	case '/', '>':
		return true, afterAttributeNameState
	case '=':
		// set that attribute's name to the current input character, and its value to the empty string.
		p.tokenBuilder.WriteAttributeName(r)
		return false, attributeNameState
	default:
		return true, attributeNameState
	}
}

func (p *Tokenizer) attributeNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		return true, afterAttributeNameState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ', '/', '>':
		return true, afterAttributeNameState
	case '=':
		return false, beforeAttributeValueState
	case '\u0000':
		p.tokenBuilder.WriteAttributeName('\uFFFD')
		return false, attributeNameState
	default:
		if isASCIIUpper(r) {
			r += 0x20
		}
		p.tokenBuilder.WriteAttributeName(r)
		return false, attributeNameState
	}
}

func (p *Tokenizer) afterAttributeNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		return false, afterAttributeNameState
	case '/':
		p.tokenBuilder.CommitAttribute()
		return false, selfClosingStartTagState
	case '=':
		return false, beforeAttributeValueState
	case '>':
		p.tokenBuilder.CommitAttribute()
		return false, p.emitCurrentTag()
	default:
		p.tokenBuilder.CommitAttribute()
		return true, attributeNameState
	}
}

func (p *Tokenizer) beforeAttributeValueStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		return true, attributeValueUnquotedState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		return false, beforeAttributeValueState
	case '"':
		return false, attributeValueDoubleQuotedState
	case '\'':
		return false, attributeValueSingleQuotedState
	case '>':
		p.tokenBuilder.CommitAttribute()
		return false, p.emitCurrentTag()
	default:
		return true, attributeValueUnquotedState
	}
}

func (p *Tokenizer) attributeValueQuotedStateParser(r rune, eof bool, quote rune, self tokenizerState) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case quote:
		p.tokenBuilder.CommitAttribute()
		return false, afterAttributeValueQuotedState
	case '&':
		p.returnState = self
		return false, characterReferenceState
	case '\u0000':
		p.tokenBuilder.WriteAttributeValue('\uFFFD')
		return false, self
	default:
		p.tokenBuilder.WriteAttributeValue(r)
		return false, self
	}
}

func (p *Tokenizer) attributeValueDoubleQuotedStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.attributeValueQuotedStateParser(r, eof, '"', attributeValueDoubleQuotedState)
}

func (p *Tokenizer) attributeValueSingleQuotedStateParser(r rune, eof bool) (bool, tokenizerState) {
	return p.attributeValueQuotedStateParser(r, eof, '\'', attributeValueSingleQuotedState)
}

func (p *Tokenizer) attributeValueUnquotedStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		p.tokenBuilder.CommitAttribute()
		return false, beforeAttributeNameState
	case '&':
		p.returnState = attributeValueUnquotedState
		return false, characterReferenceState
	case '>':
		p.tokenBuilder.CommitAttribute()
		return false, p.emitCurrentTag()
	case '\u0000':
		p.tokenBuilder.WriteAttributeValue('\uFFFD')
		return false, attributeValueUnquotedState
	default:
		p.tokenBuilder.WriteAttributeValue(r)
		return false, attributeValueUnquotedState
	}
}

func (p *Tokenizer) afterAttributeValueQuotedStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		return false, beforeAttributeNameState
	case '/':
		return false, selfClosingStartTagState
	case '>':
		return false, p.emitCurrentTag()
	default:
		return true, beforeAttributeNameState
	}
}

func (p *Tokenizer) selfClosingStartTagStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '>':
		p.tokenBuilder.EnableSelfClosing()
		return false, p.emitCurrentTag()
	default:
		return true, beforeAttributeNameState
	}
}

func (p *Tokenizer) bogusCommentStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CommentToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '>':
		p.emit(p.tokenBuilder.CommentToken())
		return false, dataState
	case '\u0000':
		p.tokenBuilder.WriteData('\uFFFD')
		return false, bogusCommentState
	default:
		p.tokenBuilder.WriteData(r)
		return false, bogusCommentState
	}
}

const doctypeKeyword = "doctype"

// markupDeclarationOpenStateParser cannot peek ahead, the next characters
// may still be in the network. It collects what follows "<!" in the temp
// buffer until "--" or "doctype" either matches or cannot match anymore.
func (p *Tokenizer) markupDeclarationOpenStateParser(r rune, eof bool) (bool, tokenizerState) {
	seen := p.tokenBuilder.TempBuffer()
	if !eof {
		seen += string(r)
		switch lower := strings.ToLower(seen); {
		case seen == "--":
			p.tokenBuilder.Reset()
			return false, commentStartState
		case lower == doctypeKeyword:
			return false, doctypeState
		case strings.HasPrefix("--", seen), strings.HasPrefix(doctypeKeyword, lower):
			p.tokenBuilder.WriteTempBuffer(r)
			return false, markupDeclarationOpenState
		}
	}
	p.tokenBuilder.Reset()
	for _, c := range p.tokenBuilder.TempBuffer() {
		p.tokenBuilder.WriteData(c)
	}
	return true, bogusCommentState
}

func (p *Tokenizer) commentStartStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		return true, commentState
	}
	switch r {
	case '-':
		return false, commentStartDashState
	case '>':
		p.emit(p.tokenBuilder.CommentToken())
		return false, dataState
	default:
		return true, commentState
	}
}

func (p *Tokenizer) commentStartDashStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CommentToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '-':
		return false, commentEndState
	case '>':
		p.emit(p.tokenBuilder.CommentToken())
		return false, dataState
	default:
		p.tokenBuilder.WriteData('-')
		return true, commentState
	}
}

func (p *Tokenizer) commentStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CommentToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '-':
		return false, commentEndDashState
	case '\u0000':
		p.tokenBuilder.WriteData('\uFFFD')
		return false, commentState
	default:
		p.tokenBuilder.WriteData(r)
		return false, commentState
	}
}

func (p *Tokenizer) commentEndDashStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CommentToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '-':
		return false, commentEndState
	default:
		p.tokenBuilder.WriteData('-')
		return true, commentState
	}
}

func (p *Tokenizer) commentEndStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CommentToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '>':
		p.emit(p.tokenBuilder.CommentToken())
		return false, dataState
	case '!':
		return false, commentEndBangState
	case '-':
		p.tokenBuilder.WriteData('-')
		return false, commentEndState
	default:
		p.tokenBuilder.WriteData('-')
		p.tokenBuilder.WriteData('-')
		return true, commentState
	}
}

func (p *Tokenizer) commentEndBangStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.CommentToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '-':
		p.tokenBuilder.WriteData('-')
		p.tokenBuilder.WriteData('-')
		p.tokenBuilder.WriteData('!')
		return false, commentEndDashState
	case '>':
		p.emit(p.tokenBuilder.CommentToken())
		return false, dataState
	default:
		p.tokenBuilder.WriteData('-')
		p.tokenBuilder.WriteData('-')
		p.tokenBuilder.WriteData('!')
		return true, commentState
	}
}

func (p *Tokenizer) doctypeStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.tokenBuilder.Reset()
		p.tokenBuilder.EnableForceQuirks()
		p.emit(p.tokenBuilder.DocTypeToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		return false, beforeDoctypeNameState
	default:
		return true, beforeDoctypeNameState
	}
}

func (p *Tokenizer) beforeDoctypeNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.tokenBuilder.Reset()
		p.tokenBuilder.EnableForceQuirks()
		p.emit(p.tokenBuilder.DocTypeToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		return false, beforeDoctypeNameState
	case '\u0000':
		p.tokenBuilder.Reset()
		p.tokenBuilder.WriteName('\uFFFD')
		return false, doctypeNameState
	case '>':
		p.tokenBuilder.Reset()
		p.tokenBuilder.EnableForceQuirks()
		p.emit(p.tokenBuilder.DocTypeToken())
		return false, dataState
	default:
		p.tokenBuilder.Reset()
		if isASCIIUpper(r) {
			r += 0x20
		}
		p.tokenBuilder.WriteName(r)
		return false, doctypeNameState
	}
}

func (p *Tokenizer) doctypeNameStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.tokenBuilder.EnableForceQuirks()
		p.emit(p.tokenBuilder.DocTypeToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	switch r {
	case '\u0009', '\u000A', '\u000C', ' ':
		// public and system identifiers are skipped
		return false, bogusDoctypeState
	case '>':
		p.emit(p.tokenBuilder.DocTypeToken())
		return false, dataState
	case '\u0000':
		p.tokenBuilder.WriteName('\uFFFD')
		return false, doctypeNameState
	default:
		if isASCIIUpper(r) {
			r += 0x20
		}
		p.tokenBuilder.WriteName(r)
		return false, doctypeNameState
	}
}

func (p *Tokenizer) bogusDoctypeStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		p.emit(p.tokenBuilder.DocTypeToken(), p.tokenBuilder.EndOfFileToken())
		return false, dataState
	}
	if r == '>' {
		p.emit(p.tokenBuilder.DocTypeToken())
		return false, dataState
	}
	return false, bogusDoctypeState
}

func (p *Tokenizer) characterReferenceStateParser(r rune, eof bool) (bool, tokenizerState) {
	p.tokenBuilder.ResetTempBuffer()
	p.tokenBuilder.WriteTempBuffer('&')

	if eof {
		p.flushCodePointsAsCharacterReference()
		return true, p.returnState
	}
	switch {
	case isASCIIAlpha(r), isASCIIDigit(r):
		return true, namedCharacterReferenceState
	case r == '#':
		p.tokenBuilder.WriteTempBuffer(r)
		return false, numericCharacterReferenceState
	default:
		p.flushCodePointsAsCharacterReference()
		return true, p.returnState
	}
}

// longest entity name in the HTML named character reference table
const maxCharacterReferenceName = 32

// namedCharacterReferenceStateParser collects the reference name and
// resolves it once it ends, using the entity table of x/net/html.
func (p *Tokenizer) namedCharacterReferenceStateParser(r rune, eof bool) (bool, tokenizerState) {
	ref := p.tokenBuilder.TempBuffer()
	if !eof && (isASCIIAlpha(r) || isASCIIDigit(r)) && len(ref) <= maxCharacterReferenceName {
		p.tokenBuilder.WriteTempBuffer(r)
		return false, namedCharacterReferenceState
	}
	if !eof && r == ';' {
		if decoded := html.UnescapeString(ref + ";"); decoded != ref+";" {
			p.flushDecodedReference(decoded)
			return false, p.returnState
		}
	} else if !wasConsumedByAttribute(p.returnState) {
		// legacy references such as "&amp" without the semicolon
		if decoded := html.UnescapeString(ref); decoded != ref {
			p.flushDecodedReference(decoded)
			return true, p.returnState
		}
	}
	p.flushCodePointsAsCharacterReference()
	return true, p.returnState
}

func (p *Tokenizer) flushDecodedReference(decoded string) {
	p.tokenBuilder.ResetTempBuffer()
	for _, c := range decoded {
		p.tokenBuilder.WriteTempBuffer(c)
	}
	p.flushCodePointsAsCharacterReference()
}

func (p *Tokenizer) numericCharacterReferenceStateParser(r rune, eof bool) (bool, tokenizerState) {
	p.tokenBuilder.SetCharRef(0)
	if !eof && (r == 'x' || r == 'X') {
		p.tokenBuilder.WriteTempBuffer(r)
		return false, hexadecimalCharacterReferenceStartState
	}
	return true, decimalCharacterReferenceStartState
}

func (p *Tokenizer) hexadecimalCharacterReferenceStartStateParser(r rune, eof bool) (bool, tokenizerState) {
	if !eof && isASCIIHexDigit(r) {
		return true, hexadecimalCharacterReferenceState
	}
	p.flushCodePointsAsCharacterReference()
	return true, p.returnState
}

func (p *Tokenizer) decimalCharacterReferenceStartStateParser(r rune, eof bool) (bool, tokenizerState) {
	if !eof && isASCIIDigit(r) {
		return true, decimalCharacterReferenceState
	}
	p.flushCodePointsAsCharacterReference()
	return true, p.returnState
}

func (p *Tokenizer) hexadecimalCharacterReferenceStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		return p.numericCharacterReferenceEnd(true)
	}
	switch {
	case isASCIIDigit(r):
		p.tokenBuilder.AccumulateCharRef(16, int(r-0x30))
		return false, hexadecimalCharacterReferenceState
	case r >= 'A' && r <= 'F':
		p.tokenBuilder.AccumulateCharRef(16, int(r-0x37))
		return false, hexadecimalCharacterReferenceState
	case r >= 'a' && r <= 'f':
		p.tokenBuilder.AccumulateCharRef(16, int(r-0x57))
		return false, hexadecimalCharacterReferenceState
	case r == ';':
		return p.numericCharacterReferenceEnd(false)
	default:
		return p.numericCharacterReferenceEnd(true)
	}
}

func (p *Tokenizer) decimalCharacterReferenceStateParser(r rune, eof bool) (bool, tokenizerState) {
	if eof {
		return p.numericCharacterReferenceEnd(true)
	}
	switch {
	case isASCIIDigit(r):
		p.tokenBuilder.AccumulateCharRef(10, int(r-0x30))
		return false, decimalCharacterReferenceState
	case r == ';':
		return p.numericCharacterReferenceEnd(false)
	default:
		return p.numericCharacterReferenceEnd(true)
	}
}

var numericCharacterReferenceEndStateTable = map[int]rune{
	0x80: 0x20AC,
	0x82: 0x201A,
	0x83: 0x0192,
	0x84: 0x201E,
	0x85: 0x2026,
	0x86: 0x2020,
	0x87: 0x2021,
	0x88: 0x02C6,
	0x89: 0x2030,
	0x8A: 0x0160,
	0x8B: 0x2039,
	0x8C: 0x0152,
	0x8E: 0x017D,
	0x91: 0x2018,
	0x92: 0x2019,
	0x93: 0x201C,
	0x94: 0x201D,
	0x95: 0x2022,
	0x96: 0x2013,
	0x97: 0x2014,
	0x98: 0x02DC,
	0x99: 0x2122,
	0x9A: 0x0161,
	0x9B: 0x203A,
	0x9C: 0x0153,
	0x9E: 0x017E,
	0x9F: 0x0178,
}

// numericCharacterReferenceEnd is the numeric character reference end
// state. It never consumes, so the current rune is reconsumed unless it
// was the terminating semicolon.
func (p *Tokenizer) numericCharacterReferenceEnd(reconsume bool) (bool, tokenizerState) {
	code := p.tokenBuilder.GetCharRef()
	switch {
	case code == 0, code > 0x10FFFF, isSurrogate(code):
		code = 0xFFFD
	case isNonCharacter(code):
	case code == 0x0D || (isControl(code) && !isASCIIWhitespace(code)):
		if mapped, ok := numericCharacterReferenceEndStateTable[code]; ok {
			code = int(mapped)
		}
	}

	p.tokenBuilder.ResetTempBuffer()
	p.tokenBuilder.WriteTempBuffer(rune(code))
	p.flushCodePointsAsCharacterReference()
	return reconsume, p.returnState
}

// a stateHandler is a func that takes in a rune and a bool representing the endoffile
// and returns the next state to transition to.
type parserStateHandler func(in rune, eof bool) (bool, tokenizerState)

type tokenizerState uint

const (
	dataState tokenizerState = iota
	rcDataState
	rawTextState
	scriptDataState
	plaintextState
	tagOpenState
	endTagOpenState
	tagNameState
	rcDataLessThanSignState
	rcDataEndTagOpenState
	rcDataEndTagNameState
	rawTextLessThanSignState
	rawTextEndTagOpenState
	rawTextEndTagNameState
	scriptDataLessThanSignState
	scriptDataEndTagOpenState
	scriptDataEndTagNameState
	beforeAttributeNameState
	attributeNameState
	afterAttributeNameState
	beforeAttributeValueState
	attributeValueDoubleQuotedState
	attributeValueSingleQuotedState
	attributeValueUnquotedState
	afterAttributeValueQuotedState
	selfClosingStartTagState
	bogusCommentState
	markupDeclarationOpenState
	commentStartState
	commentStartDashState
	commentState
	commentEndDashState
	commentEndState
	commentEndBangState
	doctypeState
	beforeDoctypeNameState
	doctypeNameState
	bogusDoctypeState
	characterReferenceState
	namedCharacterReferenceState
	numericCharacterReferenceState
	hexadecimalCharacterReferenceStartState
	decimalCharacterReferenceStartState
	hexadecimalCharacterReferenceState
	decimalCharacterReferenceState
)
