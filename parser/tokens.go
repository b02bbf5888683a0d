package parser

import (
	"strings"
)

type tokenType uint

const (
	characterToken tokenType = iota
	startTagToken
	endTagToken
	endOfFileToken
	commentToken
	docTypeToken
)

type tagType uint

const (
	startTag tagType = iota
	endTag
)

// Token is a concrete token that is ready to be emitted.
type Token struct {
	TokenType   tokenType
	Attributes  map[string]string
	TagName     string
	ForceQuirks bool
	SelfClosing bool
	Data        string
}

// Progress is what the tree builder hands back to the tokenizer after a
// token: an optional state switch and whether tokenizing must stop right
// after this token.
type Progress struct {
	TokenizerState *tokenizerState
	Suspend        bool
}

func switchTokenizer(state tokenizerState) *Progress {
	return &Progress{TokenizerState: &state}
}

// TokenBuilder builds various tokens up during the tokenization
// phase.
type TokenBuilder struct {
	attributes             map[string]string
	attributeKey           strings.Builder
	attributeValue         strings.Builder
	name                   strings.Builder
	data                   strings.Builder
	tempBuffer             strings.Builder
	selfClosing            bool
	forceQuirks            bool
	curTagType             tagType
	characterReferenceCode int
}

func newTokenBuilder() *TokenBuilder {
	return &TokenBuilder{
		attributes: make(map[string]string),
	}
}

// Reset clears everything but the temp buffer, which outlives a token
// while character references and end tags are matched.
func (t *TokenBuilder) Reset() {
	t.attributes = make(map[string]string)
	t.attributeKey.Reset()
	t.attributeValue.Reset()
	t.data.Reset()
	t.name.Reset()
	t.selfClosing = false
	t.forceQuirks = false
}

// clone copies the builder. strings.Builder values cannot be copied once
// written to, so every field is rewritten.
func (t *TokenBuilder) clone() *TokenBuilder {
	c := newTokenBuilder()
	for k, v := range t.attributes {
		c.attributes[k] = v
	}
	c.attributeKey.WriteString(t.attributeKey.String())
	c.attributeValue.WriteString(t.attributeValue.String())
	c.name.WriteString(t.name.String())
	c.data.WriteString(t.data.String())
	c.tempBuffer.WriteString(t.tempBuffer.String())
	c.selfClosing = t.selfClosing
	c.forceQuirks = t.forceQuirks
	c.curTagType = t.curTagType
	c.characterReferenceCode = t.characterReferenceCode
	return c
}

// EnableSelfClosing changes to the self-closing flag to "set".
func (t *TokenBuilder) EnableSelfClosing() {
	t.selfClosing = true
}

// EnableForceQuirks changes to the force-quirks flag to "set".
func (t *TokenBuilder) EnableForceQuirks() {
	t.forceQuirks = true
}

// WriteAttributeName appends a character to the current
// attribute's name.
func (t *TokenBuilder) WriteAttributeName(r rune) {
	t.attributeKey.WriteRune(r)
}

// WriteData appends a character to the current data section.
func (t *TokenBuilder) WriteData(r rune) {
	t.data.WriteRune(r)
}

// WriteAttributeValue appends a character to the current
// attribute's value.
func (t *TokenBuilder) WriteAttributeValue(r rune) {
	t.attributeValue.WriteRune(r)
}

// WriteName appends a character to the current name value.
func (t *TokenBuilder) WriteName(r rune) {
	t.name.WriteRune(r)
}

// CommitAttribute ends the creation of a key/value pair. The first
// attribute with a given name wins.
func (t *TokenBuilder) CommitAttribute() {
	k := t.attributeKey.String()
	if _, dup := t.attributes[k]; k != "" && !dup {
		t.attributes[k] = t.attributeValue.String()
	}
	t.attributeKey.Reset()
	t.attributeValue.Reset()
}

// WriteTempBuffer appends a character to the temporary buffer of the current
// state.
func (t *TokenBuilder) WriteTempBuffer(r rune) {
	t.tempBuffer.WriteRune(r)
}

// ResetTempBuffer clears the temporary buffer to be used by some other state.
func (t *TokenBuilder) ResetTempBuffer() {
	t.tempBuffer.Reset()
}

// TempBuffer just returns the string version of the current buffer conents.
func (t *TokenBuilder) TempBuffer() string {
	return t.tempBuffer.String()
}

// TempBufferCharTokens turns the temp buffer into character tokens.
func (t *TokenBuilder) TempBufferCharTokens() []Token {
	var tokens []Token
	for _, r := range t.tempBuffer.String() {
		tokens = append(tokens, t.CharacterToken(r))
	}
	return tokens
}

func (t *TokenBuilder) SetCharRef(i int) {
	t.characterReferenceCode = i
}

func (t *TokenBuilder) GetCharRef() int {
	return t.characterReferenceCode
}

// AccumulateCharRef shifts a digit into the character reference code,
// saturating above the Unicode range.
func (t *TokenBuilder) AccumulateCharRef(base, digit int) {
	if t.characterReferenceCode > 0x10FFFF {
		return
	}
	t.characterReferenceCode = t.characterReferenceCode*base + digit
}

// StartTagToken creates a start tag token from the builder
// contents.
func (t *TokenBuilder) StartTagToken() Token {
	return Token{
		TokenType:   startTagToken,
		TagName:     t.name.String(),
		Attributes:  t.attributes,
		SelfClosing: t.selfClosing,
	}
}

// EndTagToken creates an end tag token from the builder
// contents. End tags never carry attributes.
func (t *TokenBuilder) EndTagToken() Token {
	return Token{
		TokenType: endTagToken,
		TagName:   t.name.String(),
	}
}

// CharacterToken creates a character token from the builder
// contents.
func (t *TokenBuilder) CharacterToken(r rune) Token {
	return Token{
		TokenType: characterToken,
		Data:      string(r),
	}
}

// EndOfFileToken create an end of file token.
func (t *TokenBuilder) EndOfFileToken() Token {
	return Token{
		TokenType: endOfFileToken,
	}
}

// CommentToken creates a comment token from the builder contents.
func (t *TokenBuilder) CommentToken() Token {
	return Token{
		TokenType: commentToken,
		Data:      t.data.String(),
	}
}

// DocTypeToken creates a doc type token from the builder contents.
func (t *TokenBuilder) DocTypeToken() Token {
	return Token{
		TokenType:   docTypeToken,
		TagName:     t.name.String(),
		ForceQuirks: t.forceQuirks,
	}
}
