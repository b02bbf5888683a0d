package parser

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type insertionMode uint

const (
	initial insertionMode = iota
	beforeHTML
	beforeHead
	inHead
	afterHead
	inBody
	text
	inTable
	afterBody
)

var insertionModeNames = [...]string{
	"initial",
	"before html",
	"before head",
	"in head",
	"after head",
	"in body",
	"text",
	"in table",
	"after body",
}

func (m insertionMode) String() string {
	if int(m) < len(insertionModeNames) {
		return insertionModeNames[m]
	}
	return fmt.Sprintf("mode(%d)", m)
}

type parseError string

const (
	noError           parseError = ""
	generalParseError parseError = "unexpected token"
)

type treeConstructionModeHandler func(t *Token) (bool, insertionMode, parseError)

// encodingDeclarationHandler is told about charsets declared by meta tags.
type encodingDeclarationHandler interface {
	internalEncodingDeclaration(label string)
}

// TreeBuilder turns tokens into TreeOperations. It never touches a document
// itself: operations collect in an internal queue and move to the current
// TreeOpSink on Flush.
type TreeBuilder struct {
	log              logrus.FieldLogger
	mappings         map[insertionMode]treeConstructionModeHandler
	mode             insertionMode
	originalMode     insertionMode
	stack            []stackEntry
	headPointer      NodeHandle
	fosterParenting  bool
	scriptingEnabled bool
	handles          *atomic.Int64
	pendingText      strings.Builder
	ops              []TreeOperation
	loads            []SpeculativeLoad
	sink             TreeOpSink
	loadStage        *Stage
	encoding         encodingDeclarationHandler
	progress         *Progress
}

// NewTreeBuilder creates a tree builder allocating node handles from
// handles, which may be shared with other tree builders of the same
// document.
func NewTreeBuilder(handles *atomic.Int64, scriptingEnabled bool, log logrus.FieldLogger) *TreeBuilder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	tb := &TreeBuilder{
		log:              log,
		handles:          handles,
		scriptingEnabled: scriptingEnabled,
	}
	tb.createMappings()
	return tb
}

func (tb *TreeBuilder) createMappings() {
	tb.mappings = map[insertionMode]treeConstructionModeHandler{
		initial:    tb.initialModeHandler,
		beforeHTML: tb.beforeHTMLModeHandler,
		beforeHead: tb.beforeHeadModeHandler,
		inHead:     tb.inHeadModeHandler,
		afterHead:  tb.afterHeadModeHandler,
		inBody:     tb.inBodyModeHandler,
		text:       tb.textModeHandler,
		inTable:    tb.inTableModeHandler,
		afterBody:  tb.afterBodyModeHandler,
	}
}

func (tb *TreeBuilder) SetOpSink(sink TreeOpSink) { tb.sink = sink }

func (tb *TreeBuilder) SetLoadStage(stage *Stage) { tb.loadStage = stage }

func (tb *TreeBuilder) setEncodingDeclarationHandler(h encodingDeclarationHandler) {
	tb.encoding = h
}

// ProcessToken runs t through the insertion modes until it is consumed.
func (tb *TreeBuilder) ProcessToken(t *Token) *Progress {
	tb.progress = nil
	if t.TokenType != characterToken {
		tb.flushCharacters()
	}
	var (
		reprocess = true
		err       parseError
	)
	for reprocess {
		reprocess, tb.mode, err = tb.mappings[tb.mode](t)
		if err != noError {
			tb.log.WithFields(logrus.Fields{
				"mode":  tb.mode,
				"token": t.TagName,
			}).Debugf("parse error: %s", err)
		}
	}
	return tb.progress
}

func (tb *TreeBuilder) useRulesFor(t *Token, returnState, expectedState insertionMode) (bool, insertionMode, parseError) {
	reprocess, nextstate, err := tb.mappings[expectedState](t)

	// if the next state is the same as the expected state, this means that mode handler didn't
	// change the state. We should use the current return state.
	if nextstate == expectedState {
		return reprocess, returnState, err
	}
	return reprocess, nextstate, err
}

// Flush moves pending text and every queued operation to the sink. It
// reports whether anything was moved.
func (tb *TreeBuilder) Flush() bool {
	tb.flushCharacters()
	tb.FlushLoads()
	if len(tb.ops) == 0 {
		return false
	}
	ops := tb.ops
	tb.ops = nil
	if tb.sink != nil {
		tb.sink.AppendOps(ops)
	}
	return true
}

// FlushLoads moves the speculative loads found so far to the load stage.
func (tb *TreeBuilder) FlushLoads() bool {
	if len(tb.loads) == 0 {
		return false
	}
	loads := tb.loads
	tb.loads = nil
	if tb.loadStage != nil {
		tb.loadStage.appendLoads(loads)
	}
	return true
}

// ClearOps drops the queued operations.
func (tb *TreeBuilder) ClearOps() {
	tb.ops = nil
}

// IsDiscretionaryFlushSafe is false while text is pending under a table
// node: flushing it now could put it somewhere other than where the rest of
// the text run will go.
func (tb *TreeBuilder) IsDiscretionaryFlushSafe() bool {
	return !(tb.pendingText.Len() > 0 && isFosterParentingNode(tb.currentNode().name))
}

// HasScript reports whether the last queued operation is a script that no
// speculation has been attached to yet.
func (tb *TreeBuilder) HasScript() bool {
	if len(tb.ops) == 0 {
		return false
	}
	last := tb.ops[len(tb.ops)-1]
	return last.Kind == opRunScript && last.Snapshot == nil
}

func (tb *TreeBuilder) NewSnapshot() *StateSnapshot {
	stack := make([]stackEntry, len(tb.stack))
	copy(stack, tb.stack)
	return &StateSnapshot{
		stack:        stack,
		mode:         tb.mode,
		originalMode: tb.originalMode,
		headPointer:  tb.headPointer,
	}
}

// AddSnapshotToScript attaches the snapshot a speculation starts from to the
// pending script operation.
func (tb *TreeBuilder) AddSnapshotToScript(snapshot *StateSnapshot, line int) {
	if !tb.HasScript() {
		return
	}
	op := &tb.ops[len(tb.ops)-1]
	op.Snapshot = snapshot
	op.Line = line
}

func (tb *TreeBuilder) SnapshotMatches(snapshot *StateSnapshot) bool {
	return tb.pendingText.Len() == 0 &&
		snapshot.matches(tb.stack, tb.mode, tb.originalMode, tb.headPointer)
}

// LoadState restores the builder to snapshot. Queued operations are kept.
func (tb *TreeBuilder) LoadState(snapshot *StateSnapshot) {
	tb.stack = make([]stackEntry, len(snapshot.stack))
	copy(tb.stack, snapshot.stack)
	tb.mode = snapshot.mode
	tb.originalMode = snapshot.originalMode
	tb.headPointer = snapshot.headPointer
	tb.fosterParenting = false
	tb.pendingText.Reset()
}

func (tb *TreeBuilder) SetDocumentCharset(charset string, source CharsetSource) {
	tb.ops = append(tb.ops, TreeOperation{Kind: opSetDocumentCharset, Charset: charset, Source: source})
}

func (tb *TreeBuilder) NeedsCharsetSwitchTo(charset string, source CharsetSource) {
	tb.ops = append(tb.ops, TreeOperation{Kind: opNeedsCharsetSwitch, Charset: charset, Source: source})
}

func (tb *TreeBuilder) StreamEnded() {
	tb.flushCharacters()
	tb.ops = append(tb.ops, TreeOperation{Kind: opStreamEnded})
}

func (tb *TreeBuilder) currentNode() stackEntry {
	if len(tb.stack) == 0 {
		return stackEntry{handle: documentHandle}
	}
	return tb.stack[len(tb.stack)-1]
}

func (tb *TreeBuilder) newHandle() NodeHandle {
	return NodeHandle(tb.handles.Inc())
}

// flushCharacters turns the pending text run into a single operation. Text
// under a table node is foster parented unless it is all whitespace.
func (tb *TreeBuilder) flushCharacters() {
	if tb.pendingText.Len() == 0 {
		return
	}
	data := tb.pendingText.String()
	tb.pendingText.Reset()

	cur := tb.currentNode()
	parent, before := cur.handle, NodeHandle(0)
	if isFosterParentingNode(cur.name) && strings.TrimLeft(data, "\t\n\f\r ") != "" {
		parent, before = tb.fosterParentLocation()
	}
	tb.ops = append(tb.ops, TreeOperation{Kind: opAppendText, Parent: parent, Before: before, Data: data})
}

func (tb *TreeBuilder) fosterParentLocation() (parent, before NodeHandle) {
	for i := len(tb.stack) - 1; i >= 0; i-- {
		if tb.stack[i].name == "table" {
			return tb.stack[i].parent, tb.stack[i].handle
		}
	}
	return tb.stack[0].handle, 0
}

// https://html.spec.whatwg.org/multipage/parsing.html#appropriate-place-for-inserting-a-node
func (tb *TreeBuilder) insertionLocation() (parent, before NodeHandle) {
	cur := tb.currentNode()
	if tb.fosterParenting && isFosterParentingNode(cur.name) {
		return tb.fosterParentLocation()
	}
	return cur.handle, 0
}

func (tb *TreeBuilder) insertCharacter(t *Token) {
	tb.pendingText.WriteString(t.Data)
}

func (tb *TreeBuilder) insertComment(t *Token) {
	parent, before := tb.insertionLocation()
	tb.ops = append(tb.ops, TreeOperation{Kind: opAppendComment, Parent: parent, Before: before, Data: t.Data})
}

func (tb *TreeBuilder) insertCommentAt(t *Token, parent NodeHandle) {
	tb.ops = append(tb.ops, TreeOperation{Kind: opAppendComment, Parent: parent, Data: t.Data})
}

func (tb *TreeBuilder) insertElement(name string, attributes map[string]string) NodeHandle {
	tb.flushCharacters()
	parent, before := tb.insertionLocation()
	h := tb.newHandle()
	tb.ops = append(tb.ops, TreeOperation{
		Kind:       opAppendElement,
		Handle:     h,
		Parent:     parent,
		Before:     before,
		Name:       name,
		Attributes: attributes,
	})
	tb.stack = append(tb.stack, stackEntry{handle: h, name: name, parent: parent})
	return h
}

func (tb *TreeBuilder) insertHTMLElementForToken(t *Token) NodeHandle {
	return tb.insertElement(t.TagName, t.Attributes)
}

func (tb *TreeBuilder) insertVoidElementForToken(t *Token) NodeHandle {
	h := tb.insertHTMLElementForToken(t)
	tb.pop()
	return h
}

func (tb *TreeBuilder) pop() stackEntry {
	tb.flushCharacters()
	top := tb.currentNode()
	if len(tb.stack) > 0 {
		tb.stack = tb.stack[:len(tb.stack)-1]
	}
	return top
}

func (tb *TreeBuilder) popUntil(names ...string) {
	for len(tb.stack) > 0 {
		top := tb.pop()
		for _, name := range names {
			if top.name == name {
				return
			}
		}
	}
}

func (tb *TreeBuilder) removeFromStack(h NodeHandle) {
	for i := len(tb.stack) - 1; i >= 0; i-- {
		if tb.stack[i].handle == h {
			tb.flushCharacters()
			tb.stack = append(tb.stack[:i], tb.stack[i+1:]...)
			return
		}
	}
}

func (tb *TreeBuilder) elementInSpecificScope(target string, list []string) bool {
	for i := len(tb.stack) - 1; i >= 0; i-- {
		entry := tb.stack[i]
		if entry.name == target {
			return true
		}
		for _, name := range list {
			if entry.name == name {
				return false
			}
		}
	}
	return false
}

var defaultScope = []string{"applet", "caption", "html", "table", "td", "th", "marquee", "object", "template"}

func (tb *TreeBuilder) elementInScope(target string) bool {
	return tb.elementInSpecificScope(target, defaultScope)
}

func (tb *TreeBuilder) elementInButtonScope(target string) bool {
	return tb.elementInSpecificScope(target, append([]string{"button"}, defaultScope...))
}

func (tb *TreeBuilder) elementInTableScope(target string) bool {
	return tb.elementInSpecificScope(target, []string{"html", "table", "template"})
}

func (tb *TreeBuilder) closePElement() {
	tb.generateImpliedEndTags("p")
	tb.popUntil("p")
}

func (tb *TreeBuilder) generateImpliedEndTags(except string) {
	for {
		name := tb.currentNode().name
		if name == except {
			return
		}
		switch name {
		case "dd", "dt", "li", "optgroup", "option", "p", "rb", "rp", "rt", "rtc":
			tb.pop()
		default:
			return
		}
	}
}

// https://html.spec.whatwg.org/multipage/parsing.html#reset-the-insertion-mode-appropriately
func (tb *TreeBuilder) resetInsertionMode() insertionMode {
	for i := len(tb.stack) - 1; i >= 0; i-- {
		switch tb.stack[i].name {
		case "td", "th":
			return inBody
		case "tr", "tbody", "thead", "tfoot", "table":
			return inTable
		case "head":
			return inHead
		case "body":
			return inBody
		case "html":
			if tb.headPointer == 0 {
				return beforeHead
			}
			return afterHead
		}
	}
	return inBody
}

func (tb *TreeBuilder) switchTo(state tokenizerState) {
	tb.progress = switchTokenizer(state)
}

// genericTextElement parses the contents of t as raw text or RCDATA.
func (tb *TreeBuilder) genericTextElement(t *Token, state tokenizerState) (bool, insertionMode, parseError) {
	tb.insertHTMLElementForToken(t)
	tb.switchTo(state)
	tb.originalMode = tb.mode
	return false, text, noError
}

func (tb *TreeBuilder) processMeta(t *Token) {
	if tb.encoding == nil {
		return
	}
	if charset, ok := t.Attributes["charset"]; ok {
		tb.encoding.internalEncodingDeclaration(charset)
		return
	}
	if strings.EqualFold(t.Attributes["http-equiv"], "content-type") {
		if charset := extractCharsetFromContent(t.Attributes["content"]); charset != "" {
			tb.encoding.internalEncodingDeclaration(charset)
		}
	}
}

func (tb *TreeBuilder) addSpeculativeLoad(kind loadKind, url string) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	tb.loads = append(tb.loads, SpeculativeLoad{Kind: kind, URL: url})
}

func isFosterParentingNode(name string) bool {
	switch name {
	case "table", "tbody", "tfoot", "thead", "tr":
		return true
	}
	return false
}

func isWhitespace(data string) bool {
	switch data {
	case "\u0009", "\u000A", "\u000C", "\u000D", " ":
		return true
	}
	return false
}

func isSpecial(name string) bool {
	switch name {
	case "address", "applet", "area", "article", "aside", "base", "basefont", "bgsound", "blockquote", "body", "br", "button", "caption", "center", "col", "colgroup", "dd", "details", "dir", "div", "dl", "dt", "embed", "fieldset", "figcaption", "figure", "footer", "form", "frame", "frameset", "h1", "h2", "h3", "h4", "h5", "h6", "head", "header", "hgroup", "hr", "html", "iframe", "img", "input", "keygen", "li", "link", "listing", "main", "marquee", "menu", "meta", "nav", "noembed", "noframes", "noscript", "object", "ol", "p", "param", "plaintext", "pre", "script", "section", "select", "source", "style", "summary", "table", "tbody", "td", "template", "textarea", "tfoot", "th", "thead", "tr", "track", "ul", "wbr":
		return true
	}
	return false
}

func (tb *TreeBuilder) initialModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if isWhitespace(t.Data) {
			return false, initial, noError
		}
	case commentToken:
		tb.insertCommentAt(t, documentHandle)
		return false, initial, noError
	case docTypeToken:
		tb.ops = append(tb.ops, TreeOperation{Kind: opAppendDoctype, Parent: documentHandle, Name: t.TagName})
		return false, beforeHTML, noError
	}
	return true, beforeHTML, noError
}

func (tb *TreeBuilder) defaultBeforeHTMLModeHandler(t *Token) (bool, insertionMode, parseError) {
	tb.insertElement("html", nil)
	return true, beforeHead, noError
}

func (tb *TreeBuilder) beforeHTMLModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case docTypeToken:
		return false, beforeHTML, generalParseError
	case commentToken:
		tb.insertCommentAt(t, documentHandle)
		return false, beforeHTML, noError
	case characterToken:
		if isWhitespace(t.Data) {
			return false, beforeHTML, noError
		}
	case startTagToken:
		if t.TagName == "html" {
			tb.insertHTMLElementForToken(t)
			return false, beforeHead, noError
		}
	case endTagToken:
		switch t.TagName {
		case "head", "body", "html", "br":
		default:
			return false, beforeHTML, generalParseError
		}
	}
	return tb.defaultBeforeHTMLModeHandler(t)
}

func (tb *TreeBuilder) defaultBeforeHeadModeHandler(t *Token) (bool, insertionMode, parseError) {
	tb.headPointer = tb.insertElement("head", nil)
	return true, inHead, noError
}

func (tb *TreeBuilder) beforeHeadModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if isWhitespace(t.Data) {
			return false, beforeHead, noError
		}
	case commentToken:
		tb.insertComment(t)
		return false, beforeHead, noError
	case docTypeToken:
		return false, beforeHead, generalParseError
	case startTagToken:
		switch t.TagName {
		case "html":
			return tb.useRulesFor(t, beforeHead, inBody)
		case "head":
			tb.headPointer = tb.insertHTMLElementForToken(t)
			return false, inHead, noError
		}
	case endTagToken:
		switch t.TagName {
		case "head", "body", "html", "br":
		default:
			return false, beforeHead, generalParseError
		}
	}
	return tb.defaultBeforeHeadModeHandler(t)
}

func (tb *TreeBuilder) defaultInHeadModeHandler(t *Token) (bool, insertionMode, parseError) {
	tb.pop()
	return true, afterHead, noError
}

func (tb *TreeBuilder) inHeadModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if isWhitespace(t.Data) {
			tb.insertCharacter(t)
			return false, inHead, noError
		}
	case commentToken:
		tb.insertComment(t)
		return false, inHead, noError
	case docTypeToken:
		return false, inHead, generalParseError
	case startTagToken:
		switch t.TagName {
		case "html":
			return tb.useRulesFor(t, inHead, inBody)
		case "base", "basefont", "bgsound":
			tb.insertVoidElementForToken(t)
			return false, inHead, noError
		case "link":
			tb.insertVoidElementForToken(t)
			if containsToken(t.Attributes["rel"], "stylesheet") {
				tb.addSpeculativeLoad(loadStylesheet, t.Attributes["href"])
			}
			return false, inHead, noError
		case "meta":
			tb.insertVoidElementForToken(t)
			tb.processMeta(t)
			return false, inHead, noError
		case "title":
			return tb.genericTextElement(t, rcDataState)
		case "noscript":
			if !tb.scriptingEnabled {
				tb.insertHTMLElementForToken(t)
				return false, inHead, noError
			}
			return tb.genericTextElement(t, rawTextState)
		case "noframes", "style":
			return tb.genericTextElement(t, rawTextState)
		case "script":
			if src, ok := t.Attributes["src"]; ok {
				tb.addSpeculativeLoad(loadScript, src)
			}
			return tb.genericTextElement(t, scriptDataState)
		case "head":
			return false, inHead, generalParseError
		}
	case endTagToken:
		switch t.TagName {
		case "head":
			tb.pop()
			return false, afterHead, noError
		case "noscript":
			if tb.currentNode().name == "noscript" {
				tb.pop()
				return false, inHead, noError
			}
			return false, inHead, generalParseError
		case "body", "html", "br":
		default:
			return false, inHead, generalParseError
		}
	}
	return tb.defaultInHeadModeHandler(t)
}

func (tb *TreeBuilder) defaultAfterHeadModeHandler(t *Token) (bool, insertionMode, parseError) {
	tb.insertElement("body", nil)
	return true, inBody, noError
}

func (tb *TreeBuilder) afterHeadModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if isWhitespace(t.Data) {
			tb.insertCharacter(t)
			return false, afterHead, noError
		}
	case commentToken:
		tb.insertComment(t)
		return false, afterHead, noError
	case docTypeToken:
		return false, afterHead, generalParseError
	case startTagToken:
		switch t.TagName {
		case "html":
			return tb.useRulesFor(t, afterHead, inBody)
		case "body":
			tb.insertHTMLElementForToken(t)
			return false, inBody, noError
		case "base", "basefont", "bgsound", "link", "meta", "noframes", "script", "style", "title":
			tb.stack = append(tb.stack, stackEntry{handle: tb.headPointer, name: "head", parent: tb.stack[0].handle})
			reprocess, next, _ := tb.useRulesFor(t, afterHead, inHead)
			tb.removeFromStack(tb.headPointer)
			return reprocess, next, generalParseError
		case "head":
			return false, afterHead, generalParseError
		}
	case endTagToken:
		switch t.TagName {
		case "body", "html", "br":
		default:
			return false, afterHead, generalParseError
		}
	}
	return tb.defaultAfterHeadModeHandler(t)
}

func (tb *TreeBuilder) inBodyModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if t.Data == "\u0000" {
			return false, inBody, generalParseError
		}
		tb.insertCharacter(t)
	case commentToken:
		tb.insertComment(t)
	case docTypeToken:
		return false, inBody, generalParseError
	case endOfFileToken:
	case startTagToken:
		return tb.inBodyStartTag(t)
	case endTagToken:
		return tb.inBodyEndTag(t)
	}
	return false, inBody, noError
}

func (tb *TreeBuilder) inBodyStartTag(t *Token) (bool, insertionMode, parseError) {
	switch t.TagName {
	case "html", "body":
		return false, inBody, generalParseError
	case "base", "basefont", "bgsound", "link", "meta", "noframes", "script", "style", "title":
		return tb.useRulesFor(t, inBody, inHead)
	case "address", "article", "aside", "blockquote", "center", "details", "dialog", "dir", "div", "dl", "fieldset", "figcaption", "figure", "footer", "header", "hgroup", "main", "menu", "nav", "ol", "p", "section", "summary", "ul", "pre", "listing":
		if tb.elementInButtonScope("p") {
			tb.closePElement()
		}
		tb.insertHTMLElementForToken(t)
	case "h1", "h2", "h3", "h4", "h5", "h6":
		if tb.elementInButtonScope("p") {
			tb.closePElement()
		}
		var err parseError
		switch tb.currentNode().name {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			tb.pop()
			err = generalParseError
		}
		tb.insertHTMLElementForToken(t)
		return false, inBody, err
	case "li", "dd", "dt":
		for i := len(tb.stack) - 1; i >= 0; i-- {
			name := tb.stack[i].name
			if name == t.TagName || (t.TagName != "li" && (name == "dd" || name == "dt")) {
				tb.generateImpliedEndTags(name)
				tb.popUntil(name)
				break
			}
			if isSpecial(name) && name != "address" && name != "div" && name != "p" {
				break
			}
		}
		if tb.elementInButtonScope("p") {
			tb.closePElement()
		}
		tb.insertHTMLElementForToken(t)
	case "plaintext":
		if tb.elementInButtonScope("p") {
			tb.closePElement()
		}
		tb.insertHTMLElementForToken(t)
		tb.switchTo(plaintextState)
	case "table":
		if tb.elementInButtonScope("p") {
			tb.closePElement()
		}
		tb.insertHTMLElementForToken(t)
		return false, inTable, noError
	case "area", "br", "embed", "keygen", "wbr", "input", "hr", "param", "source", "track":
		if t.TagName == "hr" && tb.elementInButtonScope("p") {
			tb.closePElement()
		}
		tb.insertVoidElementForToken(t)
	case "img", "image":
		t.TagName = "img"
		tb.insertVoidElementForToken(t)
		if src, ok := t.Attributes["src"]; ok {
			tb.addSpeculativeLoad(loadImage, src)
		}
	case "textarea":
		return tb.genericTextElement(t, rcDataState)
	case "xmp", "iframe", "noembed":
		return tb.genericTextElement(t, rawTextState)
	case "noscript":
		if tb.scriptingEnabled {
			return tb.genericTextElement(t, rawTextState)
		}
		tb.insertHTMLElementForToken(t)
	case "caption", "col", "colgroup", "frame", "head", "tbody", "td", "tfoot", "th", "thead", "tr":
		if (t.TagName == "td" || t.TagName == "th" || t.TagName == "tr") && (tb.elementInTableScope("td") || tb.elementInTableScope("th")) {
			// A new cell or row closes the open cell.
			tb.closeCell()
			return true, inTable, noError
		}
		return false, inBody, generalParseError
	default:
		tb.insertHTMLElementForToken(t)
	}
	return false, inBody, noError
}

func (tb *TreeBuilder) closeCell() {
	tb.generateImpliedEndTags("")
	tb.popUntil("td", "th")
}

func (tb *TreeBuilder) inBodyEndTag(t *Token) (bool, insertionMode, parseError) {
	switch t.TagName {
	case "body":
		if !tb.elementInScope("body") {
			return false, inBody, generalParseError
		}
		return false, afterBody, noError
	case "html":
		if !tb.elementInScope("body") {
			return false, inBody, generalParseError
		}
		return true, afterBody, noError
	case "p":
		if !tb.elementInButtonScope("p") {
			tb.insertElement("p", nil)
			tb.closePElement()
			return false, inBody, generalParseError
		}
		tb.closePElement()
	case "td", "th":
		if !tb.elementInTableScope(t.TagName) {
			return false, inBody, generalParseError
		}
		tb.closeCell()
		return false, inTable, noError
	case "table", "tbody", "tfoot", "thead", "tr":
		if tb.elementInTableScope("td") || tb.elementInTableScope("th") {
			tb.closeCell()
			return true, inTable, noError
		}
		return false, inBody, generalParseError
	case "br":
		tb.insertElement("br", nil)
		tb.pop()
		return false, inBody, generalParseError
	default:
		for i := len(tb.stack) - 1; i >= 0; i-- {
			name := tb.stack[i].name
			if name == t.TagName {
				tb.generateImpliedEndTags(name)
				for len(tb.stack) > i {
					tb.pop()
				}
				break
			}
			if isSpecial(name) {
				return false, inBody, generalParseError
			}
		}
	}
	return false, inBody, noError
}

func (tb *TreeBuilder) textModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		tb.insertCharacter(t)
		return false, text, noError
	case endOfFileToken:
		tb.pop()
		return true, tb.originalMode, generalParseError
	case endTagToken:
		script := tb.pop()
		if t.TagName == "script" && tb.scriptingEnabled {
			tb.ops = append(tb.ops, TreeOperation{Kind: opRunScript, Handle: script.handle})
			tb.progress = &Progress{Suspend: true}
		}
		return false, tb.originalMode, noError
	}
	return false, text, noError
}

func (tb *TreeBuilder) inTableModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if isFosterParentingNode(tb.currentNode().name) {
			tb.insertCharacter(t)
			return false, inTable, noError
		}
	case commentToken:
		tb.insertComment(t)
		return false, inTable, noError
	case docTypeToken:
		return false, inTable, generalParseError
	case startTagToken:
		switch t.TagName {
		case "tbody", "tfoot", "thead":
			tb.clearStackBackTo("table")
			tb.insertHTMLElementForToken(t)
			return false, inTable, noError
		case "tr":
			tb.clearStackBackTo("tbody", "tfoot", "thead", "table")
			if tb.currentNode().name == "table" {
				tb.insertElement("tbody", nil)
			}
			tb.insertHTMLElementForToken(t)
			return false, inTable, noError
		case "td", "th":
			tb.clearStackBackTo("tr", "tbody", "tfoot", "thead", "table")
			switch tb.currentNode().name {
			case "table":
				tb.insertElement("tbody", nil)
				tb.insertElement("tr", nil)
			case "tbody", "tfoot", "thead":
				tb.insertElement("tr", nil)
			}
			tb.insertHTMLElementForToken(t)
			return false, inBody, noError
		case "table":
			if !tb.elementInTableScope("table") {
				return false, inTable, generalParseError
			}
			tb.popUntil("table")
			return true, tb.resetInsertionMode(), generalParseError
		case "style", "script":
			return tb.useRulesFor(t, inTable, inHead)
		}
	case endTagToken:
		switch t.TagName {
		case "table":
			if !tb.elementInTableScope("table") {
				return false, inTable, generalParseError
			}
			tb.popUntil("table")
			return false, tb.resetInsertionMode(), noError
		case "tbody", "tfoot", "thead", "tr":
			if !tb.elementInTableScope(t.TagName) {
				return false, inTable, generalParseError
			}
			tb.popUntil(t.TagName)
			return false, inTable, noError
		case "body", "caption", "col", "colgroup", "html", "td", "th":
			return false, inTable, generalParseError
		}
	case endOfFileToken:
		return tb.useRulesFor(t, inTable, inBody)
	}

	tb.fosterParenting = true
	reprocess, next, _ := tb.useRulesFor(t, inTable, inBody)
	tb.fosterParenting = false
	return reprocess, next, generalParseError
}

func (tb *TreeBuilder) clearStackBackTo(names ...string) {
	for len(tb.stack) > 0 {
		cur := tb.currentNode().name
		if cur == "html" {
			return
		}
		for _, name := range names {
			if cur == name {
				return
			}
		}
		tb.pop()
	}
}

func (tb *TreeBuilder) afterBodyModeHandler(t *Token) (bool, insertionMode, parseError) {
	switch t.TokenType {
	case characterToken:
		if isWhitespace(t.Data) {
			return tb.useRulesFor(t, afterBody, inBody)
		}
	case commentToken:
		tb.insertCommentAt(t, tb.stack[0].handle)
		return false, afterBody, noError
	case docTypeToken:
		return false, afterBody, generalParseError
	case startTagToken:
		if t.TagName == "html" {
			return tb.useRulesFor(t, afterBody, inBody)
		}
	case endTagToken:
		if t.TagName == "html" {
			return false, afterBody, noError
		}
	case endOfFileToken:
		return false, afterBody, noError
	}
	return true, inBody, generalParseError
}

func containsToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}
