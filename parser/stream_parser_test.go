package parser

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heathj/htmlstream/parser/dom"
)

// harness wires a stream parser and an executor to their own loops and a
// mock clock, and records every operation the executor applies.
type harness struct {
	t          *testing.T
	req        Request
	clock      *clock.Mock
	metrics    *Metrics
	mainLoop   *EventLoop
	parserLoop *EventLoop
	executor   *Executor
	sp         *StreamParser

	mu  sync.Mutex
	ops []TreeOperation

	closeOnce sync.Once
}

func newHarness(t *testing.T, req Request, opts ...Option) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{
		t:       t,
		req:     req,
		clock:   clock.NewMock(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	all := append([]Option{
		WithLogger(log),
		WithClock(h.clock),
		WithMetrics(h.metrics),
		withOpObserver(h.observe),
	}, opts...)

	h.mainLoop = NewEventLoop("main", log)
	h.parserLoop = NewEventLoop("parser", log)
	h.executor = NewExecutor(h.mainLoop, all...)
	h.sp = NewStreamParser(h.executor, h.parserLoop, all...)
	t.Cleanup(h.close)
	return h
}

func (h *harness) observe(op TreeOperation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = append(h.ops, op)
}

func (h *harness) appliedOps() []TreeOperation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TreeOperation(nil), h.ops...)
}

func (h *harness) start() {
	require.NoError(h.t, h.sp.OnStartRequest(h.req))
}

func (h *harness) feed(data string) {
	h.feedNoSettle(data)
	h.settle()
}

func (h *harness) feedNoSettle(data string) {
	require.NoError(h.t, h.sp.OnDataAvailable(h.req, strings.NewReader(data), len(data)))
}

func (h *harness) stop() {
	h.sp.OnStopRequest(h.req, nil)
	h.settle()
}

// settle lets work bounce between the two loops until both run dry.
func (h *harness) settle() {
	for i := 0; i < 20; i++ {
		h.parserLoop.Sync()
		h.mainLoop.Sync()
	}
}

// fireTimer advances the mock clock by d and waits for the resulting
// timer flush, if one is expected.
func (h *harness) fireTimer(d time.Duration, expectFire bool) {
	before := testutil.ToFloat64(h.metrics.timerFlushes)
	h.clock.Add(d)
	if expectFire {
		require.Eventually(h.t, func() bool {
			return testutil.ToFloat64(h.metrics.timerFlushes) > before
		}, time.Second, time.Millisecond)
	}
	h.settle()
}

func (h *harness) tree() string {
	h.settle()
	return h.executor.Document().String()
}

func (h *harness) close() {
	h.closeOnce.Do(func() {
		h.sp.Release()
		h.parserLoop.Stop()
		h.mainLoop.Stop()
	})
}

func countElements(ops []TreeOperation, name string) int {
	n := 0
	for _, op := range ops {
		if op.Kind == opAppendElement && op.Name == name {
			n++
		}
	}
	return n
}

func bodyText(doc *dom.Document) string {
	bodies := doc.GetElementsByTagName("body")
	if len(bodies) == 0 {
		return ""
	}
	return bodies[0].TextContent()
}

var utf8Channel = NewRequest("GET", "utf-8")

func TestStreamParserParsesChunks(t *testing.T) {
	h := newHarness(t, utf8Channel)
	h.start()
	for _, chunk := range []string{"<p>He", "llo</", "p><p>w", "orld"} {
		h.feed(chunk)
	}
	h.stop()

	want := `#document
| <html>
|   <head>
|   <body>
|     <p>
|       "Hello"
|     <p>
|       "world"`
	assert.Equal(t, want, h.tree())
	assert.Equal(t, "utf-8", h.executor.Document().Charset)
	assert.Equal(t, "channel", h.executor.Document().CharsetSource)

	select {
	case <-h.executor.Done():
	default:
		t.Fatal("executor not done after stream ended")
	}
}

func TestStreamParserLifecycleErrors(t *testing.T) {
	h := newHarness(t, utf8Channel)
	assert.ErrorIs(t, h.sp.OnDataAvailable(h.req, strings.NewReader("x"), 1), ErrNotStarted)

	h.start()
	assert.Error(t, h.sp.OnStartRequest(h.req))
	assert.Error(t, h.sp.SetDocumentCharset("utf-8", CharsetFromHintPrevDoc))

	h.sp.Terminate()
	assert.ErrorIs(t, h.sp.OnDataAvailable(h.req, strings.NewReader("x"), 1), ErrTerminated)
}

func countKind(ops []TreeOperation, kind treeOpKind) int {
	n := 0
	for _, op := range ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// opsAfterStreamEnded counts operations applied after the first
// stream-ended operation.
func opsAfterStreamEnded(ops []TreeOperation) int {
	for i, op := range ops {
		if op.Kind == opStreamEnded {
			return len(ops) - i - 1
		}
	}
	return 0
}

func TestStreamParserOutOfOrderCallbacks(t *testing.T) {
	tests := []struct {
		name      string
		run       func(t *testing.T, h *harness)
		wantText  string
		wantEnded int
	}{
		{
			name: "data after stop",
			run: func(t *testing.T, h *harness) {
				h.start()
				h.feed("<p>a")
				h.stop()
				late := "<p>late"
				assert.ErrorIs(t, h.sp.OnDataAvailable(h.req, strings.NewReader(late), len(late)), ErrStreamEnded)
				h.fireTimer(time.Second, false)
			},
			wantText:  "a",
			wantEnded: 1,
		},
		{
			name: "stop before start",
			run: func(t *testing.T, h *harness) {
				h.stop()
				assert.Empty(t, h.appliedOps())
				select {
				case <-h.executor.Done():
					t.Fatal("executor done before the stream started")
				default:
				}
				// the stream can still be read normally
				h.start()
				h.feed("<p>b")
				h.stop()
			},
			wantText:  "b",
			wantEnded: 1,
		},
		{
			name: "repeated stop",
			run: func(t *testing.T, h *harness) {
				h.start()
				h.feed("<p>a")
				h.stop()
				h.stop()
				h.sp.OnStopRequest(h.req, io.ErrUnexpectedEOF)
				h.settle()
			},
			wantText:  "a",
			wantEnded: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, utf8Channel)
			tt.run(t, h)
			h.settle()

			ops := h.appliedOps()
			assert.Equal(t, tt.wantEnded, countKind(ops, opStreamEnded))
			assert.Zero(t, opsAfterStreamEnded(ops))
			assert.Equal(t, tt.wantText, bodyText(h.executor.Document()))
		})
	}
}

func TestStreamParserNegativeByteCount(t *testing.T) {
	h := newHarness(t, utf8Channel)
	h.start()
	assert.Error(t, h.sp.OnDataAvailable(h.req, strings.NewReader("x"), -1))
	h.feed("<p>x")
	h.stop()
	assert.Equal(t, "x", bodyText(h.executor.Document()))
}

type requestRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *requestRecorder) OnStartRequest(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start "+req.Method())
}

func (r *requestRecorder) OnStopRequest(req Request, status error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event := "stop"
	if status != nil {
		event += ": " + status.Error()
	}
	r.events = append(r.events, event)
}

func TestRequestObserverSeesAcceptedCallbacks(t *testing.T) {
	rec := &requestRecorder{}
	h := newHarness(t, utf8Channel, WithRequestObserver(rec))
	h.stop()
	h.start()
	assert.Error(t, h.sp.OnStartRequest(h.req))
	h.feed("<p>x")
	h.sp.OnStopRequest(h.req, io.ErrUnexpectedEOF)
	h.settle()
	h.stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"start GET", "stop: unexpected EOF"}, rec.events)
	assert.Equal(t, "x", bodyText(h.executor.Document()))
}

func TestFlushTimerTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushTimerInitialDelay = 50 * time.Millisecond
	cfg.FlushTimerSubsequentDelay = 200 * time.Millisecond
	h := newHarness(t, utf8Channel, WithConfig(cfg))
	h.start()

	h.feed("<p>a")
	// nothing reaches the document before the timer fires
	assert.Equal(t, "#document", h.tree())

	h.fireTimer(49*time.Millisecond, false)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.timerFlushes))

	h.fireTimer(time.Millisecond, true)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.timerFlushes))
	assert.Equal(t, "a", bodyText(h.executor.Document()))

	// later arms use the subsequent delay
	h.feed("b")
	h.fireTimer(50*time.Millisecond, false)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.timerFlushes))
	assert.Equal(t, "a", bodyText(h.executor.Document()))

	h.fireTimer(150*time.Millisecond, true)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.timerFlushes))
	assert.Equal(t, "ab", bodyText(h.executor.Document()))
}

func TestFlushTimerDefersTextUnderTable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushTimerInitialDelay = 10 * time.Millisecond
	h := newHarness(t, utf8Channel, WithConfig(cfg))
	h.start()

	h.feed("<table>abc")
	h.fireTimer(10*time.Millisecond, true)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.executorFlushes))
	assert.Equal(t, "#document", h.tree())

	h.feed("def<tr><td>1")
	h.stop()

	want := `#document
| <html>
|   <head>
|   <body>
|     "abcdef"
|     <table>
|       <tbody>
|         <tr>
|           <td>
|             "1"`
	assert.Equal(t, want, h.tree())
}

func TestSpeculationCommits(t *testing.T) {
	var ran []string
	runner := func(doc *dom.Document, script *dom.Node) (string, error) {
		ran = append(ran, script.TextContent())
		return "", nil
	}
	h := newHarness(t, utf8Channel, WithScriptRunner(runner))
	h.start()
	h.feed("<script>one</script><p>a</p><script>two</script><p>b</p>")
	h.stop()

	want := `#document
| <html>
|   <head>
|     <script>
|       "one"
|   <body>
|     <p>
|       "a"
|     <script>
|       "two"
|     <p>
|       "b"`
	assert.Equal(t, want, h.tree())
	assert.Equal(t, []string{"one", "two"}, ran)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.speculationsCreated))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.speculationsCommitted))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.speculationsFailed))
	assert.Equal(t, 2, countElements(h.appliedOps(), "p"))
}

func TestSpeculationMatchesSinglePass(t *testing.T) {
	const doc = "<title>t</title><script>s</script><ul><li>a<li>b</ul><script>t</script><table><td>x</table>tail"

	scripted := newHarness(t, utf8Channel)
	scripted.start()
	scripted.feed(doc)
	scripted.stop()

	cfg := DefaultConfig()
	cfg.ScriptingEnabled = false
	plain := newHarness(t, utf8Channel, WithConfig(cfg))
	plain.start()
	plain.feed(doc)
	plain.stop()

	assert.Equal(t, plain.tree(), scripted.tree())
	assert.Equal(t, float64(2), testutil.ToFloat64(scripted.metrics.speculationsCommitted))
}

func TestSpeculationWithDocumentWrite(t *testing.T) {
	runner := func(doc *dom.Document, script *dom.Node) (string, error) {
		return "<b>w</b>", nil
	}
	h := newHarness(t, utf8Channel, WithScriptRunner(runner))
	h.start()
	h.feed("<body><script>s</script>after</body>")
	h.stop()

	want := `#document
| <html>
|   <head>
|   <body>
|     <script>
|       "s"
|     <b>
|       "w"
|     "after"`
	assert.Equal(t, want, h.tree())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.speculationsCommitted))
}

func TestSpeculationRollback(t *testing.T) {
	runner := func(doc *dom.Document, script *dom.Node) (string, error) {
		return "<table>", nil
	}
	h := newHarness(t, utf8Channel, WithScriptRunner(runner))
	h.start()

	// the script end tag ends at code unit 50 of the first buffer
	script := "<script>" + strings.Repeat("x", 33) + "</script>"
	require.Len(t, script, 50)

	gate := make(chan struct{})
	h.feedNoSettle(script + "<p>guess</p>")
	require.NoError(t, h.parserLoop.Dispatch(func() { <-gate }))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.speculationsFailed) == 1
	}, time.Second, time.Millisecond)

	h.sp.tokenizerMu.Lock()
	assert.Equal(t, 50, h.sp.firstBuffer.Start())
	assert.False(t, h.sp.speculating)
	h.sp.tokenizerMu.Unlock()
	h.sp.speculationMu.Lock()
	assert.Empty(t, h.sp.speculations)
	h.sp.speculationMu.Unlock()

	close(gate)
	h.stop()

	want := `#document
| <html>
|   <head>
|     <script>
|       "` + strings.Repeat("x", 33) + `"
|   <body>
|     <p>
|       "guess"
|     <table>`
	assert.Equal(t, want, h.tree())
	// the p parsed during the failed speculation never reached the document
	assert.Equal(t, 1, countElements(h.appliedOps(), "p"))
}

func TestOperationsKeepGenerationOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushTimerInitialDelay = time.Millisecond
	cfg.FlushTimerSubsequentDelay = time.Millisecond
	h := newHarness(t, utf8Channel, WithConfig(cfg))
	h.start()

	chunks := []string{"<div>a", "<script>1</script><span>", "b</span><script>2", "</script><em>c</em>", "<i>d</i></div>"}
	for _, chunk := range chunks {
		h.feed(chunk)
		h.fireTimer(time.Millisecond, false)
	}
	h.stop()

	var last NodeHandle
	for _, op := range h.appliedOps() {
		if op.Kind != opAppendElement {
			continue
		}
		assert.Greater(t, op.Handle, last, "element %s applied out of order", op.Name)
		last = op.Handle
	}
	assert.Equal(t, "a1b2cd", h.executor.Document().TextContent())
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushTimerInitialDelay = 10 * time.Millisecond
	h := newHarness(t, utf8Channel, WithConfig(cfg))
	h.start()
	h.feed("<p>a")

	executorFlushes := testutil.ToFloat64(h.metrics.executorFlushes)
	loadFlushes := testutil.ToFloat64(h.metrics.loadFlushes)

	h.sp.Terminate()
	assert.True(t, h.sp.IsTerminated())
	assert.ErrorIs(t, h.sp.OnDataAvailable(h.req, strings.NewReader("<p>b"), 4), ErrTerminated)
	h.fireTimer(10*time.Millisecond, true)
	h.sp.ContinueAfterFailedCharsetSwitch()
	h.sp.Uninterrupt()
	h.stop()

	assert.Equal(t, executorFlushes, testutil.ToFloat64(h.metrics.executorFlushes))
	assert.Equal(t, loadFlushes, testutil.ToFloat64(h.metrics.loadFlushes))
	assert.Equal(t, "#document", h.tree())
}

func TestBufferLimitAbortsParse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBuffers = 2
	h := newHarness(t, utf8Channel, WithConfig(cfg))
	h.start()
	h.feed(strings.Repeat("a", 3*ReadBufferSize))

	<-h.executor.Done()
	assert.ErrorIs(t, h.executor.Err(), ErrOutOfMemory)
	assert.ErrorIs(t, h.sp.Err(), ErrOutOfMemory)
	assert.True(t, h.sp.IsTerminated())

	h.sp.tokenizerMu.Lock()
	assert.Nil(t, h.sp.firstBuffer.Next())
	assert.False(t, h.sp.firstBuffer.HasMore())
	h.sp.tokenizerMu.Unlock()
}

func TestBuffersAreRecycled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBuffers = 3
	h := newHarness(t, utf8Channel, WithConfig(cfg))
	h.start()
	// each chunk is parsed before the next arrives, so the chain stays short
	for i := 0; i < 10; i++ {
		h.feed(strings.Repeat("a", 2*ReadBufferSize))
	}
	h.stop()

	require.NoError(t, h.executor.Err())
	assert.Len(t, bodyText(h.executor.Document()), 20*ReadBufferSize)
	assert.LessOrEqual(t, testutil.ToFloat64(h.metrics.bufferChainLength), float64(3))
}

func TestMetaCharsetSwitchDeclined(t *testing.T) {
	var asked []string
	decline := func(charset string, source CharsetSource) bool {
		asked = append(asked, charset)
		assert.Equal(t, CharsetFromMetaTag, source)
		return false
	}
	h := newHarness(t, NewRequest("GET", ""), WithReparseHandler(decline))
	h.start()
	h.feed("<!--" + strings.Repeat("x", 1100) + "-->")
	h.feed("<meta charset=iso-8859-2><p>\xA3")
	h.stop()

	assert.Equal(t, []string{"iso-8859-2"}, asked)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.charsetSwitches))
	name, source := h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, CharsetFromWeakDocTypeDefault, source)
	// parsing went on in the old charset
	assert.Equal(t, "£", bodyText(h.executor.Document()))
}

func TestMetaCharsetSwitchAccepted(t *testing.T) {
	accept := func(string, CharsetSource) bool { return true }
	h := newHarness(t, NewRequest("GET", ""), WithReparseHandler(accept))
	h.start()
	h.feed("<!--" + strings.Repeat("x", 1100) + "-->")
	h.feed("<meta charset=iso-8859-2><p>\xA3")

	<-h.executor.Done()
	assert.Equal(t, "iso-8859-2", h.executor.ReparseCharset())
	assert.True(t, h.sp.IsTerminated())
	h.stop()
	assert.Empty(t, h.executor.Document().GetElementsByTagName("p"))
}

func TestMetaCharsetMatchingUpgradesSource(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed("<!--" + strings.Repeat("x", 1100) + "-->")
	h.feed("<meta charset=latin1>")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, CharsetFromMetaTag, source)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.charsetSwitches))
}

func TestMetaCharsetIgnoredForPost(t *testing.T) {
	h := newHarness(t, NewRequest("post", ""))
	h.start()
	h.feed("<!--" + strings.Repeat("x", 1100) + "-->")
	h.feed("<meta charset=iso-8859-2><p>x")
	h.stop()

	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.charsetSwitches))
	name, _ := h.sp.Charset()
	assert.Equal(t, "windows-1252", name)
	assert.Equal(t, "x", bodyText(h.executor.Document()))
}

func TestMetaUTF16DeclarationRejected(t *testing.T) {
	h := newHarness(t, NewRequest("GET", ""))
	h.start()
	h.feed("<meta charset=utf-16><p>x")
	h.stop()

	name, source := h.sp.Charset()
	assert.Equal(t, "utf-8", name)
	assert.Equal(t, CharsetFromMetaPrescan, source)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.charsetSwitches))
	assert.Equal(t, "x", bodyText(h.executor.Document()))
}

func TestSpeculativeLoadsReachHandler(t *testing.T) {
	var mu sync.Mutex
	var loads []SpeculativeLoad
	handler := func(l SpeculativeLoad) {
		mu.Lock()
		defer mu.Unlock()
		loads = append(loads, l)
	}
	h := newHarness(t, utf8Channel, WithLoadHandler(handler))
	h.start()
	h.feed(`<link rel=stylesheet href=a.css><script src=b.js></script><img src=c.png>`)
	h.stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SpeculativeLoad{
		{Kind: loadStylesheet, URL: "a.css"},
		{Kind: loadScript, URL: "b.js"},
		{Kind: loadImage, URL: "c.png"},
	}, loads)
}

func TestReleaseTearsDown(t *testing.T) {
	h := newHarness(t, utf8Channel)
	h.start()
	h.feed("<p>a")
	h.stop()
	assert.Equal(t, int64(1), h.sp.RefCount())

	h.close()
	select {
	case <-h.sp.Released():
	case <-time.After(time.Second):
		t.Fatal("stream parser was not released")
	}
	assert.Equal(t, int64(0), h.sp.RefCount())
}
