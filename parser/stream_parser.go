package parser

import (
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type streamState int

const (
	streamNotStarted streamState = iota
	streamBeingRead
	streamEnded
)

const maxSpareBuffers = 4

// StreamParser owns the parser side of a document load: it sniffs the
// charset, decodes network bytes into a chain of UTF16Buffers and drives the
// tokenizer over them on the parser loop, speculating past scripts while the
// executor runs them on the main loop.
//
// OnStartRequest, OnDataAvailable and OnStopRequest are called by the
// network side. ContinueAfterScripts and ContinueAfterFailedCharsetSwitch
// are called by the executor on the main loop.
type StreamParser struct {
	opts       *options
	cfg        Config
	log        logrus.FieldLogger
	metrics    *Metrics
	parserLoop *EventLoop
	mainLoop   *EventLoop
	executor   *Executor

	// Everything below up to speculationMu is guarded by tokenizerMu.
	tokenizerMu         sync.Mutex
	tokenizer           *Tokenizer
	treeBuilder         *TreeBuilder
	firstBuffer         *UTF16Buffer
	lastBuffer          *UTF16Buffer
	spareBuffers        []*UTF16Buffer
	lastWasCR           bool
	atEOF               bool
	streamState         streamState
	decoder             Decoder
	bomState            bomState
	metaScanner         MetaScanner
	sniffingBuffer      []byte
	detector            CharsetDetector
	charset             string
	charsetSource       CharsetSource
	reparseForbidden    bool
	speculating         bool
	flushTimerArmed     bool
	flushTimerEverFired bool

	speculationMu sync.Mutex
	speculations  []*Speculation

	started     atomic.Bool
	stopped     atomic.Bool
	interrupted atomic.Bool
	terminated  atomic.Bool
	err         atomic.Error

	timer           *flushTimer
	refs            *refCounter
	released        chan struct{}
	executorFlusher func()
	loadFlusher     func()
}

// NewStreamParser creates a parser that feeds executor. Parsing tasks run on
// parserLoop; notifications go to the executor's loop.
func NewStreamParser(executor *Executor, parserLoop *EventLoop, opts ...Option) *StreamParser {
	o := buildOptions(opts)
	sp := &StreamParser{
		opts:          o,
		cfg:           o.cfg,
		log:           o.log.WithField("component", "stream-parser"),
		metrics:       o.metrics,
		parserLoop:    parserLoop,
		mainLoop:      executor.loop,
		executor:      executor,
		metaScanner:   o.metaScanner,
		detector:      o.detector,
		charsetSource: CharsetUninitialized,
		released:      make(chan struct{}),
	}
	sp.treeBuilder = NewTreeBuilder(executor.handles, o.cfg.ScriptingEnabled, o.log)
	sp.treeBuilder.SetOpSink(executor.stage)
	sp.treeBuilder.SetLoadStage(executor.stage)
	sp.treeBuilder.setEncodingDeclarationHandler(sp)
	sp.tokenizer = NewTokenizer(sp.treeBuilder)
	sp.tokenizer.SetInterruptFlag(&sp.interrupted)
	sp.firstBuffer = newUTF16Buffer(ReadBufferSize)
	sp.lastBuffer = sp.firstBuffer

	sp.refs = newRefCounter(sp.teardown)
	sp.timer = newFlushTimer(o.clock, func(task func()) { sp.dispatchToParser(task) })
	sp.executorFlusher = executor.RunFlushLoop
	sp.loadFlusher = executor.FlushSpeculativeLoads
	executor.parser = sp
	return sp
}

// SetDocumentCharset presets the charset before the stream starts, as a
// reload for a declared charset does.
func (sp *StreamParser) SetDocumentCharset(label string, source CharsetSource) error {
	sp.tokenizerMu.Lock()
	defer sp.tokenizerMu.Unlock()
	if sp.streamState != streamNotStarted {
		return errAlreadyStarted
	}
	name, _, err := resolveCharset(label)
	if err != nil {
		return err
	}
	sp.charset = name
	sp.charsetSource = source
	return nil
}

// Charset returns the charset the stream is decoded with so far.
func (sp *StreamParser) Charset() (string, CharsetSource) {
	sp.tokenizerMu.Lock()
	defer sp.tokenizerMu.Unlock()
	return sp.charset, sp.charsetSource
}

// OnStartRequest opens the stream. A channel charset that outranks the
// current one skips sniffing.
func (sp *StreamParser) OnStartRequest(req Request) error {
	sp.tokenizerMu.Lock()
	defer sp.tokenizerMu.Unlock()
	if sp.streamState != streamNotStarted {
		return errAlreadyStarted
	}
	if sp.opts.observer != nil {
		sp.opts.observer.OnStartRequest(req)
	}
	sp.streamState = streamBeingRead
	sp.started.Store(true)
	sp.reparseForbidden = req.Method() != http.MethodGet

	if label := req.ContentCharset(); label != "" && sp.charsetSource < CharsetFromChannel {
		name, _, err := resolveCharset(label)
		if err != nil {
			sp.log.WithField("label", label).Debug("ignoring unknown channel charset")
		} else {
			sp.charset = name
			sp.charsetSource = CharsetFromChannel
		}
	}
	if sp.charsetSource < CharsetFromChannel {
		return nil
	}

	dec, err := newDecoder(sp.charset)
	if err != nil {
		return errors.Wrapf(err, "decoder for %s", sp.charset)
	}
	sp.decoder = dec
	sp.bomState = bomSniffingOver
	sp.treeBuilder.SetDocumentCharset(sp.charset, sp.charsetSource)
	sp.log.WithFields(logrus.Fields{
		"charset": sp.charset,
		"source":  sp.charsetSource,
	}).Debug("decoding without sniffing")
	return nil
}

// OnDataAvailable reads up to n bytes from r and queues them for the parser
// loop. It never waits for the parser.
func (sp *StreamParser) OnDataAvailable(req Request, r io.Reader, n int) error {
	if n < 0 {
		return errors.Errorf("negative byte count %d", n)
	}
	if !sp.started.Load() {
		return ErrNotStarted
	}
	if sp.IsTerminated() {
		return ErrTerminated
	}
	if sp.stopped.Load() {
		return ErrStreamEnded
	}
	data := make([]byte, n)
	read, err := io.ReadFull(r, data)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if read > 0 {
		data = data[:read]
		sp.dispatchToParser(func() {
			sp.tokenizerMu.Lock()
			defer sp.tokenizerMu.Unlock()
			sp.doDataAvailable(data)
		})
	}
	return errors.Wrap(err, "read stream")
}

// OnStopRequest ends the stream. A failed status still finalizes the parse
// of what arrived. It is a no-op before OnStartRequest and after the first
// call.
func (sp *StreamParser) OnStopRequest(req Request, status error) {
	if !sp.started.Load() {
		sp.log.Debug("ignoring stop of a stream that never started")
		return
	}
	if sp.stopped.Swap(true) {
		sp.log.Debug("ignoring repeated stop")
		return
	}
	if status != nil {
		sp.log.WithError(status).Debug("stream stopped with error")
	}
	if sp.opts.observer != nil {
		sp.opts.observer.OnStopRequest(req, status)
	}
	sp.dispatchToParser(func() {
		sp.tokenizerMu.Lock()
		defer sp.tokenizerMu.Unlock()
		sp.doStopRequest()
	})
}

func (sp *StreamParser) doDataAvailable(data []byte) {
	if sp.IsTerminated() || sp.streamState != streamBeingRead {
		return
	}
	if sp.decoder != nil {
		sp.writeStreamBytes(data)
	} else {
		sp.sniffStreamBytes(data)
	}
	if sp.isTerminatedOrInterrupted() {
		return
	}
	sp.parseAvailableData()
	if sp.flushTimerArmed || sp.speculating {
		return
	}
	sp.armFlushTimer()
}

func (sp *StreamParser) doStopRequest() {
	if sp.IsTerminated() || sp.streamState != streamBeingRead {
		return
	}
	if sp.decoder == nil {
		sp.finalizeSniffing(nil, 0)
	}
	sp.finishDecoding()
	sp.streamState = streamEnded
	if sp.isTerminatedOrInterrupted() {
		return
	}
	sp.parseAvailableData()
}

func (sp *StreamParser) armFlushTimer() {
	delay := sp.cfg.FlushTimerInitialDelay
	if sp.flushTimerEverFired {
		delay = sp.cfg.FlushTimerSubsequentDelay
	}
	sp.timer.schedule(delay, sp.timerFlush)
	sp.flushTimerArmed = true
}

func (sp *StreamParser) timerFlush() {
	sp.tokenizerMu.Lock()
	defer sp.tokenizerMu.Unlock()

	sp.flushTimerArmed = false
	sp.flushTimerEverFired = true
	sp.metrics.timerFlushes.Inc()

	if sp.isTerminatedOrInterrupted() || sp.speculating {
		return
	}
	// Pending text under a table is held back so the tree shape does not
	// depend on where flushes fall.
	if sp.treeBuilder.IsDiscretionaryFlushSafe() && sp.treeBuilder.Flush() {
		sp.notifyExecutor()
	}
}

func (sp *StreamParser) flushTreeOpsAndDisarmTimer() {
	if sp.flushTimerArmed {
		sp.timer.cancel()
		sp.flushTimerArmed = false
	}
	sp.treeBuilder.Flush()
	sp.notifyExecutor()
}

func (sp *StreamParser) notifyExecutor() {
	if sp.IsTerminated() {
		return
	}
	sp.metrics.executorFlushes.Inc()
	if err := sp.mainLoop.Dispatch(sp.executorFlusher); err != nil {
		sp.log.WithError(err).Warn("failed to dispatch executor flush")
	}
}

func (sp *StreamParser) notifyLoads() {
	if sp.IsTerminated() {
		return
	}
	sp.metrics.loadFlushes.Inc()
	if err := sp.mainLoop.Dispatch(sp.loadFlusher); err != nil {
		sp.log.WithError(err).Warn("failed to dispatch load flush")
	}
}

// internalEncodingDeclaration handles a meta charset met by the tree
// builder after sniffing settled on a decoder.
func (sp *StreamParser) internalEncodingDeclaration(label string) {
	if sp.charsetSource >= CharsetFromMetaTag || sp.reparseForbidden {
		return
	}
	name, _, err := resolveCharset(label)
	if err != nil {
		sp.log.WithField("label", label).Debug("ignoring unknown meta charset")
		return
	}
	if name == sp.charset {
		sp.charsetSource = CharsetFromMetaTag
		return
	}
	if sp.cfg.reparseExcluded(name) {
		sp.log.WithField("charset", name).Debug("ignoring meta charset that is not an ASCII superset")
		return
	}

	sp.log.WithFields(logrus.Fields{
		"from": sp.charset,
		"to":   name,
	}).Debug("requesting charset switch")
	sp.metrics.charsetSwitches.Inc()
	sp.treeBuilder.NeedsCharsetSwitchTo(name, CharsetFromMetaTag)
	sp.flushTreeOpsAndDisarmTimer()
	// The executor terminates the parser if it reparses, or resumes it
	// through ContinueAfterFailedCharsetSwitch.
	sp.Interrupt()
}

func (sp *StreamParser) parseAvailableData() {
	if sp.isTerminatedOrInterrupted() {
		return
	}
	for {
		if !sp.firstBuffer.HasMore() {
			if sp.firstBuffer == sp.lastBuffer {
				switch sp.streamState {
				case streamBeingRead:
					// the last buffer is never released
					if !sp.speculating {
						sp.firstBuffer.start = 0
						sp.firstBuffer.end = 0
					}
					sp.treeBuilder.FlushLoads()
					sp.notifyLoads()
					return
				case streamEnded:
					if sp.atEOF {
						return
					}
					sp.atEOF = true
					sp.tokenizer.EOF()
					sp.treeBuilder.StreamEnded()
					sp.flushTreeOpsAndDisarmTimer()
					return
				default:
					return
				}
			}
			exhausted := sp.firstBuffer
			sp.firstBuffer = sp.firstBuffer.next
			if !sp.speculating {
				sp.recycle(exhausted)
			}
			continue
		}

		sp.firstBuffer.Adjust(sp.lastWasCR)
		sp.lastWasCR = false
		if sp.firstBuffer.HasMore() {
			sp.lastWasCR = sp.tokenizer.TokenizeBuffer(sp.firstBuffer)
			if sp.treeBuilder.HasScript() {
				sp.startSpeculation()
			}
			if sp.isTerminatedOrInterrupted() {
				return
			}
		}
	}
}

// startSpeculation records the resumption point after a script and diverts
// tree operations into a new speculation. The speculation mutex is held
// throughout so the executor cannot reach the script before the
// speculation is queued.
func (sp *StreamParser) startSpeculation() {
	sp.speculationMu.Lock()
	defer sp.speculationMu.Unlock()
	s := newSpeculation(sp.firstBuffer, sp.firstBuffer.start, sp.tokenizer.LineNumber(), sp.treeBuilder.NewSnapshot())
	sp.treeBuilder.AddSnapshotToScript(s.snapshot, s.startLineNumber)
	sp.flushTreeOpsAndDisarmTimer()
	sp.treeBuilder.SetOpSink(s)
	sp.speculations = append(sp.speculations, s)
	sp.speculating = true
	sp.metrics.speculationsCreated.Inc()
	sp.log.WithField("line", s.startLineNumber).Debug("speculating past script")
}

// ContinueAfterScripts is called on the main loop once the script that
// started the oldest speculation ran. tokenizer and treeBuilder are the
// main side instances that parsed whatever the script wrote; the
// speculation is kept only if they ended up where it started.
func (sp *StreamParser) ContinueAfterScripts(tokenizer *Tokenizer, treeBuilder *TreeBuilder, lastWasCR bool) {
	if sp.IsTerminated() {
		return
	}
	speculationFailed := false
	sp.speculationMu.Lock()
	if len(sp.speculations) == 0 {
		sp.speculationMu.Unlock()
		return
	}
	s := sp.speculations[0]
	if lastWasCR || !tokenizer.IsInDataState() || !treeBuilder.SnapshotMatches(s.snapshot) {
		speculationFailed = true
		sp.Interrupt()
	} else {
		if len(sp.speculations) > 1 {
			// not the current speculation, the parser loop is not involved
			s.FlushToSink(sp.executor)
			sp.speculations = sp.speculations[1:]
			sp.speculationMu.Unlock()
			sp.metrics.speculationsCommitted.Inc()
			return
		}
		sp.Interrupt()
	}
	sp.speculationMu.Unlock()

	sp.tokenizerMu.Lock()
	defer sp.tokenizerMu.Unlock()
	if speculationFailed {
		sp.rollback(s, tokenizer, treeBuilder, lastWasCR)
	} else {
		sp.commit()
	}
	sp.dispatchToParser(sp.continueParsing)
}

func (sp *StreamParser) rollback(s *Speculation, tokenizer *Tokenizer, treeBuilder *TreeBuilder, lastWasCR bool) {
	sp.atEOF = false
	sp.firstBuffer = s.buffer
	sp.firstBuffer.start = s.start
	sp.tokenizer.SetLineNumber(s.startLineNumber)
	sp.log.WithField("line", s.startLineNumber).Warn("speculation failed")

	for b := sp.firstBuffer.next; b != nil; b = b.next {
		b.start = 0
	}

	sp.speculationMu.Lock()
	sp.speculations = nil
	sp.speculationMu.Unlock()

	sp.treeBuilder.flushCharacters()
	sp.treeBuilder.ClearOps()
	sp.treeBuilder.SetOpSink(sp.executor.stage)
	sp.speculating = false

	sp.lastWasCR = lastWasCR
	sp.tokenizer.LoadState(tokenizer)
	sp.treeBuilder.LoadState(treeBuilder.NewSnapshot())
	sp.metrics.speculationsFailed.Inc()
}

func (sp *StreamParser) commit() {
	sp.speculationMu.Lock()
	defer sp.speculationMu.Unlock()
	if len(sp.speculations) == 0 {
		return
	}
	sp.speculations[0].FlushToSink(sp.executor)
	sp.speculations = sp.speculations[1:]
	sp.metrics.speculationsCommitted.Inc()
	if len(sp.speculations) > 0 {
		return
	}
	// Pending operations would otherwise wait for more network data.
	if sp.treeBuilder.IsDiscretionaryFlushSafe() {
		sp.treeBuilder.SetOpSink(sp.executor)
		sp.treeBuilder.Flush()
	}
	sp.treeBuilder.SetOpSink(sp.executor.stage)
	sp.speculating = false
}

func (sp *StreamParser) continueParsing() {
	sp.tokenizerMu.Lock()
	defer sp.tokenizerMu.Unlock()
	sp.Uninterrupt()
	sp.parseAvailableData()
	if !sp.flushTimerArmed && !sp.speculating && sp.streamState == streamBeingRead && !sp.IsTerminated() {
		sp.armFlushTimer()
	}
}

// ContinueAfterFailedCharsetSwitch resumes parsing after the executor
// declined to reparse.
func (sp *StreamParser) ContinueAfterFailedCharsetSwitch() {
	sp.dispatchToParser(sp.continueParsing)
}

func (sp *StreamParser) Interrupt()   { sp.interrupted.Store(true) }
func (sp *StreamParser) Uninterrupt() { sp.interrupted.Store(false) }

// Terminate stops the parser for good. Tasks still queued become no-ops.
func (sp *StreamParser) Terminate() { sp.terminated.Store(true) }

func (sp *StreamParser) IsTerminated() bool { return sp.terminated.Load() }

func (sp *StreamParser) isTerminatedOrInterrupted() bool {
	return sp.terminated.Load() || sp.interrupted.Load()
}

// Err returns the error that terminated the parser, if any.
func (sp *StreamParser) Err() error { return sp.err.Load() }

// fail abandons the parse: the buffer chain and speculations are dropped
// and the executor is told to stop.
func (sp *StreamParser) fail(err error) {
	if sp.err.Load() == nil {
		sp.err.Store(err)
	}
	sp.log.WithError(err).Error("stream parser failed")
	sp.firstBuffer = newUTF16Buffer(ReadBufferSize)
	sp.lastBuffer = sp.firstBuffer
	sp.spareBuffers = nil
	sp.sniffingBuffer = nil

	sp.speculationMu.Lock()
	sp.speculations = nil
	sp.speculationMu.Unlock()
	sp.speculating = false

	if sp.flushTimerArmed {
		sp.timer.cancel()
		sp.flushTimerArmed = false
	}
	sp.Terminate()
	if dispatchErr := sp.mainLoop.Dispatch(func() { sp.executor.abort(err) }); dispatchErr != nil {
		sp.log.WithError(dispatchErr).Warn("failed to dispatch abort")
	}
}

// appendBuffer links a fresh buffer at the tail of the chain.
func (sp *StreamParser) appendBuffer() bool {
	var buf *UTF16Buffer
	if n := len(sp.spareBuffers); n > 0 {
		buf = sp.spareBuffers[n-1]
		sp.spareBuffers = sp.spareBuffers[:n-1]
	} else {
		buf = newUTF16Buffer(ReadBufferSize)
	}
	sp.lastBuffer.next = buf
	sp.lastBuffer = buf

	retained := sp.retainedBuffers()
	sp.metrics.bufferChainLength.Set(float64(retained))
	if sp.cfg.MaxBuffers > 0 && retained > sp.cfg.MaxBuffers {
		sp.fail(ErrOutOfMemory)
		return false
	}
	return true
}

// retainedBuffers counts the buffers that can still be read, from the
// oldest speculation if there is one.
func (sp *StreamParser) retainedBuffers() int {
	head := sp.firstBuffer
	sp.speculationMu.Lock()
	if len(sp.speculations) > 0 {
		head = sp.speculations[0].buffer
	}
	sp.speculationMu.Unlock()
	n := 0
	for b := head; b != nil; b = b.next {
		n++
	}
	return n
}

func (sp *StreamParser) recycle(b *UTF16Buffer) {
	if len(sp.spareBuffers) >= maxSpareBuffers || b.Cap() != ReadBufferSize {
		return
	}
	b.reset()
	sp.spareBuffers = append(sp.spareBuffers, b)
}

func (sp *StreamParser) dispatchToParser(task func()) {
	sp.refs.acquire()
	err := sp.parserLoop.Dispatch(func() {
		defer sp.releaseOnMain()
		task()
	})
	if err != nil {
		sp.log.WithError(err).Warn("failed to dispatch to parser loop")
		sp.releaseOnMain()
	}
}

// releaseOnMain drops a task reference on the main loop, so the last
// release and the teardown it triggers happen there.
func (sp *StreamParser) releaseOnMain() {
	if err := sp.mainLoop.Dispatch(sp.refs.release); err != nil {
		sp.refs.release()
	}
}

// DropTimer cancels the flush timer from the parser loop.
func (sp *StreamParser) DropTimer() {
	sp.dispatchToParser(func() {
		sp.tokenizerMu.Lock()
		defer sp.tokenizerMu.Unlock()
		sp.timer.cancel()
		sp.flushTimerArmed = false
	})
}

// Release gives up the owner's reference. The parser is torn down once
// every queued task has run.
func (sp *StreamParser) Release() {
	sp.DropTimer()
	sp.refs.release()
}

// RefCount is the number of outstanding references.
func (sp *StreamParser) RefCount() int64 { return sp.refs.count() }

// Released is closed after teardown.
func (sp *StreamParser) Released() <-chan struct{} { return sp.released }

func (sp *StreamParser) teardown() {
	sp.tokenizerMu.Lock()
	sp.tokenizer.End()
	sp.firstBuffer = nil
	sp.lastBuffer = nil
	sp.spareBuffers = nil
	sp.tokenizerMu.Unlock()
	close(sp.released)
	sp.log.Debug("stream parser released")
}
