package parser

import (
	"github.com/benbjohnson/clock"
	"github.com/heathj/htmlstream/parser/dom"
	"github.com/sirupsen/logrus"
)

// ScriptRunner runs a script element once the parser reached its end tag.
// It returns any markup the script wrote with document.write.
type ScriptRunner func(doc *dom.Document, script *dom.Node) (written string, err error)

// ReparseHandler decides whether the document is reloaded in charset after
// a meta declaration disagreed with the charset it is being decoded with.
type ReparseHandler func(charset string, source CharsetSource) bool

// LoadHandler receives the resources found while parsing ahead.
type LoadHandler func(load SpeculativeLoad)

// RequestObserver is told about the start and the end of the request the
// document arrives on, before the stream parser acts on them.
type RequestObserver interface {
	OnStartRequest(req Request)
	OnStopRequest(req Request, status error)
}

type options struct {
	cfg            Config
	log            logrus.FieldLogger
	metrics        *Metrics
	clock          clock.Clock
	detector       CharsetDetector
	metaScanner    MetaScanner
	scriptRunner   ScriptRunner
	reparseHandler ReparseHandler
	loadHandler    LoadHandler
	observer       RequestObserver
	opObserver     func(TreeOperation)
}

// Option configures a StreamParser, an Executor or Parse.
type Option func(*options)

func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics shares m between parsers. Without it metrics are collected
// but not registered anywhere.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the flush timer's time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCharsetDetector sets the detector consulted when sniffing finds
// nothing, regardless of Config.CharsetDetectorEnabled.
func WithCharsetDetector(d CharsetDetector) Option {
	return func(o *options) { o.detector = d }
}

func WithMetaScanner(s MetaScanner) Option {
	return func(o *options) { o.metaScanner = s }
}

func WithScriptRunner(r ScriptRunner) Option {
	return func(o *options) { o.scriptRunner = r }
}

func WithReparseHandler(h ReparseHandler) Option {
	return func(o *options) { o.reparseHandler = h }
}

func WithLoadHandler(h LoadHandler) Option {
	return func(o *options) { o.loadHandler = h }
}

// WithRequestObserver chains o behind the stream parser's request callbacks.
// Calls the stream parser refuses are not passed on.
func WithRequestObserver(o RequestObserver) Option {
	return func(opts *options) { opts.observer = o }
}

// withOpObserver sees every operation the executor applies.
func withOpObserver(f func(TreeOperation)) Option {
	return func(o *options) { o.opObserver = f }
}

func buildOptions(opts []Option) *options {
	o := &options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.detector == nil && o.cfg.CharsetDetectorEnabled {
		o.detector = NewUTF8Detector()
	}
	return o
}
