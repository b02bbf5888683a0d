package parser

import (
	"bytes"
	"context"
	"io"

	"github.com/heathj/htmlstream/parser/dom"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a complete load.
type Result struct {
	Document      *dom.Document
	Charset       string
	CharsetSource CharsetSource
	// Reparsed is set when a meta charset made the load start over.
	Reparsed bool
}

// Parser loads documents with a fixed request description and options.
type Parser struct {
	Request   Request
	ChunkSize int
	opts      []Option
}

// NewParser creates a parser for GET requests without a channel charset.
// By default a meta charset that disagrees with the sniffed one restarts
// the load in the declared charset; WithReparseHandler overrides that.
func NewParser(opts ...Option) *Parser {
	acceptReparse := WithReparseHandler(func(string, CharsetSource) bool { return true })
	return &Parser{
		Request:   NewRequest("GET", ""),
		ChunkSize: DefaultChunkSize,
		opts:      append([]Option{acceptReparse}, opts...),
	}
}

// Parse reads r to the end and returns the document.
func Parse(ctx context.Context, r io.Reader, opts ...Option) (*Result, error) {
	return NewParser(opts...).Parse(ctx, r)
}

// ParseBytes parses an in-memory document.
func ParseBytes(ctx context.Context, b []byte, opts ...Option) (*Result, error) {
	return Parse(ctx, bytes.NewReader(b), opts...)
}

func (p *Parser) Parse(ctx context.Context, r io.Reader) (*Result, error) {
	var recorded bytes.Buffer
	res, reparse, err := p.load(ctx, io.TeeReader(r, &recorded), "")
	if err != nil || reparse == "" {
		return res, err
	}
	// Whatever the first pass did not read yet follows what it did.
	res, _, err = p.load(ctx, io.MultiReader(&recorded, r), reparse)
	if res != nil {
		res.Reparsed = true
	}
	return res, err
}

func (p *Parser) load(ctx context.Context, r io.Reader, charset string) (*Result, string, error) {
	mainLoop := NewEventLoop("main", nil)
	parserLoop := NewEventLoop("parser", nil)
	executor := NewExecutor(mainLoop, p.opts...)
	sp := NewStreamParser(executor, parserLoop, p.opts...)
	if charset != "" {
		if err := sp.SetDocumentCharset(charset, CharsetFromMetaTag); err != nil {
			return nil, "", err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return Pump(gctx, sp, p.Request, r, p.ChunkSize)
	})
	g.Go(func() error {
		select {
		case <-executor.Done():
			return nil
		case <-gctx.Done():
			sp.Terminate()
			return gctx.Err()
		}
	})
	err := g.Wait()
	if err == nil {
		// the stream may have ended on its own right as ctx was cancelled
		err = ctx.Err()
	}

	sp.Release()
	parserLoop.Stop()
	mainLoop.Stop()
	if err != nil {
		return nil, "", errors.Wrap(err, "parse")
	}
	if err := executor.Err(); err != nil {
		return nil, "", err
	}

	name, source := sp.Charset()
	res := &Result{
		Document:      executor.Document(),
		Charset:       name,
		CharsetSource: source,
	}
	return res, executor.ReparseCharset(), nil
}
