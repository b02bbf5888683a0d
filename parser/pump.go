package parser

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
)

// DefaultChunkSize is how many bytes Pump hands over per data callback.
const DefaultChunkSize = 4096

// Pump plays the network side of a load: it starts the request, delivers r
// in chunks of chunkSize bytes and stops the request with the read error, if
// any, as status. Only a failure to start is returned; read errors end the
// stream like a dropped connection would.
func Pump(ctx context.Context, sp *StreamParser, req Request, r io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := sp.OnStartRequest(req); err != nil {
		return errors.Wrap(err, "start request")
	}

	var status error
	chunk := make([]byte, chunkSize)
	for status == nil {
		if err := ctx.Err(); err != nil {
			status = err
			break
		}
		n, err := r.Read(chunk)
		if n > 0 {
			// OnDataAvailable copies the bytes, so chunk can be reused.
			if derr := sp.OnDataAvailable(req, bytes.NewReader(chunk[:n]), n); derr != nil {
				status = derr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil && status == nil {
			status = errors.Wrap(err, "read")
		}
	}
	sp.OnStopRequest(req, status)
	return nil
}
