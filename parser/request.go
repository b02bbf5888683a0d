package parser

import (
	"mime"
	"net/http"
	"strings"
)

// Request describes the channel a document arrives on.
type Request interface {
	Method() string
	// ContentCharset is the charset label the transport declared, or "".
	ContentCharset() string
}

type request struct {
	method  string
	charset string
}

func (r request) Method() string         { return r.method }
func (r request) ContentCharset() string { return r.charset }

// NewRequest returns a Request for method with an optional channel charset.
func NewRequest(method, charset string) Request {
	if method == "" {
		method = http.MethodGet
	}
	return request{method: strings.ToUpper(method), charset: charset}
}

// RequestFromHTTP takes the method and the Content-Type charset of resp.
func RequestFromHTTP(resp *http.Response) Request {
	method := http.MethodGet
	if resp.Request != nil && resp.Request.Method != "" {
		method = resp.Request.Method
	}
	var charset string
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		charset = params["charset"]
	}
	return NewRequest(method, charset)
}
