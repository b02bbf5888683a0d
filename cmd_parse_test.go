package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/heathj/htmlstream/parser"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTree = `#document
| <html>
|   <head>
|   <body>
|     <p>
|       "£"`

func defaultFlags() parseFlags {
	return parseFlags{
		logLevel:  "error",
		format:    "tree",
		chunkSize: 3,
		method:    "GET",
	}
}

func TestParseCommandReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.html")
	require.NoError(t, os.WriteFile(path, []byte("<p>\xA3"), 0o600))

	var out bytes.Buffer
	cmd := newParseCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--log-level=error", "--flush-timer.initial-delay=10ms", path})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, sampleTree, out.String())
}

func TestParseCommandStdin(t *testing.T) {
	var out bytes.Buffer
	cmd := newParseCmd()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("<p>\xC2\xA3"))
	cmd.SetArgs([]string{"--log-level=error", "--charset=utf-8", "--format=html", "-"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "<html><head></head><body><p>£</p></body></html>\n", out.String())
}

func TestParseCommandConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("max_buffers: 1\n"), 0o600))
	docPath := filepath.Join(dir, "doc.html")
	require.NoError(t, os.WriteFile(docPath, bytes.Repeat([]byte("a"), 5000), 0o600))

	cmd := newParseCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level=error", "--config", cfgPath, docPath})
	err := cmd.Execute()
	assert.ErrorIs(t, err, parser.ErrOutOfMemory)

	// an explicit flag beats the file
	cmd = newParseCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level=error", "--buffers.max=0", "--config", cfgPath, docPath})
	assert.NoError(t, cmd.Execute())
}

func TestLoadConfigFileKeepsSetFlags(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("max_buffers: 3\nreparse_excluded_encodings: [utf-16]\nscripting_enabled: false\n"), 0o600))

	cfg := parser.DefaultConfig()
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(f)
	require.NoError(t, f.Parse([]string{"--charset.reparse-excluded=big5", "--charset.reparse-excluded=gbk"}))

	require.NoError(t, loadConfigFile(f, cfgPath, &cfg))
	assert.Equal(t, 3, cfg.MaxBuffers)
	assert.False(t, cfg.ScriptingEnabled)
	assert.Equal(t, []string{"big5", "gbk"}, cfg.ReparseExcludedEncodings)

	assert.Error(t, loadConfigFile(f, filepath.Join(t.TempDir(), "missing.yaml"), &cfg))
}

func TestRunParseErrors(t *testing.T) {
	ctx := context.Background()
	cfg := parser.DefaultConfig()

	flags := defaultFlags()
	flags.format = "json"
	assert.ErrorContains(t, runParse(ctx, &bytes.Buffer{}, strings.NewReader(""), nil, flags, cfg), "unknown format")

	flags = defaultFlags()
	flags.logLevel = "loud"
	assert.Error(t, runParse(ctx, &bytes.Buffer{}, strings.NewReader(""), nil, flags, cfg))

	flags = defaultFlags()
	missing := filepath.Join(t.TempDir(), "missing.html")
	assert.Error(t, runParse(ctx, &bytes.Buffer{}, nil, []string{missing}, flags, cfg))
}

func TestRunParseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latin2":
			w.Header().Set("Content-Type", "text/html; charset=iso-8859-2")
			_, _ = w.Write([]byte("<p>\xA3"))
		case "/plain":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<p>\xC2\xA3"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	cfg := parser.DefaultConfig()

	var out bytes.Buffer
	require.NoError(t, runParse(ctx, &out, nil, []string{srv.URL + "/latin2"}, defaultFlags(), cfg))
	assert.Equal(t, strings.Replace(sampleTree, "£", "Ł", 1), out.String())

	// the charset flag fills in for a response that declares none
	out.Reset()
	flags := defaultFlags()
	flags.charset = "utf-8"
	require.NoError(t, runParse(ctx, &out, nil, []string{srv.URL + "/plain"}, flags, cfg))
	assert.Equal(t, sampleTree, out.String())

	err := runParse(ctx, &bytes.Buffer{}, nil, []string{srv.URL + "/missing"}, defaultFlags(), cfg)
	assert.ErrorContains(t, err, "404")
}
