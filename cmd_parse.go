package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/heathj/htmlstream/parser"
	"github.com/heathj/htmlstream/parser/dom"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type parseFlags struct {
	configFile string
	logLevel   string
	format     string
	chunkSize  int
	method     string
	charset    string
	metrics    bool
}

func newParseCmd() *cobra.Command {
	var (
		flags parseFlags
		cfg   = parser.DefaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "parse [file|url|-]",
		Short: "Parse an HTML document and print its tree",
		Long: `Parse an HTML document the way a browser receives it: in chunks,
sniffing the charset, and reloading when a meta charset disagrees with it.

The argument is a file, an http(s) URL, or "-" for stdin. Without an
argument the document is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configFile != "" {
				if err := loadConfigFile(cmd.Flags(), flags.configFile, &cfg); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid config")
			}
			return runParse(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), args, flags, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configFile, "config", "", "YAML file with parser settings. Flags given on the command line override it.")
	f.StringVar(&flags.logLevel, "log-level", "warn", "Log level: debug, info, warn or error.")
	f.StringVar(&flags.format, "format", "tree", "Output format: tree or html.")
	f.IntVar(&flags.chunkSize, "chunk-size", parser.DefaultChunkSize, "Bytes delivered to the parser per data callback.")
	f.StringVar(&flags.method, "method", "GET", "Request method the document is treated as loaded with.")
	f.StringVar(&flags.charset, "charset", "", "Channel charset, as a Content-Type header would declare it.")
	f.BoolVar(&flags.metrics, "metrics", false, "Print parser metrics to stderr after parsing.")
	cfg.RegisterFlags(f)

	return cmd
}

// loadConfigFile reads path into cfg, whose fields back the flags in f, then
// puts back the flags that were set explicitly.
func loadConfigFile(f *pflag.FlagSet, path string, cfg *parser.Config) error {
	type setFlag struct {
		flag  *pflag.Flag
		value string
		slice []string
	}
	var set []setFlag
	f.Visit(func(fl *pflag.Flag) {
		s := setFlag{flag: fl, value: fl.Value.String()}
		if sv, ok := fl.Value.(pflag.SliceValue); ok {
			s.slice = sv.GetSlice()
		}
		set = append(set, s)
	})

	loaded, err := parser.LoadConfig(path)
	if err != nil {
		return err
	}
	*cfg = loaded

	for _, s := range set {
		// a changed slice flag appends on Set
		if sv, ok := s.flag.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(s.slice); err != nil {
				return errors.Wrapf(err, "flag --%s", s.flag.Name)
			}
			continue
		}
		if err := s.flag.Value.Set(s.value); err != nil {
			return errors.Wrapf(err, "flag --%s", s.flag.Name)
		}
	}
	return nil
}

func runParse(ctx context.Context, out io.Writer, stdin io.Reader, args []string, flags parseFlags, cfg parser.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level, err := logrus.ParseLevel(flags.logLevel)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)

	if flags.format != "tree" && flags.format != "html" {
		return errors.Errorf("unknown format %q", flags.format)
	}

	src, req, err := openSource(ctx, stdin, args, flags)
	if err != nil {
		return err
	}
	defer src.Close()

	reg := prometheus.NewRegistry()
	p := parser.NewParser(
		parser.WithConfig(cfg),
		parser.WithLogger(log),
		parser.WithMetrics(parser.NewMetrics(reg)),
		parser.WithLoadHandler(func(load parser.SpeculativeLoad) {
			log.WithField("url", load.URL).Debug("speculative load")
		}),
	)
	p.Request = req
	p.ChunkSize = flags.chunkSize

	res, err := p.Parse(ctx, src)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"charset":  res.Charset,
		"source":   res.CharsetSource,
		"reparsed": res.Reparsed,
	}).Info("parsed document")

	switch flags.format {
	case "html":
		_, err = io.WriteString(out, dom.Serialize(res.Document.Node)+"\n")
	default:
		_, err = io.WriteString(out, res.Document.String())
	}
	if err != nil {
		return errors.Wrap(err, "write output")
	}

	if flags.metrics {
		return writeMetrics(os.Stderr, reg)
	}
	return nil
}

// openSource returns the document bytes and the request they arrive on. For
// URLs the response's method and Content-Type charset win over the flags.
func openSource(ctx context.Context, stdin io.Reader, args []string, flags parseFlags) (io.ReadCloser, parser.Request, error) {
	req := parser.NewRequest(flags.method, flags.charset)
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(stdin), req, nil
	}

	name := args[0]
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method(), name, nil)
		if err != nil {
			return nil, nil, errors.Wrap(err, "build request")
		}
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "fetch %s", name)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, nil, errors.Errorf("fetch %s: %s", name, resp.Status)
		}
		fromHTTP := parser.RequestFromHTTP(resp)
		if flags.charset != "" && fromHTTP.ContentCharset() == "" {
			fromHTTP = parser.NewRequest(fromHTTP.Method(), flags.charset)
		}
		return resp.Body, fromHTTP, nil
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open document")
	}
	return f, req, nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	fmt.Fprintln(w)
	return nil
}
