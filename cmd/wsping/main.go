// wsping measures WebSocket ping/pong latency against a ws:// or wss:// URL,
// printing ping-like output.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/wsping/internal/config"
	"github.com/m-lab/wsping/internal/tlsx"
	"github.com/m-lab/wsping/pkg/client"
	"github.com/m-lab/wsping/pkg/ping1/spec"
	"github.com/m-lab/wsping/pkg/version"
)

const clientName = "wsping-cli"

// aliases maps short flag names to their long form.
var aliases = map[string]string{
	"c": "count",
	"i": "interval",
	"W": "timeout",
}

// headerFlag collects repeated -H values. Values are kept whole: header
// values may contain commas.
type headerFlag []string

func (h *headerFlag) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlag) Set(s string) error {
	*h = append(*h, s)
	return nil
}

// options holds the command line configuration.
type options struct {
	count            int
	interval         int
	timeout          time.Duration
	handshakeTimeout time.Duration
	subprotocol      string
	headers          headerFlag
	noPayload        bool
	insecure         bool
	cacert           string
	configFile       string
	datadir          string
	metrics          bool
	debug            bool
}

func registerFlags(fs *flag.FlagSet, o *options) {
	fs.IntVar(&o.count, "count", spec.DefaultCount, "Number of pings to send")
	fs.IntVar(&o.count, "c", spec.DefaultCount, "Short for -count")
	fs.IntVar(&o.interval, "interval", int(spec.DefaultInterval/time.Second),
		"Seconds to wait between pings")
	fs.IntVar(&o.interval, "i", int(spec.DefaultInterval/time.Second), "Short for -interval")
	fs.DurationVar(&o.timeout, "timeout", spec.DefaultTimeout,
		"Per-ping timeout (0 waits until the session ends)")
	fs.DurationVar(&o.timeout, "W", spec.DefaultTimeout, "Short for -timeout")
	fs.DurationVar(&o.handshakeTimeout, "handshake-timeout", spec.DefaultHandshakeTimeout,
		"WebSocket handshake timeout")
	fs.StringVar(&o.subprotocol, "subprotocol", "", "Sec-WebSocket-Protocol to request")
	fs.Var(&o.headers, "H", "Extra handshake header as 'Key: Value' (repeatable)")
	fs.BoolVar(&o.noPayload, "no-payload", false,
		"Send empty pings and match the first pong received")
	fs.BoolVar(&o.insecure, "insecure", false, "Skip TLS certificate verification")
	fs.StringVar(&o.cacert, "cacert", "", "PEM file with the CA certificates to trust")
	fs.StringVar(&o.configFile, "config", "", "YAML file with default settings")
	fs.StringVar(&o.datadir, "datadir", "", "Directory to write the run's archive to")
	fs.BoolVar(&o.metrics, "metrics", false, "Serve Prometheus metrics during the run")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
}

// visited returns the long names of the flags set on the command line.
func visited(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if long, ok := aliases[name]; ok {
			name = long
		}
		set[name] = true
	})
	return set
}

// applyConfig fills the options not set on the command line with the values
// from the configuration file.
func applyConfig(o *options, set map[string]bool, cfg config.File) {
	if cfg.Count != nil && !set["count"] {
		o.count = *cfg.Count
	}
	if cfg.Interval != nil && !set["interval"] {
		o.interval = *cfg.Interval
	}
	if cfg.Timeout != nil && !set["timeout"] {
		o.timeout = *cfg.Timeout
	}
	if cfg.HandshakeTimeout != nil && !set["handshake-timeout"] {
		o.handshakeTimeout = *cfg.HandshakeTimeout
	}
	if cfg.Subprotocol != nil && !set["subprotocol"] {
		o.subprotocol = *cfg.Subprotocol
	}
	if cfg.NoPayload != nil && !set["no-payload"] {
		o.noPayload = *cfg.NoPayload
	}
	if cfg.Insecure != nil && !set["insecure"] {
		o.insecure = *cfg.Insecure
	}
	if cfg.CACert != nil && !set["cacert"] {
		o.cacert = *cfg.CACert
	}
	if cfg.DataDir != nil && !set["datadir"] {
		o.datadir = *cfg.DataDir
	}
}

func (o *options) validate() error {
	switch {
	case o.count < 1:
		return errors.New("count must be positive")
	case o.interval < 0:
		return errors.New("interval must not be negative")
	case o.timeout < 0:
		return errors.New("timeout must not be negative")
	case o.handshakeTimeout < 0:
		return errors.New("handshake timeout must not be negative")
	}
	return nil
}

// parseTarget parses a ws:// or wss:// URL.
func parseTarget(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", client.ErrInvalidScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q", s)
	}
	return u, nil
}

// parseHeaders builds the handshake headers from the configuration file's
// headers and the "Key: Value" strings given with -H, which take precedence.
func parseHeaders(fromConfig map[string]string, values []string) (http.Header, error) {
	h := http.Header{}
	for k, v := range fromConfig {
		h.Set(k, v)
	}
	overridden := map[string]bool{}
	for _, kv := range values {
		k, v, ok := strings.Cut(kv, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Key: Value'", kv)
		}
		if !overridden[http.CanonicalHeaderKey(k)] {
			h.Del(k)
			overridden[http.CanonicalHeaderKey(k)] = true
		}
		h.Add(k, strings.TrimSpace(v))
	}
	return h, nil
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] ws[s]://host[:port]/path\n", os.Args[0])
		fs.PrintDefaults()
	}
}

// run executes a wsping run with the given options and returns the exit
// code.
func run(ctx context.Context, o options, set map[string]bool, args []string, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "exactly one target URL is required")
		return 1
	}
	target, err := parseTarget(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid target: %v\n", err)
		return 1
	}

	var cfg config.File
	if o.configFile != "" {
		cfg, err = config.Load(ctx, o.configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		applyConfig(&o, set, cfg)
	}
	if err := o.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}
	headers, err := parseHeaders(cfg.Headers, o.headers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	tlsConfig, err := tlsx.Init(tlsx.Options{
		InsecureSkipVerify: o.insecure,
		CAFile:             o.cacert,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "TLS setup failed: %v\n", err)
		return 1
	}

	if o.metrics {
		promSrv := prometheusx.MustServeMetrics()
		defer promSrv.Close()
	}

	cl := client.New(clientName, version.Version, client.Config{
		Count:            o.count,
		Interval:         time.Duration(o.interval) * time.Second,
		Timeout:          o.timeout,
		HandshakeTimeout: o.handshakeTimeout,
		Subprotocol:      o.subprotocol,
		Headers:          headers,
		NoPayload:        o.noPayload,
		TLSConfig:        tlsConfig,
		DataDir:          o.datadir,
		Emitter:          client.HumanReadable{Debug: o.debug, Out: out},
	})
	result, err := cl.Run(ctx, target)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if result.Err != nil {
		return 1
	}
	return 0
}

func main() {
	var o options
	registerFlags(flag.CommandLine, &o)
	flag.Usage = usage(flag.CommandLine)
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	log.SetReportTimestamp(true)
	if o.debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, o, visited(flag.CommandLine), flag.Args(), os.Stdout)
	stop()
	os.Exit(code)
}
