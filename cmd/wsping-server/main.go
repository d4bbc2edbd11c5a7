// wsping-server is a WebSocket endpoint that answers pings, to be used as a
// wsping target.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/wsping/internal/handler"
	"github.com/m-lab/wsping/internal/netx"
	"github.com/m-lab/wsping/pkg/ping1/spec"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("wss_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("ws_addr", ":8080", "Listen address/port for cleartext connections")
	flagDataDir           = flag.String("datadir", "", "Directory to store session archives in")
	flagSubprotocol       = flag.String("subprotocol", "", "Sec-WebSocket-Protocol clients must request")
	flagEcho              = flag.Bool("echo", false, "Echo data messages back to the client")
	flagMaxDuration       = flag.Duration("max_duration", spec.DefaultMaxSessionDuration,
		"Maximum duration of a session")
	flagDebug = flag.Bool("debug", false, "Enable debug logging")

	tokenVerifyKey = flagx.FileBytesArray{}
	tokenVerify    bool
	tokenMachine   string
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS configuration.
//
// This server should be used with a netx.Listener, so that sessions can be
// archived with their connection's byte counters.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		// Bounds the opening handshake. Sessions are bounded by max_duration.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
	}
}

// listen returns a netx.Listener bound to addr.
func listen(addr string) *netx.Listener {
	tcpl, err := net.Listen("tcp", addr)
	rtx.Must(err, "failed to create listener on %s", addr)
	return netx.NewListener(tcpl.(*net.TCPListener))
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging and metrics.
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if tokenVerify && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on the ping path.
	paths := controller.Paths{
		spec.PingPath: true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine, paths, paths)

	mux := http.NewServeMux()
	pingHandler := handler.New(*flagDataDir, handler.Options{
		Subprotocol: *flagSubprotocol,
		Echo:        *flagEcho,
		MaxDuration: *flagMaxDuration,
	})
	mux.Handle(spec.PingPath, http.HandlerFunc(pingHandler.HandlePing))

	cleartext := httpServer(*flagEndpointCleartext, acm.Then(mux))
	log.Info("About to listen for ws sessions", "endpoint", *flagEndpointCleartext,
		"path", spec.PingPath)
	l := listen(cleartext.Addr)
	go func() {
		err := cleartext.Serve(l)
		if err != http.ErrServerClosed {
			rtx.Must(err, "Could not start cleartext server")
		}
	}()
	defer cleartext.Close()

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		secure := httpServer(*flagEndpoint, acm.Then(mux))
		log.Info("About to listen for wss sessions", "endpoint", *flagEndpoint,
			"path", spec.PingPath)
		l := listen(secure.Addr)
		go func() {
			err := secure.ServeTLS(l, *flagCertFile, *flagKeyFile)
			if err != http.ErrServerClosed {
				rtx.Must(err, "Could not start TLS server")
			}
		}()
		defer secure.Close()
	}

	<-ctx.Done()
	log.Info("Shutting down")
}
