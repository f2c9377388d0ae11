// Command coap-server runs a small engine instance with a single /temp
// resource: GET returns the current reading (observable, CBOR; only a CBOR
// representation is stored, so any other Accept gets 4.06 Not Acceptable),
// PUT accepts a CBOR-encoded reading and notifies subscribers.
package main

import (
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	coap "github.com/businka/go-coap-engine"
	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/internal/metrics"
	"github.com/businka/go-coap-engine/internal/obslog"
	"github.com/businka/go-coap-engine/internal/resource"
	"github.com/businka/go-coap-engine/message"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type reading struct {
	CelsiusMilli int64  `cbor:"t"`
	At           string `cbor:"at"`
}

func main() {
	listen := flag.String("listen", "coap://0.0.0.0:5683", "endpoint URI to bind")
	metricsAddr := flag.String("metrics", ":9090", "Prometheus /metrics listen address")
	verbose := flag.Bool("v", false, "enable the wire-level trace logger")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		coap.Debug(true)
	}
	log := obslog.New(logger)

	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"instance": "coap-server"}
	collector := metrics.New(labels)
	reg.MustRegister(collector)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	srv := coap.NewServer(coap.WithLogger(log), coap.WithMetrics(collector))
	defer srv.Close()

	temp := srv.AddResource("temp")
	temp.SetObservable(true)
	temp.SetRepresentation(message.AppCBOR, mustEncode(reading{CelsiusMilli: 21000, At: time.Now().UTC().Format(time.RFC3339)}))

	var seen atomic.Uint64
	temp.Handle(message.GET, func(req *resource.Request) (*resource.Result, error) {
		accept := message.AppCBOR
		if v, ok := req.Msg.Options.First(message.Accept); ok {
			accept = v.(message.MediaType)
		}
		payload, ok := temp.Representation(accept)
		if !ok {
			return &resource.Result{Code: message.NotAcceptable}, nil
		}
		return &resource.Result{Code: message.Content, Payload: payload, ContentFormat: accept}, nil
	})

	temp.Handle(message.PUT, func(req *resource.Request) (*resource.Result, error) {
		var r reading
		if err := cbor.Unmarshal(req.Msg.Payload, &r); err != nil {
			return &resource.Result{Code: message.BadRequest}, nil
		}
		temp.SetRepresentation(message.AppCBOR, req.Msg.Payload)
		seen.Add(1)
		srv.NotifyChanged("temp")
		return &resource.Result{Code: message.Changed}, nil
	})

	// Request-Tag/Echo (RFC 9175) let a duplicate PUT be told apart from a
	// genuine retry of the same write. Every PUT response gets a fresh Echo,
	// and a Request-Tag carried by the request is echoed back, so a client
	// that cares can correlate without adding application state.
	temp.HandleAdvanced(message.PUT, func(req *resource.Request, _ *resource.Result, resp *message.Message) {
		if v, ok := req.Msg.Options.First(message.RequestTag); ok {
			resp.AddOption(message.RequestTag, v)
		}
		nonce := make([]byte, 8)
		_, _ = rand.Read(nonce)
		resp.SetOption(message.Echo, nonce)
	})

	if _, err := srv.AddEndpoint(*listen, endpoint.Options{}); err != nil {
		logger.WithError(err).Fatal("binding endpoint")
	}
	logger.WithField("listen", *listen).Info("coap-server up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func mustEncode(v interface{}) []byte {
	b, err := cbor.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
