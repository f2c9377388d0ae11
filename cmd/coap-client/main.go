// Command coap-client GETs /temp from a coap-server instance, subscribes to
// it via Observe, and prints every update until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	coap "github.com/businka/go-coap-engine"
	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/message"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

type reading struct {
	CelsiusMilli int64  `cbor:"t"`
	At           string `cbor:"at"`
}

func main() {
	dst := flag.String("dst", "127.0.0.1:5683", "server host:port")
	flag.Parse()

	log := logrus.New()
	srv := coap.NewServer()
	defer srv.Close()

	if _, err := srv.AddEndpoint("coap://0.0.0.0:0", endpoint.Options{}); err != nil {
		log.WithError(err).Fatal("binding client socket")
	}

	req := &message.Message{
		Code:    message.GET,
		Dst:     *dst,
		Scheme:  string(endpoint.SchemeCoAP),
		Options: message.Options{{ID: message.Accept, Value: message.AppCBOR}},
	}
	req.SetPath("temp")
	req.SetOption(message.Observe, uint32(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := srv.SendMessage(ctx, req, coap.WithTimeout(10*time.Second), coap.WithObserveCallback(func(m *message.Message) {
		printReading(log, m)
	}))
	if err != nil {
		log.WithError(err).Fatal("initial GET failed")
	}
	printReading(log, resp)

	log.WithField("token", hex.EncodeToString(req.Token)).Info("subscribed, waiting for updates")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func printReading(log *logrus.Logger, m *message.Message) {
	var r reading
	if err := cbor.Unmarshal(m.Payload, &r); err != nil {
		log.WithError(err).Warn("decoding reading")
		return
	}
	log.WithField("celsius_milli", r.CelsiusMilli).WithField("at", r.At).Info("reading")
}
