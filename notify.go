package coap

import (
	"strings"

	"github.com/businka/go-coap-engine/internal/transaction"
	"github.com/businka/go-coap-engine/message"
)

// NotifyChanged pushes a fresh notification to every current subscriber of
// path, if the resource has a pending representation change (spec §4.4).
// Resource handlers call SetRepresentation to stage the change and this to
// flush it — the tree itself never notifies on its own.
func (s *Server) NotifyChanged(path string) {
	path = strings.Trim(path, "/")
	res, ok := s.tree.Lookup(path)
	if !ok || !res.TakeChanged() {
		return
	}
	subs := s.observe.Subscribers(path)
	if len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		cf := message.TextPlain
		if sub.Accept != nil {
			cf = *sub.Accept
		}
		payload, ok := res.Representation(cf)
		if !ok {
			continue
		}
		notif := &message.Message{Code: message.Content, Token: sub.Token, Payload: payload}
		notif.SetOption(message.ContentFormat, cf)
		notif.SetOption(message.Observe, s.observe.NextSeqFor(sub))
		s.sendNotification(path, sub.Peer, notif)
		if s.metrics != nil {
			s.metrics.IncNotification()
		}
	}
}

func (s *Server) sendNotification(path, peerKey string, notif *message.Message) {
	r, ok := s.route(peerKey)
	if !ok {
		s.observe.Unsubscribe(path, peerKey, notif.Token)
		s.refreshSubscriptionGauge()
		return
	}
	notif.Type = message.Confirmable
	notif.MessageID = s.tx.NextMID()
	enc, err := encodeFor(r, notif)
	if err != nil {
		return
	}

	t := s.tx.NewOutgoing(peerKey, notif)
	t.Notification = true
	if err := r.write(enc); err != nil {
		s.observe.Unsubscribe(path, peerKey, notif.Token)
		s.refreshSubscriptionGauge()
		return
	}
	if !r.stream {
		s.tx.ScheduleRetransmit(t, enc, r.write, func(*transaction.Transaction) {
			s.observe.Unsubscribe(path, peerKey, notif.Token)
			s.refreshSubscriptionGauge()
		})
	}
}

// deliverObserveUpdate hands a notification arriving for an established
// client-side subscription to the callback registered via
// WithObserveCallback (spec §4.7).
func (s *Server) deliverObserveUpdate(peerKey string, msg *message.Message) {
	s.mu.RLock()
	cb, ok := s.observeCallbacks[peerKey+"\x00"+string(msg.Token)]
	s.mu.RUnlock()
	if ok {
		cb(msg)
	}
}
