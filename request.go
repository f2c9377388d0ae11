package coap

import (
	"encoding/hex"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/businka/go-coap-engine/internal/coaperr"
	"github.com/businka/go-coap-engine/internal/endpoint"
	"github.com/businka/go-coap-engine/internal/resource"
	"github.com/businka/go-coap-engine/message"
)

// handleRequest implements spec §4.2 Reception + §4.5 dispatch for a
// request arriving over a UDP/DTLS endpoint.
func (s *Server) handleRequest(e *endpoint.Endpoint, peer net.Addr, msg *message.Message) {
	peerKey := peer.String()
	s.registerRoute(peerKey, peerRoute{write: func(b []byte) error { return e.WriteTo(peer, b) }})

	if !s.cfg.KnownMethods[msg.Code] {
		s.sendReset(e, peer, msg.MessageID, message.BadRequest)
		return
	}

	t, dup := s.tx.MatchIncomingRequest(peerKey, msg)
	if dup {
		t.Lock()
		resp, completed := t.Response, t.Completed
		t.Unlock()
		if completed && resp != nil {
			if enc, err := resp.Encode(); err == nil {
				_ = e.WriteTo(peer, enc)
			}
		}
		return
	}

	resp := s.buildResponse(peerKey, msg)
	if resp == nil {
		// Separate-response mode (Design Note "Coroutine control flow"): the
		// real response follows later via deliverDeferred/sendConfirmable.
		if msg.Type == message.Confirmable {
			ack := &message.Message{Type: message.Acknowledgement, Code: message.Empty, MessageID: msg.MessageID}
			if enc, err := ack.Encode(); err == nil {
				_ = e.WriteTo(peer, enc)
			}
		}
		return
	}

	if suppressResponse(msg, resp.Code) {
		t.Lock()
		t.Completed = true
		t.Unlock()
		return
	}

	switch msg.Type {
	case message.Confirmable:
		resp.Type = message.Acknowledgement
		resp.MessageID = msg.MessageID
	default:
		resp.Type = message.NonConfirmable
		resp.MessageID = s.tx.NextMID()
	}

	enc, err := resp.Encode()
	if err != nil {
		s.log.Errorf("encoding response to %s: %v", peer, err)
		return
	}

	t.Lock()
	t.Response = resp
	t.Completed = true
	t.Unlock()

	if e.Multicast || msg.Multicast {
		// Multicast response pacing (spec §9 Design Notes): a uniform
		// random delay in [0, LEISURE] avoids every listener answering at once.
		delay := time.Duration(rand.Float64() * float64(s.cfg.DefaultLeisure))
		time.AfterFunc(delay, func() { _ = e.WriteTo(peer, enc) })
		return
	}

	if err := e.WriteTo(peer, enc); err != nil {
		s.log.Warnf("writing response to %s: %v", peer, err)
	}
}

// handleResponse implements spec §4.2 response arrival matching, for both a
// direct SendMessage caller and a standing observe subscription.
func (s *Server) handleResponse(e *endpoint.Endpoint, peer net.Addr, msg *message.Message) {
	peerKey := peer.String()

	if msg.Type == message.Confirmable {
		ack := &message.Message{Type: message.Acknowledgement, Code: message.Empty, MessageID: msg.MessageID}
		if enc, err := ack.Encode(); err == nil {
			_ = e.WriteTo(peer, enc)
		}
	}

	// Only responses after the first one to an observing request are
	// notifications; the first is the SendMessage caller's own result.
	wasCompleted := false
	if prior, ok := s.tx.MatchResponse(peerKey, msg); ok {
		prior.Lock()
		wasCompleted = prior.Completed
		prior.Unlock()
	}
	t, ok := s.tx.CompleteResponse(peerKey, msg)
	if !ok {
		s.log.Warnf("response from %s matches no outstanding request (mid=%d)", peer, msg.MessageID)
		return
	}
	if t.Notification && wasCompleted {
		s.deliverObserveUpdate(peerKey, msg)
	}
}

// suppressResponse implements the No-Response option (RFC 7967): the
// requester asked this response class be dropped rather than sent.
func suppressResponse(req *message.Message, code message.Code) bool {
	v, ok := req.Options.First(message.NoResponse)
	if !ok {
		return false
	}
	mask, _ := v.(uint32)
	switch code.Class() {
	case 2:
		return mask&2 != 0
	case 4:
		return mask&8 != 0
	case 5:
		return mask&16 != 0
	}
	return false
}

// buildResponse resolves a request against the resource tree, handling
// Block1 reassembly and Block2 continuation first (spec §4.3). Returns nil
// if the handler asked for separate-response mode; the caller then sends an
// empty Ack and deliverDeferred takes over.
func (s *Server) buildResponse(peerKey string, msg *message.Message) *message.Message {
	tokenHex := hex.EncodeToString(msg.Token)

	if v, ok := msg.Options.First(message.Block2); ok {
		bv := message.DecodeBlockValue(v.(uint32))
		total, hasTotal := s.blocks.OutboundTotal(peerKey, tokenHex)
		if chunk, rb, ok := s.blocks.ContinueOutbound(peerKey, tokenHex, bv.Num, bv.SZX); ok {
			resp := &message.Message{Code: message.Content, Token: msg.Token, Payload: chunk}
			resp.SetOption(message.Block2, rb.Encode())
			if hasTotal {
				resp.SetOption(message.Size2, uint32(total))
			}
			return resp
		}
	}

	payload := msg.Payload
	if v, ok := msg.Options.First(message.Block1); ok {
		bv := message.DecodeBlockValue(v.(uint32))
		var sizeHint *uint32
		if sv, ok := msg.Options.First(message.Size1); ok {
			u := sv.(uint32)
			sizeHint = &u
		}
		complete, done, err := s.blocks.AcceptInbound(peerKey, tokenHex, bv, msg.Payload, sizeHint)
		if s.metrics != nil {
			s.metrics.SetBlockReassemblyBuffers(s.blocks.InboundCount())
		}
		if err != nil {
			return s.errorResponse(msg, err)
		}
		if !done {
			resp := &message.Message{Code: message.Continue, Token: msg.Token}
			resp.SetOption(message.Block1, message.BlockValue{Num: bv.Num, More: true, SZX: bv.SZX}.Encode())
			return resp
		}
		payload = complete
	}

	reqMsg := msg.Clone()
	reqMsg.Payload = payload
	req := &resource.Request{Msg: reqMsg, Path: reqMsg.Path()}

	result, err := s.tree.Dispatch(req)
	if err != nil {
		return s.errorResponse(msg, err)
	}

	if result.Deferred != nil {
		go s.deliverDeferred(peerKey, msg, result.Deferred)
		return nil
	}

	return s.finishResponse(peerKey, msg, result)
}

// finishResponse applies observe subscription bookkeeping, Block2 splitting
// and the resource's advanced (post-processing) hook to a handler's result.
func (s *Server) finishResponse(peerKey string, msg *message.Message, result *resource.Result) *message.Message {
	resp := &message.Message{Code: result.Code, Token: msg.Token, Payload: result.Payload}
	if result.ContentFormat != 0 || len(result.Payload) > 0 {
		resp.SetOption(message.ContentFormat, result.ContentFormat)
	}

	path := strings.Trim(msg.Path(), "/")
	if msg.Code == message.GET {
		if v, ok := msg.Options.First(message.Observe); ok {
			if u, _ := v.(uint32); u == 0 {
				if res, ok := s.tree.Lookup(path); ok && res.Observable() {
					var accept *message.MediaType
					if a, ok := msg.Options.First(message.Accept); ok {
						mt := a.(message.MediaType)
						accept = &mt
					}
					sub := s.observe.Subscribe(path, peerKey, msg.Token, accept)
					s.refreshSubscriptionGauge()
					resp.SetOption(message.Observe, s.observe.NextSeqFor(sub))
				}
			} else {
				s.observe.Unsubscribe(path, peerKey, msg.Token)
				s.refreshSubscriptionGauge()
			}
		}
	}

	if len(resp.Payload) > s.blockSize() {
		szx := s.cfg.PreferredBlockSZX
		if v, ok := msg.Options.First(message.Block2); ok {
			bv := message.DecodeBlockValue(v.(uint32))
			if bv.SZX < szx {
				szx = bv.SZX
			}
		}
		tokenHex := hex.EncodeToString(msg.Token)
		first, bv := s.blocks.StartOutbound(peerKey, tokenHex, resp.Payload, szx)
		resp.Payload = first
		resp.SetOption(message.Block2, bv.Encode())
		if total, ok := s.blocks.OutboundTotal(peerKey, tokenHex); ok {
			resp.SetOption(message.Size2, uint32(total))
		}
	}

	if adv, ok := s.tree.Advanced(path, msg.Code); ok {
		adv(&resource.Request{Msg: msg, Path: path}, result, resp)
	}
	return resp
}

func (s *Server) blockSize() int {
	return 1 << (uint(s.cfg.PreferredBlockSZX) + 4)
}

// errorResponse maps a coaperr.Error's Kind to its response code (spec §7
// propagation policy: protocol errors become responses, never reach the
// handler's caller).
func (s *Server) errorResponse(msg *message.Message, err error) *message.Message {
	var ce *coaperr.Error
	code := message.InternalServerError
	if errors.As(err, &ce) {
		code = ce.Kind.Code()
	}
	return &message.Message{Code: code, Token: msg.Token}
}

// deliverDeferred sends the real response once a separate-response handler's
// Result channel resolves (Design Note "Coroutine control flow").
func (s *Server) deliverDeferred(peerKey string, req *message.Message, ch <-chan *resource.Result) {
	result, ok := <-ch
	if !ok || result == nil {
		return
	}
	resp := s.finishResponse(peerKey, req, result)
	s.sendConfirmable(peerKey, resp)
}
