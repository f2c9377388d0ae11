package resource

import (
	"fmt"
	"sort"
	"strings"

	"github.com/businka/go-coap-engine/internal/coaperr"
	"github.com/businka/go-coap-engine/message"
)

// WellKnownPath is the only implicit resource (spec §4.5).
const WellKnownPath = ".well-known/core"

// Dispatch resolves req against the tree, applies conditional semantics
// (If-Match/If-None-Match), calls the matched handler and returns the
// prepared Result. Protocol-level failures are coaperr.Error values whose
// Kind maps directly to a response code (spec §7 propagation policy).
func (t *Tree) Dispatch(req *Request) (*Result, error) {
	path := strings.Trim(req.Path, "/")
	if path == WellKnownPath {
		return t.wellKnown(req), nil
	}

	res, ok := t.Lookup(path)
	created := false
	if !ok {
		if req.Msg.Code == message.GET || req.Msg.Code == message.DELETE {
			return nil, coaperr.New(coaperr.NotFound, nil)
		}
		// POST/PUT/FETCH/PATCH may target a not-yet-existing path to create it;
		// the nearest existing ancestor's handler for the method serves it.
		res = t.Insert(path)
		created = true
	}

	if _, present := req.Msg.Options.First(message.ProxyURI); present {
		return &Result{Code: message.ProxyingNotSupported}, nil
	}

	if err := checkConditionals(res, req.Msg); err != nil {
		return nil, err
	}

	handler, ok := res.handlerFor(req.Msg.Code)
	for p := res.parent; !ok && created && p != nil; p = p.parent {
		handler, ok = p.handlerFor(req.Msg.Code)
	}
	if !ok {
		return nil, coaperr.New(coaperr.MethodNotAllowed, nil)
	}

	result, err := handler(req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}

	if result.Created != nil {
		result.Code = message.Created
	} else if result.Deleted {
		result.Code = message.Deleted
	} else if result.Code == 0 {
		switch req.Msg.Code {
		case message.POST:
			result.Code = message.Changed
		case message.PUT:
			result.Code = message.Changed
		case message.DELETE:
			result.Code = message.Deleted
		default:
			result.Code = message.Content
		}
	}
	return result, nil
}

// Advanced returns the registered advanced (post-processing) handler for a
// resource/method pair, if any, for the engine to invoke after building the
// outgoing response message.
func (t *Tree) Advanced(path string, method message.Code) (AdvancedFunc, bool) {
	res, ok := t.Lookup(strings.Trim(path, "/"))
	if !ok {
		return nil, false
	}
	return res.advancedFor(method)
}

// checkConditionals implements spec §4.5: If-Match compares against
// current ETags; If-None-Match fails a write if the resource exists. Both
// yield PreconditionFailed.
func checkConditionals(res *Resource, msg *message.Message) error {
	if vals := msg.Options.Get(message.IfMatch); len(vals) > 0 {
		current := res.ETags()
		matched := false
		for _, v := range vals {
			b, _ := v.([]byte)
			if len(b) == 0 {
				// Empty If-Match matches "resource exists", regardless of ETag.
				matched = matched || res.Exists()
				continue
			}
			for _, et := range current {
				if string(b) == et {
					matched = true
				}
			}
		}
		if !matched {
			return coaperr.New(coaperr.PreconditionFailed, fmt.Errorf("if-match failed"))
		}
	}
	if _, present := msg.Options.First(message.IfNoneMatch); present {
		if res.Exists() {
			return coaperr.New(coaperr.PreconditionFailed, fmt.Errorf("if-none-match: resource exists"))
		}
	}
	return nil
}

// wellKnown synthesizes a CoRE Link-Format listing of visible resources
// (spec §4.5; RFC 6690).
func (t *Tree) wellKnown(req *Request) *Result {
	resources := t.Visible()
	sort.Slice(resources, func(i, j int) bool { return resources[i].Path() < resources[j].Path() })
	var b strings.Builder
	for i, r := range resources {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "</%s>", r.Path())
		if r.Observable() {
			b.WriteString(";obs")
		}
	}
	return &Result{
		Code:          message.Content,
		Payload:       []byte(b.String()),
		ContentFormat: message.AppLinkFormat,
	}
}
