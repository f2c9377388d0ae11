package resource

import (
	"strings"
	"testing"

	"github.com/businka/go-coap-engine/internal/coaperr"
	"github.com/businka/go-coap-engine/message"
)

func TestInsertCreatesIntermediateNodes(t *testing.T) {
	tree := NewTree()
	tree.Insert("a/b/c")

	if _, ok := tree.Lookup("a"); !ok {
		t.Fatal("intermediate node a should exist")
	}
	if _, ok := tree.Lookup("a/b"); !ok {
		t.Fatal("intermediate node a/b should exist")
	}
	if _, ok := tree.Lookup("a/b/c"); !ok {
		t.Fatal("leaf node a/b/c should exist")
	}
}

func TestRemoveUnlinksSubtree(t *testing.T) {
	tree := NewTree()
	tree.Insert("a/b")
	if !tree.Remove("a") {
		t.Fatal("Remove should report success")
	}
	if _, ok := tree.Lookup("a/b"); ok {
		t.Fatal("a/b should be gone after removing its parent")
	}
	if tree.Remove("nonexistent") {
		t.Fatal("Remove of a missing path should report failure")
	}
}

func TestDispatchNotFoundOnMissingGet(t *testing.T) {
	tree := NewTree()
	req := &Request{Msg: &message.Message{Code: message.GET}, Path: "missing"}
	_, err := tree.Dispatch(req)
	if !coaperr.Is(err, coaperr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestDispatchAutoCreatesOnPost(t *testing.T) {
	tree := NewTree()
	res := tree.Insert("things")
	res.Handle(message.POST, func(req *Request) (*Result, error) {
		return &Result{Code: message.Created}, nil
	})

	req := &Request{Msg: &message.Message{Code: message.POST}, Path: "things/new-one"}
	result, err := tree.Dispatch(req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Code != message.Created {
		t.Fatalf("want 2.01 Created, got %v", result.Code)
	}
	if _, ok := tree.Lookup("things/new-one"); !ok {
		t.Fatal("POST to a missing path should auto-create the resource")
	}
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	tree := NewTree()
	tree.Insert("things")
	req := &Request{Msg: &message.Message{Code: message.DELETE}, Path: "things"}
	_, err := tree.Dispatch(req)
	if !coaperr.Is(err, coaperr.MethodNotAllowed) {
		t.Fatalf("want MethodNotAllowed, got %v", err)
	}
}

func TestDispatchDefaultsResponseCodeByMethod(t *testing.T) {
	tree := NewTree()
	res := tree.Insert("things")
	res.Handle(message.PUT, func(req *Request) (*Result, error) { return &Result{}, nil })
	res.Handle(message.GET, func(req *Request) (*Result, error) { return &Result{}, nil })

	put, err := tree.Dispatch(&Request{Msg: &message.Message{Code: message.PUT}, Path: "things"})
	if err != nil || put.Code != message.Changed {
		t.Fatalf("PUT default code: got %v, err=%v", put, err)
	}
	get, err := tree.Dispatch(&Request{Msg: &message.Message{Code: message.GET}, Path: "things"})
	if err != nil || get.Code != message.Content {
		t.Fatalf("GET default code: got %v, err=%v", get, err)
	}
}

func TestConditionalIfNoneMatchRejectsExisting(t *testing.T) {
	tree := NewTree()
	res := tree.Insert("things")
	res.SetRepresentation(message.TextPlain, []byte("v1"))
	res.Handle(message.PUT, func(req *Request) (*Result, error) { return &Result{}, nil })

	msg := &message.Message{Code: message.PUT}
	msg.AddOption(message.IfNoneMatch, nil)
	_, err := tree.Dispatch(&Request{Msg: msg, Path: "things"})
	if !coaperr.Is(err, coaperr.PreconditionFailed) {
		t.Fatalf("want PreconditionFailed, got %v", err)
	}
}

func TestConditionalIfMatchAcceptsCurrentETag(t *testing.T) {
	tree := NewTree()
	res := tree.Insert("things")
	res.SetRepresentation(message.TextPlain, []byte("v1"))
	res.Handle(message.PUT, func(req *Request) (*Result, error) { return &Result{}, nil })

	etag, _ := res.ETag(message.TextPlain)
	msg := &message.Message{Code: message.PUT}
	msg.AddOption(message.IfMatch, []byte(etag))
	if _, err := tree.Dispatch(&Request{Msg: msg, Path: "things"}); err != nil {
		t.Fatalf("want If-Match to pass with the current ETag, got %v", err)
	}
}

func TestConditionalIfMatchRejectsStaleETag(t *testing.T) {
	tree := NewTree()
	res := tree.Insert("things")
	res.SetRepresentation(message.TextPlain, []byte("v1"))
	res.Handle(message.PUT, func(req *Request) (*Result, error) { return &Result{}, nil })

	msg := &message.Message{Code: message.PUT}
	msg.AddOption(message.IfMatch, []byte("stale-etag"))
	_, err := tree.Dispatch(&Request{Msg: msg, Path: "things"})
	if !coaperr.Is(err, coaperr.PreconditionFailed) {
		t.Fatalf("want PreconditionFailed, got %v", err)
	}
}

func TestWellKnownListsVisibleResourcesOnly(t *testing.T) {
	tree := NewTree()
	visible := tree.Insert("visible")
	hidden := tree.Insert("hidden")
	hidden.SetVisible(false)
	visible.SetObservable(true)

	result := tree.wellKnown(&Request{Msg: &message.Message{Code: message.GET}, Path: WellKnownPath})
	body := string(result.Payload)
	if !strings.Contains(body, "</visible>;obs") {
		t.Fatalf("want visible;obs resource listed, got %q", body)
	}
	if strings.Contains(body, "hidden") {
		t.Fatalf("want hidden resource omitted, got %q", body)
	}
}
