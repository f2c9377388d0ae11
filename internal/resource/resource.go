// Package resource implements the request layer and resource tree (spec
// §4.5): a path-indexed tree with auto-created intermediates, per-method
// handler dispatch, conditional (If-Match/If-None-Match) semantics and the
// synthesized well-known discovery resource.
package resource

import (
	"strings"
	"sync"

	"github.com/businka/go-coap-engine/message"
	"github.com/rs/xid"
)

// Method identifies a request method as a dispatch key (Design Note
// "Dynamic dispatch": a polymorphic handler table keyed by method code).
type Method = message.Code

// Request is what a handler sees: the inbound message plus its resolved path.
type Request struct {
	Msg  *message.Message
	Path string
}

// Result is what a handler returns: spec §4.5 lists three shapes — (i) a
// payload+content-format pair, (ii) a new resource (create semantics), or
// (iii) a boolean for DELETE. All three are fields here; the request layer
// interprets whichever are set for the method in play.
type Result struct {
	Code          message.Code
	Payload       []byte
	ContentFormat message.MediaType
	Created       *Resource // non-nil on a successful POST/PUT create
	Deleted       bool

	// Deferred, if non-nil, signals the handler wants separate-response
	// mode (Design Note "Coroutine control flow"): the engine sends an
	// empty Ack immediately and delivers *this* Result once it resolves.
	Deferred <-chan *Result
}

// HandlerFunc implements one method's business logic for a resource.
type HandlerFunc func(*Request) (*Result, error)

// AdvancedFunc receives the prepared response (as an in-progress Message)
// after HandlerFunc has run and may mutate it — set ETag, Max-Age,
// Location-Path, Accept — per spec §4.5.
type AdvancedFunc func(req *Request, result *Result, resp *message.Message)

// Resource is a node in the path-indexed tree (spec §3 Data Model, Resource).
type Resource struct {
	mu sync.RWMutex

	path          string
	visible       bool
	observable    bool
	allowChildren bool

	handlers map[message.Code]HandlerFunc
	advanced map[message.Code]AdvancedFunc

	contentTypes map[message.MediaType][]byte
	etags        map[message.MediaType]string

	changed bool
	deleted bool

	parent   *Resource
	children map[string]*Resource
}

func newResource(path string) *Resource {
	return &Resource{
		path:         path,
		visible:      true,
		handlers:     make(map[message.Code]HandlerFunc),
		advanced:     make(map[message.Code]AdvancedFunc),
		contentTypes: make(map[message.MediaType][]byte),
		etags:        make(map[message.MediaType]string),
		children:     make(map[string]*Resource),
	}
}

func (r *Resource) Path() string { return r.path }

func (r *Resource) SetVisible(v bool)       { r.mu.Lock(); r.visible = v; r.mu.Unlock() }
func (r *Resource) SetObservable(v bool)    { r.mu.Lock(); r.observable = v; r.mu.Unlock() }
func (r *Resource) SetAllowChildren(v bool) { r.mu.Lock(); r.allowChildren = v; r.mu.Unlock() }

func (r *Resource) Visible() bool    { r.mu.RLock(); defer r.mu.RUnlock(); return r.visible }
func (r *Resource) Observable() bool { r.mu.RLock(); defer r.mu.RUnlock(); return r.observable }

// Handle registers the handler for a method.
func (r *Resource) Handle(method message.Code, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// HandleAdvanced registers the post-processing hook for a method.
func (r *Resource) HandleAdvanced(method message.Code, h AdvancedFunc) {
	r.mu.Lock()
	r.advanced[method] = h
	r.mu.Unlock()
}

func (r *Resource) handlerFor(method message.Code) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

func (r *Resource) advancedFor(method message.Code) (AdvancedFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.advanced[method]
	return h, ok
}

// SetRepresentation stores the current payload for a content-format and
// stamps a fresh per-representation ETag (Open Question decision:
// per-representation, see SPEC_FULL.md), marking the resource changed so
// the observe layer will notify subscribers.
func (r *Resource) SetRepresentation(cf message.MediaType, payload []byte) {
	r.mu.Lock()
	r.contentTypes[cf] = append([]byte(nil), payload...)
	r.etags[cf] = xid.New().String()
	r.changed = true
	r.mu.Unlock()
}

// Representation returns the stored payload for a content-format, if any.
func (r *Resource) Representation(cf message.MediaType) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.contentTypes[cf]
	return b, ok
}

// ETag returns the current ETag for a content-format's representation.
func (r *Resource) ETag(cf message.MediaType) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.etags[cf]
	return e, ok
}

// ETags returns every current representation's ETag, for If-Match checks.
func (r *Resource) ETags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.etags))
	for _, e := range r.etags {
		out = append(out, e)
	}
	return out
}

// Exists reports whether the resource has at least one stored representation.
func (r *Resource) Exists() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contentTypes) > 0
}

// TakeChanged reports and clears the change flag (observe layer drains this
// after notifying subscribers).
func (r *Resource) TakeChanged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.changed
	r.changed = false
	return c
}

// MarkDeleted flags the resource as removed (subscribers should be dropped).
func (r *Resource) MarkDeleted() {
	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Tree is the path-indexed resource tree (spec §3 Data Model invariant:
// every path from root to a resource exists as an intermediate node).
type Tree struct {
	mu   sync.RWMutex
	root *Resource
}

func NewTree() *Tree {
	return &Tree{root: newResource("")}
}

// Insert creates (or returns, if it already exists) the resource at path,
// auto-creating every missing intermediate node.
func (t *Tree) Insert(path string) *Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.root
	var built strings.Builder
	for _, seg := range splitPath(path) {
		if built.Len() > 0 {
			built.WriteByte('/')
		}
		built.WriteString(seg)
		child, ok := node.children[seg]
		if !ok {
			child = newResource(built.String())
			child.parent = node
			node.children[seg] = child
		}
		node = child
	}
	return node
}

// Lookup finds the resource at path, if it exists.
func (t *Tree) Lookup(path string) (*Resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.root
	for _, seg := range splitPath(path) {
		child, ok := node.children[seg]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, node != t.root
}

// Remove unlinks the subtree rooted at path from its parent.
func (t *Tree) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.root
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node.children[seg]
		if !ok {
			return false
		}
		node = child
	}
	last := segs[len(segs)-1]
	if _, ok := node.children[last]; !ok {
		return false
	}
	node.children[last].MarkDeleted()
	delete(node.children, last)
	return true
}

// Visible returns every resource in the tree with Visible()==true, for the
// well-known discovery listing.
func (t *Tree) Visible() []*Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Resource
	var walk func(*Resource)
	walk = func(r *Resource) {
		if r != t.root && r.Visible() {
			out = append(out, r)
		}
		for _, c := range r.children {
			walk(c)
		}
	}
	walk(t.root)
	return out
}
