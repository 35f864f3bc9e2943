package router

import (
	"strings"
	"unsafe"

	"github.com/searchktools/loom/core/http"
)

// RadixRouter is a path-segment tree with parameter support.
//
// Patterns are matched segment by segment: a static segment beats a :param,
// which beats a trailing *catchAll. The tree is built before the server starts
// and is read-only afterwards, so lookups need no locking.
type RadixRouter struct {
	root *node
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

const methodCount = int(http.MethodPatch) + 1

type node struct {
	segment   string
	nType     nodeType
	paramName string  // parameter name for :param or *param nodes
	children  []*node // statics first, then at most one param, then at most one catchAll
	handlers  [methodCount]http.HandlerFunc
}

// NewRadixRouter creates a new router
func NewRadixRouter() *RadixRouter {
	return &RadixRouter{root: &node{}}
}

// Add registers handler for method and pattern. It panics on a malformed
// pattern, an unknown method or a conflicting wildcard, since routes are
// fixed at startup.
func (r *RadixRouter) Add(method, pattern string, handler http.HandlerFunc) {
	if pattern == "" || pattern[0] != '/' {
		panic("path must begin with '/'")
	}
	m := http.ParseMethod([]byte(method))
	if m == http.MethodUnknown {
		panic("unsupported method " + method)
	}

	segments := strings.Split(pattern[1:], "/")
	n := r.root
	for i, seg := range segments {
		if seg != "" && seg[0] == '*' && i != len(segments)-1 {
			panic("catch-all routes are only allowed at the end of the path")
		}
		n = n.child(seg)
	}
	if n.handlers[m] != nil {
		panic("duplicate route " + method + " " + pattern)
	}
	n.handlers[m] = handler
}

// child returns the child for a pattern segment, creating it in order.
func (n *node) child(seg string) *node {
	nt, name := static, ""
	if seg != "" {
		switch seg[0] {
		case ':':
			nt, name = param, seg[1:]
		case '*':
			nt, name = catchAll, seg[1:]
		}
	}
	if nt != static && name == "" {
		panic("wildcards must be named")
	}

	for _, c := range n.children {
		if c.nType != nt {
			continue
		}
		if nt == static && c.segment == seg {
			return c
		}
		if nt != static {
			if c.paramName != name {
				panic("conflicting wildcard names :" + c.paramName + " and " + seg)
			}
			return c
		}
	}

	c := &node{segment: seg, nType: nt, paramName: name}
	// keep statics < param < catchAll so lookup tries them in priority order
	i := len(n.children)
	for i > 0 && n.children[i-1].nType > nt {
		i--
	}
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
	return c
}

type capture struct {
	name  string
	value []byte
}

type captures struct {
	list [8]capture
	n    int
}

func (c *captures) push(name string, value []byte) {
	if c.n < len(c.list) {
		c.list[c.n] = capture{name, value}
	}
	c.n++
}

func (c *captures) pop() { c.n-- }

// Find returns the handler for method and path, or nil. Captured parameters
// are stored on req and alias path.
func (r *RadixRouter) Find(method http.Method, path []byte, req *http.Request) http.HandlerFunc {
	if int(method) >= methodCount || method == http.MethodUnknown || len(path) == 0 || path[0] != '/' {
		return nil
	}

	var caps captures
	h := r.root.find(path[1:], method, &caps)
	if h == nil || req == nil {
		return h
	}
	for i := 0; i < caps.n && i < len(caps.list); i++ {
		req.SetParam(caps.list[i].name, bytesToString(caps.list[i].value))
	}
	return h
}

func (n *node) find(rest []byte, m http.Method, c *captures) http.HandlerFunc {
	seg, tail, more := cut(rest)

	for _, child := range n.children {
		switch child.nType {
		case static:
			if string(seg) != child.segment {
				continue
			}
		case param:
			if len(seg) == 0 {
				continue
			}
			c.push(child.paramName, seg)
		case catchAll:
			if h := child.handlers[m]; h != nil {
				c.push(child.paramName, rest)
				return h
			}
			continue
		}

		var h http.HandlerFunc
		if more {
			h = child.find(tail, m, c)
		} else {
			h = child.handlers[m]
		}
		if h != nil {
			return h
		}
		if child.nType == param {
			c.pop()
		}
	}
	return nil
}

// cut splits off the first segment of a path without its leading '/'.
func cut(rest []byte) (seg, tail []byte, more bool) {
	for i, b := range rest {
		if b == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, nil, false
}

func bytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
