package xssfilter

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// ErrMalformedJSON is returned when a body classified as JSON does not
// hold exactly one well-formed JSON value.
var ErrMalformedJSON = errors.New("xssfilter: malformed json")

type nodeKind uint8

const (
	kindObject nodeKind = iota
	kindArray
	kindString
	kindLiteral
)

type member struct {
	key   string
	value *node
}

// node is one value of an ordered JSON tree. Objects keep their members
// in document order, duplicates included. Literals (numbers, booleans,
// null) keep their source text.
type node struct {
	kind    nodeKind
	members []member
	elems   []*node
	str     string
	raw     string
}

func (n *node) container() bool { return n.kind == kindObject || n.kind == kindArray }

// JSONFilter escapes the string values of a JSON document.
type JSONFilter struct {
	// Escaper receives every string held directly under an object key.
	Escaper Escaper
	// Path is passed through in every FieldContext.
	Path string
	// ArrayElements also escapes bare strings inside arrays, naming them
	// after the nearest enclosing object key.
	ArrayElements bool
}

// Filter parses data, escapes its string leaves and returns the compact
// re-encoded document. Structure, key order, numbers and other scalars are
// unchanged. A scalar root value is returned re-encoded but unescaped.
func (f JSONFilter) Filter(data []byte) ([]byte, error) {
	root, err := parseTree(data)
	if err != nil {
		return nil, err
	}
	f.apply(root)
	return encodeTree(root)
}

func parseTree(data []byte) (*node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	type frame struct {
		n      *node
		key    string
		hasKey bool
	}
	var (
		stack []*frame
		root  *node
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Wrapf(ErrMalformedJSON, "offset %d: %v", dec.InputOffset(), err)
		}

		var n *node
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				n = &node{kind: kindObject}
			case '[':
				n = &node{kind: kindArray}
			default:
				stack = stack[:len(stack)-1]
				continue
			}
		case string:
			if len(stack) > 0 {
				if top := stack[len(stack)-1]; top.n.kind == kindObject && !top.hasKey {
					top.key, top.hasKey = t, true
					continue
				}
			}
			n = &node{kind: kindString, str: t}
		case json.Number:
			n = &node{kind: kindLiteral, raw: t.String()}
		case bool:
			if t {
				n = &node{kind: kindLiteral, raw: "true"}
			} else {
				n = &node{kind: kindLiteral, raw: "false"}
			}
		case nil:
			n = &node{kind: kindLiteral, raw: "null"}
		}

		if len(stack) == 0 {
			if root != nil {
				return nil, xerrors.Wrapf(ErrMalformedJSON, "offset %d: trailing data after top-level value", dec.InputOffset())
			}
			root = n
		} else {
			top := stack[len(stack)-1]
			if top.n.kind == kindObject {
				top.n.members = append(top.n.members, member{key: top.key, value: n})
				top.key, top.hasKey = "", false
			} else {
				top.n.elems = append(top.n.elems, n)
			}
		}
		if n.container() {
			stack = append(stack, &frame{n: n})
		}
	}
	if root == nil {
		return nil, xerrors.Wrap(ErrMalformedJSON, "empty document")
	}
	if len(stack) > 0 {
		return nil, xerrors.Wrap(ErrMalformedJSON, "unexpected end of document")
	}
	return root, nil
}

// apply walks the tree depth first with an explicit stack, so nesting depth
// is bounded by memory rather than goroutine stack. Leaves are escaped in
// document order.
func (f JSONFilter) apply(root *node) {
	esc := f.Escaper
	if esc == nil {
		esc = Identity
	}

	type visit struct {
		n    *node
		name string
		leaf bool
	}
	stack := []visit{{n: root}}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if v.leaf {
			v.n.str = esc.Escape(FieldContext{Path: f.Path, Name: v.name}, v.n.str)
			continue
		}
		switch v.n.kind {
		case kindObject:
			for i := len(v.n.members) - 1; i >= 0; i-- {
				m := v.n.members[i]
				switch {
				case m.value.kind == kindString:
					stack = append(stack, visit{n: m.value, name: m.key, leaf: true})
				case m.value.container():
					stack = append(stack, visit{n: m.value, name: m.key})
				}
			}
		case kindArray:
			for i := len(v.n.elems) - 1; i >= 0; i-- {
				e := v.n.elems[i]
				switch {
				case e.kind == kindString && f.ArrayElements:
					stack = append(stack, visit{n: e, name: v.name, leaf: true})
				case e.container():
					stack = append(stack, visit{n: e, name: v.name})
				}
			}
		}
	}
}

func encodeTree(root *node) ([]byte, error) {
	var buf bytes.Buffer
	strEnc := json.NewEncoder(&buf)
	strEnc.SetEscapeHTML(false)
	writeString := func(s string) error {
		if err := strEnc.Encode(s); err != nil {
			return err
		}
		// Encode terminates every value with a newline.
		buf.Truncate(buf.Len() - 1)
		return nil
	}

	type frame struct {
		n    *node
		next int
	}
	var stack []frame
	open := func(n *node) error {
		switch n.kind {
		case kindObject:
			buf.WriteByte('{')
			stack = append(stack, frame{n: n})
		case kindArray:
			buf.WriteByte('[')
			stack = append(stack, frame{n: n})
		case kindString:
			return writeString(n.str)
		default:
			buf.WriteString(n.raw)
		}
		return nil
	}

	if err := open(root); err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var child *node
		switch top.n.kind {
		case kindObject:
			if top.next == len(top.n.members) {
				buf.WriteByte('}')
				stack = stack[:len(stack)-1]
				continue
			}
			if top.next > 0 {
				buf.WriteByte(',')
			}
			m := top.n.members[top.next]
			if err := writeString(m.key); err != nil {
				return nil, err
			}
			buf.WriteByte(':')
			child = m.value
		default:
			if top.next == len(top.n.elems) {
				buf.WriteByte(']')
				stack = stack[:len(stack)-1]
				continue
			}
			if top.next > 0 {
				buf.WriteByte(',')
			}
			child = top.n.elems[top.next]
		}
		top.next++
		if err := open(child); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
