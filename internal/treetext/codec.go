package treetext

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const indentStep = 2

// ErrUnencodable is returned by Encode for keys or leaves whose text form
// would decode to something else.
var ErrUnencodable = errors.New("value cannot be encoded")

// DecodeError reports the offending line of a malformed document.
type DecodeError struct {
	Line int
	Text string
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Decode parses text into a tree. Blank lines are ignored.
func Decode(text string) (*Node, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	d := &decoder{lines: lines}
	root := NewNode()

	if _, err := d.parse(0, 0, root); err != nil {
		return nil, err
	}
	return root, nil
}

type decoder struct {
	lines []string
}

// parse consumes lines at level into node and returns the index of the
// first line that belongs to an enclosing scope.
func (d *decoder) parse(i, level int, node *Node) (int, error) {
	var folder *Node
	for i < len(d.lines) {
		line := strings.TrimRight(d.lines[i], " \t\r")
		if strings.TrimSpace(line) == "" {
			i++
			continue
		}

		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		switch {
		case indent < level:
			return i, nil
		case indent > level:
			if folder == nil {
				return i, &DecodeError{Line: i + 1, Text: d.lines[i], Msg: "indented line without a folder"}
			}
			next, err := d.parse(i, indent, folder)
			if err != nil {
				return next, err
			}
			i = next
			folder = nil
			continue
		}

		key, value, err := parseLine(line[indent:])
		if err != nil {
			return i, &DecodeError{Line: i + 1, Text: d.lines[i], Msg: err.Error()}
		}
		if value.IsFolder() {
			folder = node.Folder(key)
		} else {
			node.Set(key, value)
			folder = nil
		}
		i++
	}
	return i, nil
}

// parseLine splits one unindented line. A bare "key:" opens a folder.
func parseLine(line string) (string, Value, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 2 {
		return "", Value{}, errors.New("missing ':'")
	}
	key := parts[0]
	if key == "" {
		return "", Value{}, errors.New("empty key")
	}
	if len(parts) == 2 && parts[1] == "" {
		return key, Value{Folder: NewNode()}, nil
	}
	return key, Leaf(leafValues(parts[1:])...), nil
}

// leafValues groups the colon-separated fields after a key. An http(s) URL
// field absorbs every field after it, port included, and the one or two
// fields before it make the leading tuple values. Without a URL, four
// fields make a three-value leaf and three a two-value leaf, the last
// value taking the remaining colons. Anything else is a single value.
func leafValues(fields []string) []string {
	if u := urlField(fields); u >= 0 {
		if u > 2 {
			return []string{strings.Join(fields, ":")}
		}
		values := append([]string{}, fields[:u]...)
		return append(values, strings.Join(fields[u:], ":"))
	}
	switch len(fields) {
	case 3:
		return []string{fields[0], strings.Join(fields[1:], ":")}
	case 4:
		return []string{fields[0], fields[1], strings.Join(fields[2:], ":")}
	default:
		return []string{strings.Join(fields, ":")}
	}
}

// urlField returns the index of the first field that starts an http or
// https URL, or -1.
func urlField(fields []string) int {
	for i := 0; i+1 < len(fields); i++ {
		if (fields[i] == "http" || fields[i] == "https") && strings.HasPrefix(fields[i+1], "//") {
			return i
		}
	}
	return -1
}

// Encode renders n. It fails with ErrUnencodable when a key or leaf would
// not survive a decode unchanged.
func Encode(n *Node) (string, error) {
	var b strings.Builder
	if err := encode(&b, n, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encode(b *strings.Builder, n *Node, indent int) error {
	pad := strings.Repeat(" ", indent)
	for _, key := range n.keys {
		if err := CheckKey(key); err != nil {
			return err
		}
		v := n.entries[key]
		if v.IsFolder() {
			b.WriteString(pad + key + ":\n")
			if err := encode(b, v.Folder, indent+indentStep); err != nil {
				return err
			}
			continue
		}
		if err := CheckLeaf(v.Leaf); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		b.WriteString(pad + key + ":" + strings.Join(v.Leaf, ":") + "\n")
	}
	return nil
}

// CheckKey reports whether key can be encoded: non-empty, no colon, no
// line break and no surrounding whitespace.
func CheckKey(key string) error {
	if key == "" || strings.ContainsAny(key, ":\n\r") || strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key %q", ErrUnencodable, key)
	}
	return nil
}

// CheckLeaf reports whether values can be encoded as a leaf: one to three
// non-empty single-line values that decode back to the same grouping. A
// tuple must end in a URL or in a value with one colon; a URL may carry a
// port.
func CheckLeaf(values []string) error {
	if len(values) == 0 || len(values) > 3 {
		return fmt.Errorf("%w: leaf has %d values", ErrUnencodable, len(values))
	}
	for _, v := range values {
		if v == "" || strings.ContainsAny(v, "\n\r") || strings.TrimRight(v, " \t") != v {
			return fmt.Errorf("%w: leaf %q", ErrUnencodable, values)
		}
	}

	text := strings.Join(values, ":")
	if !slices.Equal(leafValues(strings.Split(text, ":")), values) {
		return fmt.Errorf("%w: leaf %q would decode differently", ErrUnencodable, values)
	}
	return nil
}
