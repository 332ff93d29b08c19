package toon

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unmarshal parses text written by Marshal with the same options.
//
// Objects decode to map[string]any, or to Object when ObjectAsArray is set.
// Integers decode to int64 (uint64 above the int64 range) and floats to
// float64.
func Unmarshal(text string, opts Options) (any, error) {
	lines, err := splitLines(text, opts)
	if err != nil {
		return nil, err
	}
	d := &decoder{opts: opts, lines: lines}

	tree, err := d.root()
	if err != nil {
		return nil, err
	}
	if opts.ObjectAsArray {
		return tree, nil
	}
	return Maps(tree), nil
}

type line struct {
	num   int
	depth int
	text  string
}

func splitLines(text string, opts Options) ([]line, error) {
	unit := opts.indentUnit()
	char := unit[0]

	var out []line
	for i, raw := range strings.Split(text, "\n") {
		raw = strings.TrimRight(raw, " \t\r")
		if raw == "" {
			continue
		}
		n := 0
		for n < len(raw) && raw[n] == char {
			n++
		}
		if n < len(raw) && (raw[n] == ' ' || raw[n] == '\t') {
			return nil, syntaxErr(i+1, "mixed indentation")
		}
		if n%len(unit) != 0 {
			return nil, syntaxErr(i+1, fmt.Sprintf("indentation %d is not a multiple of %d", n, len(unit)))
		}
		out = append(out, line{num: i + 1, depth: n / len(unit), text: raw[n:]})
	}
	return out, nil
}

func syntaxErr(num int, msg string) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, num, msg)
}

type decoder struct {
	opts  Options
	lines []line
	pos   int
}

func (d *decoder) root() (any, error) {
	if len(d.lines) == 0 {
		return Object{}, nil
	}
	first := d.lines[0]
	if first.depth != 0 {
		return nil, syntaxErr(first.num, "document must start at column zero")
	}

	if strings.HasPrefix(first.text, "[") {
		d.pos++
		arr, err := d.array(first, first.text, 0, 1)
		if err != nil {
			return nil, err
		}
		return arr, d.expectEnd()
	}

	if _, _, _, ok := splitKey(first.text); !ok {
		if len(d.lines) > 1 {
			return nil, syntaxErr(d.lines[1].num, "unexpected content after root value")
		}
		return d.primitive(first, first.text)
	}

	obj, err := d.object(0, 1)
	if err != nil {
		return nil, err
	}
	return obj, d.expectEnd()
}

func (d *decoder) expectEnd() error {
	if d.pos < len(d.lines) {
		return syntaxErr(d.lines[d.pos].num, "unexpected indentation")
	}
	return nil
}

func (d *decoder) checkDepth(ln line, nest int) error {
	if nest > d.opts.maxDepth() {
		return syntaxErr(ln.num, fmt.Sprintf("nesting exceeds max depth %d", d.opts.maxDepth()))
	}
	return nil
}

// object reads key lines at depth until a shallower line.
func (d *decoder) object(depth, nest int) (Object, error) {
	obj := Object{}
	for d.pos < len(d.lines) {
		ln := d.lines[d.pos]
		if ln.depth < depth {
			break
		}
		if ln.depth > depth {
			return nil, syntaxErr(ln.num, "unexpected indentation")
		}
		if err := d.checkDepth(ln, nest); err != nil {
			return nil, err
		}
		d.pos++

		key, quoted, rest, ok := splitKey(ln.text)
		if !ok {
			return nil, syntaxErr(ln.num, "expected key")
		}

		var value any
		var err error
		switch {
		case strings.HasPrefix(rest, "["):
			value, err = d.array(ln, rest, depth, nest+1)
		case rest == ":":
			value, err = d.object(depth+1, nest+1)
		case strings.HasPrefix(rest, ": "):
			value, err = d.primitive(ln, strings.TrimSpace(rest[2:]))
		default:
			err = syntaxErr(ln.num, "expected ':' after key")
		}
		if err != nil {
			return nil, err
		}

		path := []string{key}
		if !quoted && d.opts.KeyFolding && strings.Contains(key, ".") {
			path = strings.Split(key, ".")
		}
		obj = setPath(obj, path, value)
	}
	return obj, nil
}

// setPath assigns value at path, merging into existing nested objects.
func setPath(obj Object, path []string, value any) Object {
	for i, f := range obj {
		if f.Key != path[0] {
			continue
		}
		if len(path) == 1 {
			obj[i].Value = value
			return obj
		}
		inner, ok := f.Value.(Object)
		if !ok {
			inner = Object{}
		}
		obj[i].Value = setPath(inner, path[1:], value)
		return obj
	}
	if len(path) == 1 {
		return append(obj, Field{Key: path[0], Value: value})
	}
	return append(obj, Field{Key: path[0], Value: setPath(Object{}, path[1:], value)})
}

// array parses a header such as [3]{a,b}: or [2]: x,y whose children sit at
// depth+1.
func (d *decoder) array(ln line, header string, depth, nest int) ([]any, error) {
	if err := d.checkDepth(ln, nest); err != nil {
		return nil, err
	}
	declared, fields, inline, err := parseHeader(header)
	if err != nil {
		return nil, syntaxErr(ln.num, err.Error())
	}

	var out []any
	switch {
	case fields != nil:
		out, err = d.tableRows(fields, depth+1)
	case inline != "":
		out, err = d.inline(ln, inline)
	default:
		out, err = d.listItems(depth+1, nest)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}

	if d.opts.ValidateLengths && declared >= 0 && declared != len(out) {
		return nil, syntaxErr(ln.num, fmt.Sprintf("array declares %d items, found %d", declared, len(out)))
	}
	return out, nil
}

func (d *decoder) inline(ln line, text string) ([]any, error) {
	cells := splitCells(text)
	out := make([]any, len(cells))
	for i, cell := range cells {
		v, err := d.primitive(ln, cell)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) tableRows(fields []string, depth int) ([]any, error) {
	var out []any
	for d.pos < len(d.lines) && d.lines[d.pos].depth >= depth {
		ln := d.lines[d.pos]
		if ln.depth > depth {
			return nil, syntaxErr(ln.num, "unexpected indentation in table")
		}
		d.pos++

		cells := splitCells(ln.text)
		if len(cells) != len(fields) {
			return nil, syntaxErr(ln.num, fmt.Sprintf("row has %d cells, header has %d", len(cells), len(fields)))
		}
		row := make(Object, len(fields))
		for i, cell := range cells {
			v, err := d.primitive(ln, cell)
			if err != nil {
				return nil, err
			}
			row[i] = Field{Key: fields[i], Value: v}
		}
		out = append(out, row)
	}
	return out, nil
}

func (d *decoder) listItems(depth, nest int) ([]any, error) {
	var out []any
	for d.pos < len(d.lines) && d.lines[d.pos].depth >= depth {
		ln := d.lines[d.pos]
		if ln.depth > depth {
			return nil, syntaxErr(ln.num, "unexpected indentation in list")
		}
		d.pos++

		switch {
		case ln.text == "-":
			obj, err := d.object(depth+1, nest+1)
			if err != nil {
				return nil, err
			}
			out = append(out, obj)
		case strings.HasPrefix(ln.text, "- ["):
			arr, err := d.array(ln, ln.text[2:], depth, nest+1)
			if err != nil {
				return nil, err
			}
			out = append(out, arr)
		case strings.HasPrefix(ln.text, "- "):
			v, err := d.primitive(ln, strings.TrimSpace(ln.text[2:]))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		default:
			return nil, syntaxErr(ln.num, "expected list item")
		}
	}
	return out, nil
}

func (d *decoder) primitive(ln line, text string) (any, error) {
	switch text {
	case "":
		return nil, syntaxErr(ln.num, "missing value")
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if text[0] == '"' {
		s, err := strconv.Unquote(text)
		if err != nil {
			return nil, syntaxErr(ln.num, "bad quoted string "+text)
		}
		if d.opts.RestoreDates {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t, nil
			}
		}
		return s, nil
	}

	if numberRe.MatchString(text) {
		if !strings.ContainsAny(text, ".eE") {
			if n, err := strconv.ParseInt(text, 10, 64); err == nil {
				return n, nil
			}
			if n, err := strconv.ParseUint(text, 10, 64); err == nil {
				return n, nil
			}
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, syntaxErr(ln.num, "bad number "+text)
		}
		return f, nil
	}

	return text, nil
}

// splitKey separates the key of a line from the rest, which starts at ':'
// or '['.
func splitKey(text string) (key string, quoted bool, rest string, ok bool) {
	if strings.HasPrefix(text, `"`) {
		end := closingQuote(text)
		if end < 0 {
			return "", false, "", false
		}
		k, err := strconv.Unquote(text[:end+1])
		if err != nil {
			return "", false, "", false
		}
		rest = text[end+1:]
		if !strings.HasPrefix(rest, ":") && !strings.HasPrefix(rest, "[") {
			return "", false, "", false
		}
		return k, true, rest, true
	}

	i := strings.IndexAny(text, ":[")
	if i <= 0 {
		return "", false, "", false
	}
	key = text[:i]
	for _, part := range strings.Split(key, ".") {
		if !identRe.MatchString(part) {
			return "", false, "", false
		}
	}
	return key, false, text[i:], true
}

func closingQuote(text string) int {
	for i := 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// parseHeader reads [N] or [], an optional {fields} list, the ':' and any
// inline values. A [] header reports declared as -1.
func parseHeader(h string) (declared int, fields []string, inline string, err error) {
	end := strings.IndexByte(h, ']')
	if !strings.HasPrefix(h, "[") || end < 0 {
		return 0, nil, "", fmt.Errorf("bad array header %q", h)
	}
	declared = -1
	if n := h[1:end]; n != "" {
		declared, err = strconv.Atoi(n)
		if err != nil || declared < 0 {
			return 0, nil, "", fmt.Errorf("bad array length %q", n)
		}
	}
	h = h[end+1:]

	if strings.HasPrefix(h, "{") {
		closeAt := strings.Index(h, "}:")
		if closeAt < 0 {
			return 0, nil, "", fmt.Errorf("unterminated field list")
		}
		for _, cell := range splitCells(h[1:closeAt]) {
			name := cell
			if strings.HasPrefix(cell, `"`) {
				if name, err = strconv.Unquote(cell); err != nil {
					return 0, nil, "", fmt.Errorf("bad field name %s", cell)
				}
			}
			fields = append(fields, name)
		}
		if len(fields) == 0 {
			return 0, nil, "", fmt.Errorf("empty field list")
		}
		h = h[closeAt+1:]
	}

	if !strings.HasPrefix(h, ":") {
		return 0, nil, "", fmt.Errorf("expected ':' after array header")
	}
	return declared, fields, strings.TrimSpace(h[1:]), nil
}

// splitCells splits on commas outside quoted strings.
func splitCells(text string) []string {
	var cells []string
	start, inQuote := 0, false
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				cells = append(cells, strings.TrimSpace(text[start:i]))
				start = i + 1
			}
		}
	}
	return append(cells, strings.TrimSpace(text[start:]))
}

// Maps replaces every Object in v with an equivalent map[string]any.
func Maps(v any) any {
	switch x := v.(type) {
	case Object:
		m := make(map[string]any, len(x))
		for _, f := range x {
			m[f.Key] = Maps(f.Value)
		}
		return m
	case []any:
		for i := range x {
			x[i] = Maps(x[i])
		}
		return x
	}
	return v
}
