package template

import (
	"strings"
)

// rewritePipes rewrites a top-level filter chain into nested calls:
//
//	x | upper              ->  upper(x)
//	x | default("n/a")     ->  default(x, "n/a")
//	x | split(",") | last  ->  last(split(x, ","))
//
// Only pipes at the top level of the expression are rewritten; pipes inside
// string literals, parentheses or brackets are left alone.
func rewritePipes(expr string) (string, error) {
	segs, err := splitTopLevel(expr, '|')
	if err != nil {
		return "", err
	}
	if len(segs) == 1 {
		return expr, nil
	}

	acc := strings.TrimSpace(segs[0])
	if acc == "" {
		return "", newError(expr, "empty expression before filter pipe")
	}
	for _, seg := range segs[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return "", newError(expr, "empty filter in pipe chain")
		}
		name, args, ok := splitCall(seg)
		if !ok {
			return "", newError(expr, "malformed filter %q", seg)
		}
		if args == "" {
			acc = name + "(" + acc + ")"
		} else {
			acc = name + "(" + acc + ", " + args + ")"
		}
	}
	return acc, nil
}

// splitTopLevel splits s on sep occurrences that sit outside string literals
// and outside any parentheses, brackets or braces.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var segs []string
	depth := 0
	var quote byte
	start := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, newError(s, "unbalanced %q", string(c))
			}
		case sep:
			if depth == 0 {
				segs = append(segs, s[start:i])
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, newError(s, "unterminated string literal")
	}
	if depth != 0 {
		return nil, newError(s, "unbalanced parentheses")
	}
	return append(segs, s[start:]), nil
}

// splitCall parses a filter segment: either a bare identifier or a call with
// an argument list. Returns the name and the raw argument text.
func splitCall(seg string) (name, args string, ok bool) {
	open := strings.IndexByte(seg, '(')
	if open < 0 {
		if !isIdent(seg) {
			return "", "", false
		}
		return seg, "", true
	}
	if !strings.HasSuffix(seg, ")") {
		return "", "", false
	}
	name = strings.TrimSpace(seg[:open])
	if !isIdent(name) {
		return "", "", false
	}
	return name, strings.TrimSpace(seg[open+1 : len(seg)-1]), true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
