package dialect

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Bind rewrites query for d and returns the driver arguments for every
// parameter it references. Named dialects keep @name and receive sql.Named
// arguments; references to names absent from params are left to the backend
// (T-SQL local variables look the same). Positional dialects get $n and
// require every reference to resolve.
func Bind(d Dialect, query string, params map[string]any) (string, []any, error) {
	refs := scanParameters(query)
	if !d.Positional() {
		args := make([]any, 0, len(refs))
		seen := make(map[string]bool, len(refs))
		for _, r := range refs {
			if seen[r.name] {
				continue
			}
			seen[r.name] = true
			if v, ok := params[r.name]; ok {
				args = append(args, sql.Named(r.name, v))
			}
		}
		return query, args, nil
	}

	var b strings.Builder
	b.Grow(len(query))
	ordinals := make(map[string]int, len(refs))
	var args []any
	last := 0
	for _, r := range refs {
		v, ok := params[r.name]
		if !ok {
			return "", nil, fmt.Errorf("%w: @%s", ErrMissingParameter, r.name)
		}
		n, seen := ordinals[r.name]
		if !seen {
			args = append(args, v)
			n = len(args)
			ordinals[r.name] = n
		}
		b.WriteString(query[last:r.start])
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
		last = r.end
	}
	b.WriteString(query[last:])
	return b.String(), args, nil
}

type paramRef struct {
	name       string
	start, end int
}

// scanParameters finds @name references outside quoted text. @@name (T-SQL
// system functions) is not a parameter.
func scanParameters(query string) []paramRef {
	var refs []paramRef
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '[':
			quote = ']'
			continue
		case '@':
		default:
			continue
		}
		if i+1 < len(query) && query[i+1] == '@' {
			i++
			for i+1 < len(query) && isIdentByte(query[i+1]) {
				i++
			}
			continue
		}
		j := i + 1
		if j >= len(query) || !isIdentStart(query[j]) {
			continue
		}
		for j < len(query) && isIdentByte(query[j]) {
			j++
		}
		refs = append(refs, paramRef{name: query[i+1 : j], start: i, end: j})
		i = j - 1
	}
	return refs
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// RenameParameters rewrites every @name reference in query to @rename(name).
func RenameParameters(query string, rename func(string) string) string {
	refs := scanParameters(query)
	if len(refs) == 0 {
		return query
	}
	var b strings.Builder
	last := 0
	for _, r := range refs {
		b.WriteString(query[last:r.start])
		b.WriteByte('@')
		b.WriteString(rename(r.name))
		last = r.end
	}
	b.WriteString(query[last:])
	return b.String()
}
