// Package env expands ${NAME} references in configuration values such as collector
// tokens and sink DSNs, after env_files have been loaded.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Lookup resolves a variable.
type Lookup func(name string) (string, bool)

// OS resolves from the process environment.
var OS Lookup = os.LookupEnv

// Expand replaces ${NAME} and ${NAME:-default}. A bare '$' is kept so that passwords in
// DSNs survive. Unset names without a default are an error.
func Expand(s string, lookup Lookup) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var (
		b       strings.Builder
		missing map[string]struct{}
	)
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			return "", fmt.Errorf("unterminated ${ in %q", s)
		}
		ref := s[i+2 : i+2+j]
		s = s[i+3+j:]

		name, def, hasDef := strings.Cut(ref, ":-")
		if name == "" {
			return "", fmt.Errorf("empty variable name in ${%s}", ref)
		}
		v, ok := lookup(name)
		switch {
		case v != "":
			b.WriteString(v)
		case hasDef:
			b.WriteString(def)
		case !ok:
			if missing == nil {
				missing = make(map[string]struct{})
			}
			missing[name] = struct{}{}
		}
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("undefined variable(s): %s", strings.Join(names, ", "))
	}
	return b.String(), nil
}

// ExpandAll expands every value in place and stops at the first failure.
func ExpandAll(values []string, lookup Lookup) error {
	for i, v := range values {
		out, err := Expand(v, lookup)
		if err != nil {
			return err
		}
		values[i] = out
	}
	return nil
}
