package chsql

import (
	"fmt"
	"strings"
)

// PrintWithValues substitutes quoted literal values back into the
// placeholder text. Debug only: the output is meant for human-readable
// tracing and must never be sent to the store for execution.
func (s *Statement) PrintWithValues() string {
	return placeholderRe.ReplaceAllStringFunc(s.text, func(m string) string {
		groups := placeholderRe.FindStringSubmatch(m)
		idx := 0
		fmt.Sscanf(groups[1], "%d", &idx)
		if idx < 1 || idx > len(s.params) {
			return m
		}
		switch v := s.params[idx-1].(type) {
		case string:
			return quoteLiteral(v)
		case []string:
			quoted := make([]string, len(v))
			for i, e := range v {
				quoted[i] = quoteLiteral(e)
			}
			return "[" + strings.Join(quoted, ",") + "]"
		default:
			return m
		}
	})
}

func quoteLiteral(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
