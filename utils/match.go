package utils

import "strings"

// MatchAction checks whether a fully-qualified action code (e.g.
// "ENTITY.UPDATE") matches a rule's operation pattern. Patterns may
// include:
//   - Wildcard '*' matching any sequence within a segment.
//   - A trailing ".*" matching the whole subtree (e.g. "ENTITY.*").
func MatchAction(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return matchPattern(value, pattern, '.')
}

// MatchScopeKey checks a scope key (OU code, entity type, module code)
// against a pattern. Scope hierarchies use '/' as the segment separator,
// so "OU-EU/*" covers every unit under OU-EU.
func MatchScopeKey(value, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "/*"))
	}
	return matchPattern(value, pattern, '/')
}

// matchPattern matches a plain value against a pattern containing '*'
// wildcards. A wildcard matches until the next separator; a trailing
// wildcard matches the rest of the value.
func matchPattern(value, pattern string, sep byte) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		if pattern[pIndex] == '*' {
			if pIndex == pLen-1 {
				return true
			}
			for vIndex < vLen && value[vIndex] != sep {
				vIndex++
			}
			pIndex++
			continue
		}
		if vIndex < vLen && pattern[pIndex] == value[vIndex] {
			vIndex++
			pIndex++
			continue
		}
		return false
	}
	return vIndex == vLen && pIndex == pLen
}
