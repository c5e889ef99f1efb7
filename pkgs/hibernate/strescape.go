package hibernate

import "strings"

// tabescape/strescape helpers, grounded on how
// original_source/src/imap-hibernate/imap-client.c calls
// t_strsplit_tabescaped and str_append_tabescaped (lib/strescape.c
// itself was not part of the retrieved pack). A tab-escaped string
// replaces '\t' with "\t",
// '\n' with "\n" and '\\' with "\\\\" so the result is safe to embed as
// one field of a tab-separated line (spec.md §4.4, §6).

func tabEscape(s string) string {
	if !strings.ContainsAny(s, "\t\n\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch r {
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func tabUnescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitTabEscaped splits a tab-separated, tab-escaped field list, the way
// t_strsplit_tabescaped does: split on unescaped tabs, then unescape each
// field.
func splitTabEscaped(s string) []string {
	if s == "" {
		return nil
	}
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			cur.WriteByte(s[i])
			cur.WriteByte(s[i+1])
			i++
			continue
		}
		if s[i] == '\t' {
			fields = append(fields, tabUnescape(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteByte(s[i])
	}
	fields = append(fields, tabUnescape(cur.String()))
	return fields
}
