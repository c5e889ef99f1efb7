package hibernate

import (
	"strconv"
	"strings"
)

// expandLogPrefix substitutes %key% placeholders in template with the
// fields original_source's imap_client_get_var_expand_table assembles
// (spec.md §6 mail_log_prefix, §9 "log-prefix activation"). Unknown keys
// are left untouched so a misconfigured template is easy to spot.
func expandLogPrefix(template, serviceName string, st *State) string {
	authUser := parseAuthUser(st.UserdbFields)
	if authUser == "" {
		authUser = st.Username
	}

	fields := map[string]string{
		"user":        st.Username,
		"service":     serviceName,
		"local_ip":    st.LocalIP,
		"remote_ip":   st.RemoteIP,
		"local_port":  portOrEmpty(st.LocalPort),
		"remote_port": portOrEmpty(st.RemotePort),
		"session":     st.SessionID,
		"auth_user":   authUser,
	}

	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		start := strings.IndexByte(rest, '%')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+1:], '%')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		key := rest[start+1 : start+1+end]
		b.WriteString(rest[:start])
		if v, ok := fields[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString("%" + key + "%")
		}
		rest = rest[start+1+end+1:]
	}
	return b.String()
}

func portOrEmpty(p uint16) string {
	if p == 0 {
		return ""
	}
	return strconv.Itoa(int(p))
}

// parseAuthUser extracts "auth_user=" from the tab-escaped userdb field
// list, mirroring imap_client_parse_userdb_fields in the original.
func parseAuthUser(userdbFields string) string {
	if userdbFields == "" {
		return ""
	}
	for _, field := range splitTabEscaped(userdbFields) {
		if v, ok := strings.CutPrefix(field, "auth_user="); ok {
			return v
		}
	}
	return ""
}
