package hibernate

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	bufferFullError      = "Client output buffer is full"
	unhibernateFailedMsg = "Failed to unhibernate client"
)

// buildHandoffRecord builds the single-line, tab-separated, tab-escaped
// request described in spec.md §4.4 step 3 / §6. The returned string
// always ends with '\n'. Reads every field under s.mu since a concurrent
// reader goroutine may still be appending to s.inputBuf.
func buildHandoffRecord(s *Session) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.state
	var b strings.Builder

	b.WriteString(tabEscape(st.Username))
	fmt.Fprintf(&b, "\thibernation_started=%d.%06d",
		s.createdAt.Unix(), s.createdAt.Nanosecond()/1000)

	if st.SessionID != "" {
		b.WriteString("\tsession=")
		b.WriteString(tabEscape(st.SessionID))
	}
	if !st.SessionCreated.IsZero() {
		fmt.Fprintf(&b, "\tsession_created=%d", st.SessionCreated.Unix())
	}
	if st.Tag != "" {
		fmt.Fprintf(&b, "\ttag=%s", st.Tag)
	}
	if st.LocalIP != "" {
		fmt.Fprintf(&b, "\tlip=%s", st.LocalIP)
	}
	if st.LocalPort != 0 {
		fmt.Fprintf(&b, "\tlport=%d", st.LocalPort)
	}
	if st.RemoteIP != "" {
		fmt.Fprintf(&b, "\trip=%s", st.RemoteIP)
	}
	if st.RemotePort != 0 {
		fmt.Fprintf(&b, "\trport=%d", st.RemotePort)
	}
	if st.MultiplexOstream {
		b.WriteString("\tmultiplex_ostream")
	}
	if st.UserdbFields != "" {
		b.WriteString("\tuserdb_fields=")
		b.WriteString(tabEscape(st.UserdbFields))
	}
	if st.PeerDevMajor != 0 || st.PeerDevMinor != 0 {
		fmt.Fprintf(&b, "\tpeer_dev_major=%d\tpeer_dev_minor=%d", st.PeerDevMajor, st.PeerDevMinor)
	}
	if st.PeerIno != 0 {
		fmt.Fprintf(&b, "\tpeer_ino=%d", st.PeerIno)
	}
	if len(st.Blob) > 0 {
		b.WriteString("\tstate=")
		b.WriteString(base64.StdEncoding.EncodeToString(st.Blob))
	}
	if len(s.inputBuf) > 0 {
		b.WriteString("\tclient_input=")
		b.WriteString(base64.StdEncoding.EncodeToString(s.inputBuf))
	}

	// Exactly one of these per spec.md §4.1/§4.4, or neither.
	if s.idleDone {
		if s.badDone {
			b.WriteString("\tbad-done")
		}
	} else if st.IdleCmd {
		b.WriteString("\tidle-continue")
	}

	ls := st.LogoutStats
	fmt.Fprintf(&b,
		"\tfetch_hdr_count=%d\tfetch_hdr_bytes=%d"+
			"\tfetch_body_count=%d\tfetch_body_bytes=%d"+
			"\tdeleted_count=%d\texpunged_count=%d\ttrashed_count=%d"+
			"\tautoexpunged_count=%d\tappend_count=%d"+
			"\tinput_bytes_extra=%d\toutput_bytes_extra=%d",
		ls.FetchHdrCount, ls.FetchHdrBytes,
		ls.FetchBodyCount, ls.FetchBodyBytes,
		ls.DeletedCount, ls.ExpungedCount, ls.TrashedCount,
		ls.AutoexpungedCount, ls.AppendCount,
		ls.InputBytesExtra, ls.OutputBytesExtra)

	b.WriteByte('\n')
	return b.String()
}

// moveBackResult is the outcome of one attempt to hand a session off to
// the master socket (spec.md §4.4).
type moveBackResult int

const (
	moveBackSuccess moveBackResult = iota
	moveBackRetryable
	moveBackFailed
)

// attemptHandoff performs spec.md §4.4 steps 2-6 once. It never holds c.mu
// or s.mu itself for longer than a single field access; callers may call
// it from any goroutine.
func (c *Core) attemptHandoff(s *Session) (moveBackResult, string) {
	conn, err := net.DialTimeout("unix", c.cfg.MasterSocketPath(), 2*time.Second)
	if err != nil {
		return moveBackRetryable, err.Error()
	}
	defer conn.Close()
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return moveBackFailed, "master socket is not a unix connection"
	}

	record := buildHandoffRecord(s)
	fd, err := s.clientFD()
	if err != nil {
		return moveBackFailed, err.Error()
	}

	if err := sendFD(uconn, int(fd), []byte(record)); err != nil {
		return moveBackFailed, err.Error()
	}
	// From the moment the fd has been sent, a racing worker might already
	// be completing the handoff; make sure a later destroy half-closes
	// the socket instead of silently dropping it (spec.md §3, §7).
	s.mu.Lock()
	s.shutdownFDOnDestroy = true
	s.mu.Unlock()

	reply, err := bufio.NewReader(uconn).ReadString('\n')
	if err != nil {
		return moveBackFailed, fmt.Sprintf("reading master reply: %v", err)
	}
	reply = strings.TrimRight(reply, "\r\n")
	if strings.HasPrefix(reply, "+") {
		s.mu.Lock()
		s.shutdownFDOnDestroy = false
		s.mu.Unlock()
		return moveBackSuccess, ""
	}
	errMsg := strings.TrimPrefix(reply, "-")
	return moveBackFailed, errMsg
}
