package hibernate

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendFD writes the first byte of data together with fd as an SCM_RIGHTS
// control message on conn, then writes the remainder of data as ordinary
// bytes. This mirrors the original's "send fd with first byte, rest as
// plain payload" framing (spec.md §4.4 step 4).
func sendFD(conn *net.UnixConn, fd int, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("sendFD: empty payload")
	}
	rights := unix.UnixRights(fd)
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sendFD: SyscallConn: %w", err)
	}

	var sendErr error
	ctrlErr := raw.Control(func(s uintptr) {
		sendErr = unix.Sendmsg(int(s), data[:1], rights, nil, 0)
	})
	if ctrlErr != nil {
		return fmt.Errorf("sendFD: %w", ctrlErr)
	}
	if sendErr != nil {
		return fmt.Errorf("sendFD: sendmsg: %w", sendErr)
	}
	if len(data) > 1 {
		if _, err := conn.Write(data[1:]); err != nil {
			return fmt.Errorf("sendFD: write remainder: %w", err)
		}
	}
	return nil
}

// recvFD reads one message from conn, returning any passed fd (wrapped in
// an *os.File) alongside the regular bytes read. Only the first passed fd
// is kept; any others are closed. Used by the stand-in IMAP master in
// tests; the upstream acceptor (acceptor.go) reads its multi-fd handoffs
// with ReadMsgUnix and parseRights instead.
func recvFD(conn *net.UnixConn, buf []byte) (n int, f *os.File, err error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return n, nil, fmt.Errorf("recvFD: %w", err)
	}
	if oobn == 0 {
		return n, nil, nil
	}
	fds, err := parseRightsFDs(oob[:oobn])
	if err != nil {
		return n, nil, err
	}
	for i, rfd := range fds {
		if i == 0 {
			f = os.NewFile(uintptr(rfd), "passed-fd")
		} else {
			unix.Close(rfd)
		}
	}
	return n, f, nil
}

// parseRightsFDs extracts every fd carried as SCM_RIGHTS ancillary data in
// oob, in the order the sender passed them. Used where more than one fd may
// travel on a single message (spec.md §6 "optional_notify_fds").
func parseRightsFDs(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}
