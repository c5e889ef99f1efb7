package hibernate

import (
	"hash/fnv"
	"time"
)

// stillHereText is the only keepalive fragment the core ever writes
// (spec.md §4.3, §6).
const stillHereText = "* OK Still here\r\n"

// keepaliveInterval perturbs baseSecs by a deterministic function of
// (username, remoteIP) so that a large fleet of clients configured with
// the same imap_idle_notify_interval doesn't wake in lockstep (spec.md
// §4.3), mirroring imap_keepalive_interval_msecs in the original.
//
// The jitter is +/- 12.5% of the base interval, which is enough spread to
// break lockstep across a fleet while staying close to the configured
// cadence.
func keepaliveInterval(username, remoteIP string, baseSecs int) time.Duration {
	if baseSecs <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(remoteIP))
	sum := h.Sum32()

	baseMsecs := int64(baseSecs) * 1000
	spreadMsecs := baseMsecs / 8 // +/- 12.5%
	if spreadMsecs <= 0 {
		return time.Duration(baseMsecs) * time.Millisecond
	}
	// Map sum into [-spreadMsecs, +spreadMsecs].
	offsetMsecs := int64(sum%uint32(2*spreadMsecs+1)) - spreadMsecs
	resultMsecs := baseMsecs + offsetMsecs
	if resultMsecs <= 0 {
		resultMsecs = 1000
	}
	return time.Duration(resultMsecs) * time.Millisecond
}
