package hibernate

import "testing"

func TestParseInputDoneLF(t *testing.T) {
	state, _, consumed := parseInput([]byte("DONE\n"))
	if state != InputDoneLF {
		t.Fatalf("got state %v, want InputDoneLF", state)
	}
	if consumed != 5 {
		t.Fatalf("got consumed %d, want 5", consumed)
	}
}

func TestParseInputDoneCRLF(t *testing.T) {
	state, _, consumed := parseInput([]byte("DONE\r\n"))
	if state != InputDoneCRLF {
		t.Fatalf("got state %v, want InputDoneCRLF", state)
	}
	if consumed != 6 {
		t.Fatalf("got consumed %d, want 6", consumed)
	}
}

func TestParseInputDoneIdle(t *testing.T) {
	state, tag, _ := parseInput([]byte("DONE\r\nA001 IDLE\r\n"))
	if state != InputDoneIdle {
		t.Fatalf("got state %v, want InputDoneIdle", state)
	}
	if tag != "A001" {
		t.Fatalf("got tag %q, want A001", tag)
	}
}

func TestParseInputDoneIdleLF(t *testing.T) {
	state, tag, _ := parseInput([]byte("DONE\nA2 IDLE\n"))
	if state != InputDoneIdle || tag != "A2" {
		t.Fatalf("got (%v, %q)", state, tag)
	}
}

func TestParseInputCaseInsensitive(t *testing.T) {
	state, _, _ := parseInput([]byte("done\r\n"))
	if state != InputDoneCRLF {
		t.Fatalf("got %v, want InputDoneCRLF", state)
	}
}

func TestParseInputBadKeyword(t *testing.T) {
	state, _, _ := parseInput([]byte("FOO\r\n"))
	if state != InputBad {
		t.Fatalf("got %v, want InputBad", state)
	}
}

func TestParseInputBadCRWithoutLF(t *testing.T) {
	state, _, _ := parseInput([]byte("DONE\rX"))
	if state != InputBad {
		t.Fatalf("got %v, want InputBad", state)
	}
}

func TestParseInputUnknownNeedsMore(t *testing.T) {
	for _, s := range []string{"D", "DO", "DON", "DONE", "DONE\r"} {
		state, _, _ := parseInput([]byte(s))
		if state != InputUnknown {
			t.Fatalf("input %q: got %v, want InputUnknown", s, state)
		}
	}
}

func TestParseInputDoneThenPlainTag(t *testing.T) {
	// DONE completes the IDLE; the subsequent bytes are a separate
	// command (not IDLE) and must not confuse the DONE transition.
	state, _, consumed := parseInput([]byte("DONE\r\nA001 NOOP\r\n"))
	if state != InputDoneCRLF {
		t.Fatalf("got %v, want InputDoneCRLF", state)
	}
	if consumed != 6 {
		t.Fatalf("got consumed %d, want 6 (only DONE\\r\\n)", consumed)
	}
}

func TestParseInputDoneIdleSplitAcrossReads(t *testing.T) {
	// Per spec.md §9 open question: DONE and IDLE split across reads is
	// treated as a plain DONE completion, not DONEIDLE.
	state, _, _ := parseInput([]byte("DONE\r\nA001"))
	if state != InputDoneCRLF {
		t.Fatalf("got %v, want InputDoneCRLF (tag arrived without IDLE yet)", state)
	}
}

func TestParseInputTagDelimiterMustBeSpace(t *testing.T) {
	state, _, _ := parseInput([]byte("DONE\r\nA001\rIDLE\r\n"))
	if state != InputBad {
		t.Fatalf("got %v, want InputBad (tag terminated by CR, not space)", state)
	}
}
