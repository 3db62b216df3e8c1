package livesession

import "testing"

func TestByteRingSinceNoGap(t *testing.T) {
	r := newByteRing(1024)
	r.append(0, []byte("abc"))
	r.append(3, []byte("def"))
	out, gap := r.since(2)
	if gap {
		t.Fatalf("expected no gap")
	}
	if string(out) != "cdef" {
		t.Fatalf("got %q", out)
	}
}

func TestByteRingTrimsAndSignalsGap(t *testing.T) {
	r := newByteRing(4)
	r.append(0, []byte("aaaa"))
	r.append(4, []byte("bbbb"))
	if r.oldestRetained() != 4 {
		t.Fatalf("expected trim to cursor 4, got %d", r.oldestRetained())
	}
	out, gap := r.since(0)
	if !gap {
		t.Fatalf("expected gap since requested cursor below retained window")
	}
	if string(out) != "bbbb" {
		t.Fatalf("got %q", out)
	}
}
