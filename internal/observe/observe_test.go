package observe

import "testing"

func TestIsNewerWithinWindow(t *testing.T) {
	if !IsNewer(5, 3) {
		t.Fatal("5 should be newer than 3")
	}
	if IsNewer(3, 5) {
		t.Fatal("3 should not be newer than 5")
	}
	if IsNewer(5, 5) {
		t.Fatal("a value should not be newer than itself")
	}
}

func TestIsNewerAcrossWraparound(t *testing.T) {
	// RFC 7641 section 3.4: a small value is newer than a large one if the
	// large one is within the top of the 24-bit space (it wrapped).
	const max24 = 1 << 24
	if !IsNewer(2, max24-2) {
		t.Fatal("2 should be newer than max24-2 (wrapped)")
	}
	if IsNewer(max24-2, 2) {
		t.Fatal("max24-2 should not be newer than 2 after wraparound")
	}
}

func TestNextSeqIsMonotonicAndWraps(t *testing.T) {
	m := New()
	sub := m.Subscribe("temp", "peerA", []byte{0x01}, nil)
	first := m.NextSeqFor(sub)
	second := m.NextSeqFor(sub)
	if !IsNewer(second, first) {
		t.Fatalf("sequence must increase: %d then %d", first, second)
	}
	if second > 0xffffff {
		t.Fatal("sequence must stay within 24 bits")
	}
	if sub.LastSeq != second {
		t.Fatalf("subscription's LastSeq should track the counter, got %d want %d", sub.LastSeq, second)
	}

	sub.LastSeq = 0xffffff
	if wrapped := m.NextSeqFor(sub); wrapped != 0 || !IsNewer(wrapped, 0xffffff) {
		t.Fatalf("sequence must wrap from 0xffffff to 0 and still count as newer, got %d", wrapped)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := New()
	token := []byte{0x01}
	m.Subscribe("temp", "peerA", token, nil)

	subs := m.Subscribers("temp")
	if len(subs) != 1 || subs[0].Peer != "peerA" {
		t.Fatalf("want one subscriber peerA, got %+v", subs)
	}

	m.Unsubscribe("temp", "peerA", token)
	if len(m.Subscribers("temp")) != 0 {
		t.Fatal("want no subscribers after Unsubscribe")
	}
}

func TestRemoveByPeerTokenDropsAcrossPaths(t *testing.T) {
	m := New()
	token := []byte{0x02}
	m.Subscribe("temp", "peerA", token, nil)
	m.Subscribe("humidity", "peerA", token, nil)
	m.Subscribe("temp", "peerB", []byte{0x03}, nil)

	m.RemoveByPeerToken("peerA", token)

	if len(m.Subscribers("temp")) != 1 {
		t.Fatalf("want peerB's subscription to survive, got %+v", m.Subscribers("temp"))
	}
	if len(m.Subscribers("humidity")) != 0 {
		t.Fatal("want peerA's humidity subscription removed too")
	}
	if m.Count() != 1 {
		t.Fatalf("want 1 total subscription left, got %d", m.Count())
	}
}
