package keys

import "testing"

func TestDerive_Deterministic(t *testing.T) {
	a := Derive(PrefixSession, "Ab3Xy9Zk", "h1")
	b := Derive(PrefixSession, "Ab3Xy9Zk", "h1")
	if a != b {
		t.Fatalf("Derive must be deterministic: %q != %q", a, b)
	}
}

func TestDerive_DifferentPartsDifferentKeys(t *testing.T) {
	a := Derive(PrefixSession, "Ab3Xy9Zk", "h1")
	b := Derive(PrefixSession, "Ab3Xy9Zk", "h2")
	if a == b {
		t.Fatalf("distinct parts must derive distinct keys, got %q for both", a)
	}
}

func TestDerive_BoundedLength(t *testing.T) {
	key := Derive(PrefixEnvelope, "some-long-session-identifier-uuid-v4-string")
	if len(key) > maxKeyLen {
		t.Fatalf("derived key exceeds %d chars: %q (%d)", maxKeyLen, key, len(key))
	}
}

func TestDerive_NamespacedByPrefix(t *testing.T) {
	sess := SessionKey("Ab3Xy9Zk", "h1")
	ack := AckKey("Ab3Xy9Zk", "h1")
	if sess == ack {
		t.Fatalf("session and ack keys for the same pair must differ")
	}
	if !HasPrefix(sess, PrefixSession) {
		t.Fatalf("session key %q should have prefix %q", sess, PrefixSession)
	}
	if !HasPrefix(ack, PrefixAck) {
		t.Fatalf("ack key %q should have prefix %q", ack, PrefixAck)
	}
}

func TestAllPrefixes_CoversSevenNamespaces(t *testing.T) {
	if got := len(AllPrefixes()); got != 7 {
		t.Fatalf("expected 7 logical namespaces, got %d", got)
	}
}
