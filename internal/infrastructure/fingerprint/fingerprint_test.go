package fingerprint

import (
	"encoding/json"
	"testing"
)

func mustHashBytes(t *testing.T, raw string) string {
	t.Helper()
	h, err := HashBytes([]byte(raw))
	if err != nil {
		t.Fatalf("HashBytes(%q): %v", raw, err)
	}
	return h
}

func TestHashIsHex64(t *testing.T) {
	h := mustHashBytes(t, `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`)
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %q", len(h), h)
	}
	for _, r := range h {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("non-hex rune %q in %q", r, h)
		}
	}
}

func TestHashInsensitiveToKeyOrder(t *testing.T) {
	a := mustHashBytes(t, `{"model":"gpt-4","temperature":0.5,"messages":[{"role":"user","content":"Hi"}]}`)
	b := mustHashBytes(t, `{"messages":[{"content":"Hi","role":"user"}],"temperature":0.5,"model":"gpt-4"}`)
	if a != b {
		t.Errorf("key order changed the hash: %s vs %s", a, b)
	}
}

func TestHashIgnoresVolatileKeysAtAnyDepth(t *testing.T) {
	base := mustHashBytes(t, `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`)
	cases := []string{
		`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"Hi"}]}`,
		`{"model":"gpt-4","request_id":"abc","messages":[{"role":"user","content":"Hi"}]}`,
		`{"model":"gpt-4","timestamp":123,"messages":[{"role":"user","content":"Hi"}]}`,
		`{"model":"gpt-4","messages":[{"role":"user","content":"Hi","timestamp":999}]}`,
		`{"model":"gpt-4","messages":[{"role":"user","content":"Hi","stream":false}]}`,
	}
	for _, c := range cases {
		if got := mustHashBytes(t, c); got != base {
			t.Errorf("hash changed for %s", c)
		}
	}
}

func TestHashDistinguishesDifferentBodies(t *testing.T) {
	a := mustHashBytes(t, `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`)
	b := mustHashBytes(t, `{"model":"gpt-4","messages":[{"role":"user","content":"Bye"}]}`)
	if a == b {
		t.Error("different bodies should hash differently")
	}
}

func TestHashStableAcrossRuns(t *testing.T) {
	const raw = `{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}],"tools":[{"type":"function","function":{"name":"f"}}]}`
	first := mustHashBytes(t, raw)
	for i := 0; i < 50; i++ {
		if got := mustHashBytes(t, raw); got != first {
			t.Fatalf("run %d produced %s, want %s", i, got, first)
		}
	}
}

func TestNormalizeStripsRecursively(t *testing.T) {
	var v any
	if err := json.Unmarshal([]byte(`{"a":{"stream":true,"b":[{"timestamp":1,"c":2}]}}`), &v); err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(Normalize(v))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"b":[{"c":2}]}}`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}
}

func TestNormalizeEquivalenceImpliesHashEquality(t *testing.T) {
	pairs := [][2]string{
		{`{"x":1,"y":2}`, `{"y":2,"x":1}`},
		{`{"x":{"stream":true}}`, `{"x":{}}`},
		{`[1,2,{"request_id":"r","k":null}]`, `[1,2,{"k":null}]`},
	}
	for _, p := range pairs {
		var a, b any
		if err := json.Unmarshal([]byte(p[0]), &a); err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal([]byte(p[1]), &b); err != nil {
			t.Fatal(err)
		}
		ha, err := Hash(a)
		if err != nil {
			t.Fatal(err)
		}
		hb, err := Hash(b)
		if err != nil {
			t.Fatal(err)
		}
		if ha != hb {
			t.Errorf("normalized-equal values hashed differently: %s vs %s", p[0], p[1])
		}
	}
}

func TestHashBytesRejectsInvalidJSON(t *testing.T) {
	if _, err := HashBytes([]byte(`{"broken`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
