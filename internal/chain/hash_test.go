package chain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ctrlai/auditchain/internal/audit"
)

func TestCombine_OrderMatters(t *testing.T) {
	a := DigestBytes([]byte("a"))
	b := DigestBytes([]byte("b"))

	if Combine(a, b) == Combine(b, a) {
		t.Fatal("Combine must not be commutative")
	}
	if Combine(a, b) != Combine(a, b) {
		t.Fatal("Combine must be deterministic")
	}
}

func TestDigest_FollowsCanonicalContent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := audit.Event{ID: "e1", Timestamp: ts, Type: "document.read", UserID: "alice"}

	// Same instant in another zone is the same event.
	moved := e
	moved.Timestamp = ts.In(time.FixedZone("CET", 3600))
	if Digest(e) != Digest(moved) {
		t.Error("digest depends on the timestamp's zone")
	}

	edited := e
	edited.UserID = "mallory"
	if Digest(e) == Digest(edited) {
		t.Error("digest ignores user_id")
	}
}

func TestNewRoot(t *testing.T) {
	a := NewRoot("seed-a")
	if a != NewRoot("seed-a") {
		t.Fatal("roots for the same seed differ")
	}
	if a == NewRoot("seed-b") {
		t.Fatal("roots for different seeds are equal")
	}
	if !a.IsRoot() || a.AuditID != RootID || a.Seq != 0 {
		t.Fatalf("unexpected root shape: %+v", a)
	}
	s := DigestBytes([]byte("seed-a"))
	if a.LinkHash != Combine(s, s) {
		t.Error("root link hash is not Combine(seed, seed)")
	}
}

func TestParseHash(t *testing.T) {
	h := DigestBytes([]byte("x"))

	got, err := ParseHash(h.String())
	if err != nil || got != h {
		t.Fatalf("round trip: %v, %v", got, err)
	}

	bad := []string{
		"",
		strings.TrimPrefix(h.String(), "sha256:"),
		"md5:" + strings.TrimPrefix(h.String(), "sha256:"),
		"sha256:zz",
		"sha256:abcd",
	}
	for _, s := range bad {
		if _, err := ParseHash(s); err == nil {
			t.Errorf("ParseHash(%q): expected error", s)
		}
	}
}

func TestHash_JSON(t *testing.T) {
	h := DigestBytes([]byte("x"))
	data, err := json.Marshal(struct {
		H Hash `json:"h"`
	}{h})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"sha256:`) {
		t.Errorf("expected text form, got %s", data)
	}
}
