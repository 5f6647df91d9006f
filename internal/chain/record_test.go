package chain

import (
	"strings"
	"testing"
	"time"

	"github.com/ctrlai/auditchain/internal/audit"
)

func TestLink(t *testing.T) {
	root := NewRoot("seed")
	e := audit.Event{ID: "e1", Timestamp: time.Unix(0, 0), Type: "login"}

	r := Link(root, e)
	if r.AuditID != "e1" || r.ParentID != RootID || r.Seq != 1 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.LinkHash != Combine(root.LinkHash, Digest(e)) {
		t.Error("link hash mismatch")
	}
	if r.IsRoot() {
		t.Error("linked record reports IsRoot")
	}
}

func TestEncodeDecodeRecord(t *testing.T) {
	root := NewRoot("seed")
	child := Link(root, audit.Event{ID: "e1", Type: "login"})

	for _, r := range []Record{root, child} {
		data, err := EncodeRecord(r)
		if err != nil {
			t.Fatalf("encode %s: %v", r.AuditID, err)
		}
		got, err := DecodeRecord(data)
		if err != nil {
			t.Fatalf("decode %s: %v", r.AuditID, err)
		}
		if got != r {
			t.Errorf("got %+v, want %+v", got, r)
		}
	}

	data, _ := EncodeRecord(root)
	if !strings.Contains(string(data), `"parent_id":null`) {
		t.Errorf("root should encode a null parent: %s", data)
	}
}

func TestDecodeRecord_Rejects(t *testing.T) {
	h := DigestBytes([]byte("x")).String()
	tests := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"unknown version", `{"v":2,"audit_id":"e1","parent_id":"root","link_hash":"` + h + `","seq":1}`},
		{"missing version", `{"audit_id":"e1","parent_id":"root","link_hash":"` + h + `","seq":1}`},
		{"missing audit id", `{"v":1,"parent_id":"root","link_hash":"` + h + `","seq":1}`},
		{"empty parent", `{"v":1,"audit_id":"e1","parent_id":"","link_hash":"` + h + `","seq":1}`},
		{"bad hash", `{"v":1,"audit_id":"e1","parent_id":"root","link_hash":"sha256:00","seq":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRecord([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
