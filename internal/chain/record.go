package chain

import (
	"encoding/json"
	"fmt"

	"github.com/ctrlai/auditchain/internal/audit"
	"github.com/ctrlai/auditchain/internal/cell"
)

// RootID is the audit id of the root record. Events may not use it.
const RootID = "root"

// recordVersion is written into every persisted record. Decoders reject
// versions they do not know; old versions must stay readable forever.
const recordVersion = 1

// Record is one immutable link of the chain.
//
// Seq is the link's position: 0 for the root, parent.Seq+1 otherwise. It is
// not part of the hash; it orders durable head updates and lets full
// verification detect spliced links.
type Record struct {
	AuditID  string
	ParentID string // empty for the root
	LinkHash Hash
	Seq      uint64
}

// IsRoot reports whether r has no parent.
func (r Record) IsRoot() bool {
	return r.ParentID == ""
}

// NewRoot builds the root record for a seed. Every node configured with
// the same seed builds a byte-identical root.
func NewRoot(seed string) Record {
	s := DigestBytes([]byte(seed))
	return Record{
		AuditID:  RootID,
		LinkHash: Combine(s, s),
	}
}

// Link returns the record that appends e after parent.
func Link(parent Record, e audit.Event) Record {
	return Record{
		AuditID:  e.ID,
		ParentID: parent.AuditID,
		LinkHash: Combine(parent.LinkHash, Digest(e)),
		Seq:      parent.Seq + 1,
	}
}

type wireRecord struct {
	V        int     `json:"v"`
	AuditID  string  `json:"audit_id"`
	ParentID *string `json:"parent_id"`
	LinkHash Hash    `json:"link_hash"`
	Seq      uint64  `json:"seq"`
}

// EncodeRecord serializes r in the versioned persisted form.
func EncodeRecord(r Record) ([]byte, error) {
	w := wireRecord{
		V:        recordVersion,
		AuditID:  r.AuditID,
		LinkHash: r.LinkHash,
		Seq:      r.Seq,
	}
	if !r.IsRoot() {
		parent := r.ParentID
		w.ParentID = &parent
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding link %s: %w", r.AuditID, err)
	}
	return data, nil
}

// DecodeRecord parses a record written by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("decoding link: %w", err)
	}
	if w.V != recordVersion {
		return Record{}, fmt.Errorf("decoding link %s: unsupported version %d", w.AuditID, w.V)
	}
	if w.AuditID == "" {
		return Record{}, fmt.Errorf("decoding link: missing audit_id")
	}
	r := Record{
		AuditID:  w.AuditID,
		LinkHash: w.LinkHash,
		Seq:      w.Seq,
	}
	if w.ParentID != nil {
		if *w.ParentID == "" {
			return Record{}, fmt.Errorf("decoding link %s: empty parent_id", w.AuditID)
		}
		r.ParentID = *w.ParentID
	}
	return r, nil
}

// RecordCodec encodes records for a cell.Ref.
var RecordCodec = cell.Codec[Record]{
	Marshal:   EncodeRecord,
	Unmarshal: DecodeRecord,
}
