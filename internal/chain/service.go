package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctrlai/auditchain/internal/audit"
	"github.com/ctrlai/auditchain/internal/cell"
	"github.com/ctrlai/auditchain/internal/metrics"
	"github.com/ctrlai/auditchain/internal/storage"
)

// Options holds the collaborators injected into a Service.
type Options struct {
	// Head is the cluster-shared cell holding the current chain head.
	Head cell.Cell[Record]

	// Bridge persists records and the durable head snapshot.
	Bridge storage.Bridge

	// Events resolves audit ids during complete verification.
	Events audit.Source

	// Root is the chain's anchor, built with NewRoot from the configured
	// seed. Every node must use the same seed.
	Root Record

	// Claims grants each audit id to a single appender across every node.
	// It must be as linearizable as Head; cell.Claims over the same store
	// qualifies.
	Claims Claimer

	// OnLink, if set, is called after each link is persisted.
	OnLink func(Record)
}

// Claimer hands out exclusive claims on audit ids. An id is claimed before
// it is linked, so a second appender of the same id is turned away before
// it can reach the head.
type Claimer interface {
	Claim(ctx context.Context, auditID string) (token string, ok bool, err error)
	Release(ctx context.Context, auditID, token string) error
}

// Service grows and verifies the hash chain. It holds no lock: every
// change to the head goes through the shared cell, so any number of
// Services on any number of nodes may append concurrently.
type Service struct {
	head   cell.Cell[Record]
	bridge storage.Bridge
	events audit.Source
	claims Claimer
	root   Record
	onLink func(Record)
}

// NewService validates opts and returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Head == nil || opts.Bridge == nil || opts.Events == nil || opts.Claims == nil {
		return nil, fmt.Errorf("chain service: head cell, bridge, event source and claims are required")
	}
	if opts.Root.AuditID != RootID || !opts.Root.IsRoot() || opts.Root.LinkHash.IsZero() {
		return nil, fmt.Errorf("chain service: root record must be built with NewRoot")
	}
	return &Service{
		head:   opts.Head,
		bridge: opts.Bridge,
		events: opts.Events,
		claims: opts.Claims,
		root:   opts.Root,
		onLink: opts.OnLink,
	}, nil
}

// Root returns the configured root record.
func (s *Service) Root() Record {
	return s.root
}

// Init seeds the shared head on cold start and returns the current head.
//
// If the cell is already set (another node got there first, or the cell
// outlived this process) nothing changes. Otherwise the cell is seeded
// with the durable head snapshot, or with the root when there is none.
// Seeding is a compare-and-set against "unset", so among racing nodes
// exactly one seed takes effect and all of them read the same head.
func (s *Service) Init(ctx context.Context) (Record, error) {
	head, ok, err := s.head.Get(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("reading chain head: %w", err)
	}
	if ok {
		return head, nil
	}

	seed, source := s.root, "root"
	data, found, err := s.bridge.GetHeadVerificationElement(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("loading durable head: %w", err)
	}
	if found {
		rec, err := DecodeRecord(data)
		if err != nil {
			slog.Error("durable chain head is unreadable", "error", err)
			return Record{}, fmt.Errorf("%w: %v", ErrCorruptHead, err)
		}
		seed, source = rec, "durable head"
	}

	won, err := s.head.CompareAndSet(ctx, nil, seed)
	if err != nil {
		return Record{}, fmt.Errorf("seeding chain head: %w", err)
	}
	if won {
		slog.Info("chain head seeded", "source", source, "audit_id", seed.AuditID, "seq", seed.Seq)
	}

	head, ok, err = s.head.Get(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("reading chain head: %w", err)
	}
	if !ok {
		return Record{}, fmt.Errorf("chain head still unset after seeding")
	}
	return head, nil
}

// ProcessEvent appends a single event.
func (s *Service) ProcessEvent(ctx context.Context, e audit.Event) error {
	return s.Append(ctx, []audit.Event{e})
}

// Append links events to the chain in order and persists each new record.
//
// Each event advances the shared head with one AlterAndGet, so events from
// concurrent callers interleave but the chain never forks. Before linking,
// the appender claims the event's id. The claim is what keeps an id from
// being linked twice: two nodes can both see "not stored yet" for the same
// id (a backfill racing a live append, a redelivered request), but only one
// of them wins the claim. The loser skips the event as a duplicate, exactly
// like an event whose record already exists.
//
// A record that cannot be encoded is logged, unlinked and skipped; a record
// that cannot be stored is unlinked if possible, the rest of the batch is
// abandoned and the error is returned.
//
// After the batch the durable head is refreshed if the shared head is
// still the last record produced here. That check races with other nodes;
// the bridge only ever moves the durable head forward, so losing the race
// leaves it at most a few links behind, never on a stale branch.
func (s *Service) Append(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		switch e.ID {
		case "":
			return ErrMissingID
		case RootID:
			return ErrReservedID
		}
	}

	if _, err := s.Init(ctx); err != nil {
		return fmt.Errorf("initializing chain head: %w", err)
	}

	var (
		last      Record
		lastData  []byte
		produced  bool
		appendErr error
	)
	for _, e := range events {
		start := time.Now()

		// Cheap check first: most redeliveries are already stored and never
		// need to touch the claims.
		_, exists, err := s.bridge.GetVerificationElement(ctx, e.ID)
		if err != nil {
			appendErr = fmt.Errorf("checking link %s: %w", e.ID, err)
			break
		}
		if exists {
			slog.Warn("audit event already chained, skipping", "audit_id", e.ID)
			metrics.LinksSkippedTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		token, claimed, err := s.claims.Claim(ctx, e.ID)
		if err != nil {
			appendErr = fmt.Errorf("claiming %s: %w", e.ID, err)
			break
		}
		if !claimed {
			slog.Warn("audit event is being chained by another appender, skipping", "audit_id", e.ID)
			metrics.LinksSkippedTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		// The head already being e means the claim was reset while e's link
		// was still in flight. Linking e onto itself would store a record
		// that is its own parent, so leave the head alone.
		var (
			parent   Record
			relinked bool
		)
		rec, err := s.head.AlterAndGet(ctx, func(head Record) Record {
			parent = head
			relinked = head.AuditID == e.ID
			if relinked {
				return head
			}
			return Link(head, e)
		})
		if err != nil {
			// The swap may or may not have landed, so the claim is kept:
			// releasing it could let a second link for e reach the head.
			slog.Error("linking failed, claim kept", "audit_id", e.ID, "error", err)
			appendErr = fmt.Errorf("linking event %s: %w", e.ID, err)
			break
		}
		if relinked {
			slog.Error("audit event is already the chain head, not linked again", "audit_id", e.ID)
			metrics.LinksSkippedTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		data, err := EncodeRecord(rec)
		if err != nil {
			slog.Error("failed to encode link, record not persisted", "audit_id", e.ID, "seq", rec.Seq, "error", err)
			metrics.LinksSkippedTotal.WithLabelValues("encode").Inc()
			s.unlink(ctx, rec, parent, token)
			continue
		}
		if err := s.bridge.PutVerificationElement(ctx, e.ID, data); err != nil {
			s.unlink(ctx, rec, parent, token)
			appendErr = fmt.Errorf("persisting link %s: %w", e.ID, err)
			break
		}

		metrics.LinksAppendedTotal.Inc()
		metrics.AppendDuration.Observe(time.Since(start).Seconds())
		metrics.HeadSeq.Set(float64(rec.Seq))
		slog.Debug("link persisted", "audit_id", rec.AuditID, "parent_id", rec.ParentID, "seq", rec.Seq)

		last, lastData, produced = rec, data, true
		if s.onLink != nil {
			s.onLink(rec)
		}
	}

	if produced {
		s.refreshDurableHead(ctx, last, lastData)
	}
	return appendErr
}

// unlink moves the shared head back from an unpersisted record to its
// parent and, when that works, releases the record's claim so the event
// can be appended again later.
//
// The rollback is a compare-and-set against rec itself. If another node
// has already linked onto rec, rec is part of the chain whether or not it
// is stored: the head is left alone and the claim is kept, because a second
// link for the same id would turn the gap into a self-parented record or a
// cycle. Complete verification reports the gap as a missing parent link.
func (s *Service) unlink(ctx context.Context, rec, parent Record, token string) {
	ok, err := s.head.CompareAndSet(ctx, &rec, parent)
	switch {
	case err != nil:
		slog.Error("rolling back unpersisted link failed, claim kept", "audit_id", rec.AuditID, "error", err)
		return
	case !ok:
		slog.Error("unpersisted link already has children, chain has a gap", "audit_id", rec.AuditID)
		return
	}

	slog.Warn("rolled back unpersisted link", "audit_id", rec.AuditID, "head", parent.AuditID)
	if err := s.claims.Release(ctx, rec.AuditID, token); err != nil {
		slog.Error("releasing claim after rollback failed", "audit_id", rec.AuditID, "error", err)
	}
}

// refreshDurableHead writes last as the durable head snapshot, unless the
// shared head has already moved past it. The appender that moved it will
// refresh with its own record.
func (s *Service) refreshDurableHead(ctx context.Context, last Record, data []byte) {
	cur, ok, err := s.head.Get(ctx)
	if err != nil {
		slog.Warn("reading chain head for durable refresh failed", "error", err)
		return
	}
	if !ok || cur != last {
		slog.Debug("chain head moved on, durable refresh left to its appender", "audit_id", last.AuditID)
		return
	}
	if err := s.bridge.UpdateHeadVerificationElement(ctx, last.Seq, data); err != nil {
		slog.Warn("durable head refresh failed", "audit_id", last.AuditID, "seq", last.Seq, "error", err)
	}
}

// VerifyEvent reports whether e's stored link reproduces from its parent
// link and e's current content. It is false when the link is missing, is
// the root, has no stored parent, or the hashes differ.
func (s *Service) VerifyEvent(ctx context.Context, e audit.Event) bool {
	valid := s.verifyEvent(ctx, e)
	metrics.VerificationsTotal.WithLabelValues("event", metrics.Outcome(valid, nil)).Inc()
	return valid
}

func (s *Service) verifyEvent(ctx context.Context, e audit.Event) bool {
	rec, ok, err := s.loadRecord(ctx, e.ID)
	if err != nil {
		slog.Error("verify event: loading link failed", "audit_id", e.ID, "error", err)
		return false
	}
	if !ok || rec.IsRoot() {
		return false
	}

	parent, ok, err := s.loadRecord(ctx, rec.ParentID)
	if err != nil {
		slog.Error("verify event: loading parent link failed", "audit_id", e.ID, "parent_id", rec.ParentID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	return rec.LinkHash == Combine(parent.LinkHash, Digest(e))
}

// Report is the outcome of a complete verification.
type Report struct {
	Valid        bool   `json:"valid"`
	LinksChecked int    `json:"links_checked"`
	Head         string `json:"head,omitempty"`
	HeadSeq      uint64 `json:"head_seq,omitempty"`
	BrokenAt     string `json:"broken_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
}

func (r Report) broken(auditID, reason string) Report {
	r.Valid = false
	r.BrokenAt = auditID
	r.Reason = reason
	return r
}

// CompleteVerification walks the whole chain and reports whether every
// link is intact. A chained event missing from the audit log is returned
// as an *IntegrityError, not as false.
func (s *Service) CompleteVerification(ctx context.Context) (bool, error) {
	r, err := s.Verify(ctx)
	if err != nil {
		return false, err
	}
	return r.Valid, nil
}

// Verify walks back from the durable head to the root, recomputing every
// link from the stored parent link and the event's current content. It
// stops at the first broken link.
//
// Besides the hashes, the walk checks the chain's shape: the durable head
// must match the record stored under its id, every seq must be exactly one
// more than its parent's, no id may be visited twice, and the walk must end
// at this Service's root. A chain built under another seed therefore fails
// even when every hash inside it is consistent.
//
// Verification reads while appends continue. Links added after the durable
// head was read are simply not covered by this run.
func (s *Service) Verify(ctx context.Context) (Report, error) {
	r, err := s.verify(ctx)
	if errors.Is(err, ErrIntegrity) {
		metrics.IntegrityFaultsTotal.Inc()
	}
	metrics.VerificationsTotal.WithLabelValues("complete", metrics.Outcome(r.Valid, err)).Inc()
	return r, err
}

func (s *Service) verify(ctx context.Context) (Report, error) {
	data, ok, err := s.bridge.GetHeadVerificationElement(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading durable head: %w", err)
	}
	if !ok {
		// Nothing appended yet.
		return Report{Valid: true}, nil
	}

	cur, err := DecodeRecord(data)
	if err != nil {
		slog.Error("complete verification: durable head is unreadable", "error", err)
		return Report{}.broken("", "durable head is unreadable"), nil
	}
	report := Report{Head: cur.AuditID, HeadSeq: cur.Seq}

	// The snapshot is a copy; a durable head that disagrees with the stored
	// record for the same id was written by something other than Append.
	if !cur.IsRoot() {
		stored, ok, err := s.loadRecord(ctx, cur.AuditID)
		if err != nil {
			return report, err
		}
		if !ok || stored != cur {
			return report.broken(cur.AuditID, "durable head differs from its stored link"), nil
		}
	}

	seen := make(map[string]bool)
	for !cur.IsRoot() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if seen[cur.AuditID] {
			return report.broken(cur.AuditID, "parent links form a cycle"), nil
		}
		seen[cur.AuditID] = true

		ev, found, err := s.events.GetEvent(ctx, cur.AuditID)
		if err != nil {
			return report, fmt.Errorf("loading audit event %s: %w", cur.AuditID, err)
		}
		// A deleted event is not a hash mismatch: there is nothing to
		// recompute. It is reported as an error so callers cannot mistake
		// it for an ordinary broken link.
		if !found {
			slog.Error("chained audit event is missing from the audit log", "audit_id", cur.AuditID)
			return report, &IntegrityError{AuditID: cur.AuditID}
		}

		parent, ok, err := s.loadRecord(ctx, cur.ParentID)
		if err != nil {
			return report, err
		}
		if !ok {
			return report.broken(cur.AuditID, "parent link is missing"), nil
		}

		expected := Combine(parent.LinkHash, Digest(ev))
		if expected != cur.LinkHash {
			r := report.broken(cur.AuditID, "link hash mismatch")
			r.ExpectedHash = expected.String()
			r.ActualHash = cur.LinkHash.String()
			slog.Warn("complete verification: tampered link", "audit_id", cur.AuditID,
				"expected", r.ExpectedHash, "actual", r.ActualHash)
			return r, nil
		}
		if parent.Seq+1 != cur.Seq {
			return report.broken(cur.AuditID, "link sequence is not contiguous"), nil
		}

		report.LinksChecked++
		cur = parent
	}

	if cur != s.root {
		return report.broken(cur.AuditID, "chain does not end at the configured root"), nil
	}
	report.Valid = true
	return report, nil
}

// Head returns the current shared head.
func (s *Service) Head(ctx context.Context) (Record, bool, error) {
	return s.head.Get(ctx)
}

// DurableHead returns the last persisted head snapshot.
func (s *Service) DurableHead(ctx context.Context) (Record, bool, error) {
	data, ok, err := s.bridge.GetHeadVerificationElement(ctx)
	if err != nil || !ok {
		return Record{}, false, err
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrCorruptHead, err)
	}
	return rec, true, nil
}

// Link returns the stored record for auditID; "root" yields the root.
func (s *Service) Link(ctx context.Context, auditID string) (Record, bool, error) {
	return s.loadRecord(ctx, auditID)
}

// loadRecord fetches and decodes a stored record. Undecodable or
// mislabeled records are logged and reported as missing; only storage
// failures return an error.
func (s *Service) loadRecord(ctx context.Context, auditID string) (Record, bool, error) {
	if auditID == RootID {
		return s.root, true, nil
	}
	data, ok, err := s.bridge.GetVerificationElement(ctx, auditID)
	if err != nil {
		return Record{}, false, fmt.Errorf("loading link %s: %w", auditID, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		slog.Error("failed to decode link", "audit_id", auditID, "error", err)
		return Record{}, false, nil
	}
	if rec.AuditID != auditID {
		slog.Error("link stored under a foreign audit id", "key", auditID, "audit_id", rec.AuditID)
		return Record{}, false, nil
	}
	return rec, true, nil
}
