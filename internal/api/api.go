// Package api serves the auditchain REST API and the live link feed.
//
// Routes, all on one mux:
//
//	POST /api/events               record and chain one event
//	POST /api/events/batch         record and chain events in order
//	GET  /api/events               query events (type glob, user, document, since, limit)
//	GET  /api/events/{id}          one event with its link
//	GET  /api/events/{id}/verify   verify one event against its link
//	POST /api/verify               complete verification
//	GET  /api/verify/last          result of the last complete verification
//	GET  /api/chain/head           shared and durable head
//	GET  /api/chain/links/{id}     one stored link ("root" for the root)
//	GET  /api/ws                   WebSocket feed of persisted links
//	GET  /health                   liveness
//	GET  /metrics                  Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ctrlai/auditchain/internal/audit"
	"github.com/ctrlai/auditchain/internal/chain"
	"github.com/ctrlai/auditchain/internal/metrics"
	"github.com/ctrlai/auditchain/internal/verifier"
)

const maxBodyBytes = 1 << 20

// Options holds the dependencies injected into the API.
type Options struct {
	Events   *audit.Log
	Chain    *chain.Service
	Verifier *verifier.Verifier // optional; runs manual verifications when set
	Feed     *Feed              // optional; serves /api/ws when set
}

// Server serves the REST API.
type Server struct {
	events   *audit.Log
	chain    *chain.Service
	verifier *verifier.Verifier
	feed     *Feed
}

// New creates a Server with the given dependencies.
func New(opts Options) *Server {
	return &Server{
		events:   opts.Events,
		chain:    opts.Chain,
		verifier: opts.Verifier,
		feed:     opts.Feed,
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/events", s.handleRecord)
	mux.HandleFunc("POST /api/events/batch", s.handleRecordBatch)
	mux.HandleFunc("GET /api/events", s.handleQuery)
	mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /api/events/{id}/verify", s.handleVerifyEvent)
	mux.HandleFunc("POST /api/verify", s.handleVerify)
	mux.HandleFunc("GET /api/verify/last", s.handleLastVerification)
	mux.HandleFunc("GET /api/chain/head", s.handleHead)
	mux.HandleFunc("GET /api/chain/links/{id}", s.handleLink)
	if s.feed != nil {
		mux.Handle("GET /api/ws", s.feed)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// linkView is the JSON form of a chain record.
type linkView struct {
	AuditID  string     `json:"audit_id"`
	ParentID string     `json:"parent_id,omitempty"`
	LinkHash chain.Hash `json:"link_hash"`
	Seq      uint64     `json:"seq"`
}

func newLinkView(r chain.Record) linkView {
	return linkView{AuditID: r.AuditID, ParentID: r.ParentID, LinkHash: r.LinkHash, Seq: r.Seq}
}

type chainedEvent struct {
	Event audit.Event `json:"event"`
	Link  *linkView   `json:"link,omitempty"`
}

// handleRecord stores one event and appends it to the chain.
// POST /api/events  {"type": "document.read", "user_id": "alice", ...}
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var e audit.Event
	if !decodeBody(w, r, &e) {
		return
	}
	out, ok := s.recordAndChain(w, r, []audit.Event{e})
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, out[0])
}

// handleRecordBatch stores events and appends them in request order.
// POST /api/events/batch  [{...}, {...}]
func (s *Server) handleRecordBatch(w http.ResponseWriter, r *http.Request) {
	var batch []audit.Event
	if !decodeBody(w, r, &batch) {
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "batch is empty")
		return
	}
	out, ok := s.recordAndChain(w, r, batch)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) recordAndChain(w http.ResponseWriter, r *http.Request, batch []audit.Event) ([]chainedEvent, bool) {
	ctx := r.Context()

	for _, e := range batch {
		if e.ID == chain.RootID {
			writeError(w, http.StatusBadRequest, chain.ErrReservedID.Error())
			return nil, false
		}
	}

	// The batch is recorded all or nothing: a rejected request leaves no
	// stored event behind that nobody chains.
	recorded, err := s.events.RecordBatch(ctx, batch)
	switch {
	case errors.Is(err, audit.ErrDuplicateEvent):
		writeError(w, http.StatusConflict, err.Error())
		return nil, false
	case errors.Is(err, audit.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	case err != nil:
		slog.Error("recording audit events failed", "count", len(batch), "error", err)
		writeError(w, http.StatusInternalServerError, "recording audit events failed")
		return nil, false
	}

	if err := s.chain.Append(ctx, recorded); err != nil {
		slog.Error("chaining audit events failed", "count", len(recorded), "error", err)
		writeError(w, http.StatusInternalServerError, "events recorded but not chained")
		return nil, false
	}

	out := make([]chainedEvent, 0, len(recorded))
	for _, e := range recorded {
		ce := chainedEvent{Event: e}
		if rec, ok, err := s.chain.Link(ctx, e.ID); err == nil && ok {
			v := newLinkView(rec)
			ce.Link = &v
		}
		out = append(out, ce)
	}
	return out, true
}

// handleQuery returns events matching the filters, newest first.
// GET /api/events?type=document.*&user=alice&document=d1&since=24h&limit=50
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := s.events.Query(r.Context(), audit.QueryParams{
		Type:     q.Get("type"),
		UserID:   q.Get("user"),
		Document: q.Get("document"),
		Since:    q.Get("since"),
		Limit:    limit,
	})
	if errors.Is(err, audit.ErrInvalidQuery) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGetEvent returns one event and its link.
// GET /api/events/{id}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	out := chainedEvent{Event: e}
	rec, found, err := s.chain.Link(r.Context(), e.ID)
	if err != nil {
		slog.Error("loading link failed", "audit_id", e.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading link failed")
		return
	}
	if found {
		v := newLinkView(rec)
		out.Link = &v
	}
	writeJSON(w, http.StatusOK, out)
}

// handleVerifyEvent checks one stored event against its link.
// GET /api/events/{id}/verify
func (s *Server) handleVerifyEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit_id": e.ID,
		"valid":    s.chain.VerifyEvent(r.Context(), e),
	})
}

func (s *Server) loadEvent(w http.ResponseWriter, r *http.Request) (audit.Event, bool) {
	id := r.PathValue("id")
	e, found, err := s.events.GetEvent(r.Context(), id)
	if err != nil {
		slog.Error("loading audit event failed", "audit_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading audit event failed")
		return audit.Event{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, "audit event not found")
		return audit.Event{}, false
	}
	return e, true
}

type verifyResponse struct {
	chain.Report
	IntegrityFault string `json:"integrity_fault,omitempty"`
}

// handleVerify runs a complete verification now. A broken chain is a
// normal 200 response with valid=false; an integrity fault (an event
// missing from the log) is reported in integrity_fault.
// POST /api/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.verify(r.Context())

	var ie *chain.IntegrityError
	switch {
	case errors.As(err, &ie):
		report.Valid = false
		writeJSON(w, http.StatusOK, verifyResponse{Report: report, IntegrityFault: ie.AuditID})
	case err != nil:
		slog.Error("complete verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
	default:
		writeJSON(w, http.StatusOK, verifyResponse{Report: report})
	}
}

func (s *Server) verify(ctx context.Context) (chain.Report, error) {
	if s.verifier == nil {
		return s.chain.Verify(ctx)
	}
	// Route through the verifier so /api/verify/last reflects manual runs.
	res := s.verifier.RunOnce(ctx)
	return res.Report, res.Cause()
}

// handleLastVerification returns the last verifier result.
// GET /api/verify/last
func (s *Server) handleLastVerification(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusNotFound, "verifier not running")
		return
	}
	res, ok := s.verifier.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no verification has run yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleHead returns the shared head and the durable snapshot.
// GET /api/chain/head
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{"root": newLinkView(s.chain.Root())}

	head, ok, err := s.chain.Head(ctx)
	if err != nil {
		slog.Error("reading chain head failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reading chain head failed")
		return
	}
	if ok {
		out["shared"] = newLinkView(head)
	}

	durable, ok, err := s.chain.DurableHead(ctx)
	if err != nil {
		slog.Error("reading durable head failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reading durable head failed")
		return
	}
	if ok {
		out["durable"] = newLinkView(durable)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLink returns one stored link.
// GET /api/chain/links/{id}
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.chain.Link(r.Context(), id)
	if err != nil {
		slog.Error("loading link failed", "audit_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading link failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	writeJSON(w, http.StatusOK, newLinkView(rec))
}

// handleHealth reports liveness and, when known, the last verification.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.verifier != nil {
		if res, ok := s.verifier.Last(); ok {
			out["last_verification"] = map[string]any{"at": res.At, "ok": res.OK()}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
