// Package syncer implements the collection sync state machine: the meta
// handshake, the incremental exchange (start, graves, small-object changes,
// chunked large tables, sanity check, finish), and the full upload/download
// paths.
package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/collection"
	"github.com/marmos91/syncdeck/pkg/collection/schema"
	"github.com/marmos91/syncdeck/pkg/session"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

const (
	// chunkRowBudget bounds the rows packed into one chunk.
	chunkRowBudget = 250

	// maxClockSkew is the client/server clock divergence beyond which
	// incremental sync is refused.
	maxClockSkew = 5 * time.Minute
)

// MediaState reports the media USN included in the meta handshake.
type MediaState interface {
	LastUSN(ctx context.Context, userKey string) (int64, error)
}

// Engine runs sync transactions. One transaction exists per session at most;
// the per-user hub slot guarantees at most one per user.
type Engine struct {
	reg   *session.Registry
	media MediaState
	// maxCollection is the size above which meta forces a full sync.
	maxCollection int64

	mu  sync.Mutex
	txs map[string]*transaction
}

// NewEngine creates an engine over the given session registry. media may be
// nil when the media subsystem is disabled.
func NewEngine(reg *session.Registry, media MediaState, maxCollection int64) *Engine {
	return &Engine{
		reg:           reg,
		media:         media,
		maxCollection: maxCollection,
		txs:           make(map[string]*transaction),
	}
}

// transaction is the per-session sync context between start and finish.
type transaction struct {
	sess   *session.Session
	handle *collection.Handle
	tx     *sql.Tx

	minUSN int64
	maxUSN int64
	// lnewer reports whether the server collection is the newer side.
	lnewer bool

	// Chunk streaming cursor over ChunkTables.
	tablesLeft []string
	pending    []schema.Row
	loaded     bool
}

// Meta answers the handshake. It never opens a transaction; a busy user gets
// cont=false rather than an error so the client can report cleanly.
func (e *Engine) Meta(ctx context.Context, sess *session.Session, req MetaRequest) (*MetaResponse, error) {
	if req.V < 11 || obsoleteClient(req.CV) {
		return nil, syncerr.ObsoleteClient("client too old to sync; please upgrade")
	}

	now := time.Now()
	resp := &MetaResponse{
		TS:    now.Unix(),
		Uname: sess.UserKey,
		Cont:  true,
	}

	if req.TS != 0 {
		skew := time.Duration(now.Unix()-req.TS) * time.Second
		if skew < 0 {
			skew = -skew
		}
		if skew > maxClockSkew {
			resp.Cont = false
			resp.Msg = "your clock is off by more than 5 minutes; sync cannot proceed"
			return resp, nil
		}
	}

	if e.reg.Hub().Busy(sess.UserKey) {
		resp.Cont = false
		resp.Msg = "another sync is already in progress for this account"
		return resp, nil
	}

	h, err := e.reg.Collections().Open(ctx, sess.UserKey)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)

	m, err := schema.ReadMeta(ctx, h.DB())
	if err != nil {
		return nil, err
	}
	empty, err := schema.IsEmpty(ctx, h.DB())
	if err != nil {
		return nil, err
	}

	resp.Mod = m.Mod
	resp.SCM = m.Scm
	resp.USN = m.USN
	resp.Empty = empty

	// Differing schema timestamps lock out incremental sync; the client
	// offers full upload/download instead.
	if req.SCM != 0 && req.SCM != m.Scm {
		resp.Cont = false
		resp.Msg = "collection schemas differ; a full sync is required"
	}

	// Oversized collections cannot stream incrementally within the payload
	// limits; reporting a fresh scm makes the client fall back to full sync.
	if e.maxCollection > 0 && e.reg.Collections().SizeOnDisk(sess.UserKey) > e.maxCollection {
		resp.SCM = now.UnixMilli()
	}

	if e.media != nil {
		musn, err := e.media.LastUSN(ctx, sess.UserKey)
		if err != nil {
			return nil, err
		}
		resp.MUSN = musn
	}
	return resp, nil
}

// Start opens the sync transaction: claims the user slot, captures the
// server USN, applies the client's graves, and returns the server's.
func (e *Engine) Start(ctx context.Context, sess *session.Session, req StartRequest) (*schema.Graves, error) {
	if !e.reg.Hub().TryAcquire(sess.UserKey) {
		return nil, syncerr.Busy("another sync is in progress for %s", sess.UserKey)
	}

	t, err := e.begin(ctx, sess, req)
	if err != nil {
		e.reg.Hub().Release(sess.UserKey)
		return nil, err
	}

	serverGraves, err := schema.ListGraves(ctx, t.tx, t.handle.Schema(), t.minUSN)
	if err != nil {
		e.discard(ctx, t)
		return nil, err
	}

	if req.Graves != nil {
		if err := schema.ApplyGraves(ctx, t.tx, t.handle.Schema(), *req.Graves, t.maxUSN); err != nil {
			e.discard(ctx, t)
			return nil, err
		}
	}

	logger.Info("sync started",
		logger.KeyUser, sess.UserKey,
		logger.KeyUSN, t.maxUSN,
		"minUsn", t.minUSN)
	return &serverGraves, nil
}

func (e *Engine) begin(ctx context.Context, sess *session.Session, req StartRequest) (*transaction, error) {
	h, err := e.reg.Collections().Open(ctx, sess.UserKey)
	if err != nil {
		return nil, err
	}

	tx, err := h.DB().BeginTx(ctx, nil)
	if err != nil {
		h.Release(ctx)
		return nil, fmt.Errorf("opening sync transaction: %w", err)
	}

	m, err := schema.ReadMeta(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		h.Release(ctx)
		return nil, err
	}

	t := &transaction{
		sess:       sess,
		handle:     h,
		tx:         tx,
		minUSN:     req.MinUSN,
		maxUSN:     m.USN,
		lnewer:     !req.LNewer,
		tablesLeft: schema.ChunkTables(),
	}

	e.mu.Lock()
	e.txs[sess.Key] = t
	e.mu.Unlock()
	return t, nil
}

// lookup returns the in-flight transaction for a session.
func (e *Engine) lookup(key string) (*transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.txs[key]
	if !ok {
		return nil, syncerr.Conflict("no sync in progress for this session")
	}
	return t, nil
}

// ApplyGraves applies one batch of client deletions inside the transaction.
func (e *Engine) ApplyGraves(ctx context.Context, sess *session.Session, req ApplyGravesRequest) error {
	t, err := e.lookup(sess.Key)
	if err != nil {
		return err
	}
	if err := schema.ApplyGraves(ctx, t.tx, t.handle.Schema(), req.Chunk, t.maxUSN); err != nil {
		e.discard(ctx, t)
		return err
	}
	return nil
}

// ApplyChanges merges the client's small-object bundle and returns the
// server's. The server bundle is enumerated before the client rows land so
// it reflects the pre-merge state, mirroring what the client computed.
func (e *Engine) ApplyChanges(ctx context.Context, sess *session.Session, req ApplyChangesRequest) (*Changes, error) {
	t, err := e.lookup(sess.Key)
	if err != nil {
		return nil, err
	}

	out, err := e.collectChanges(ctx, t)
	if err != nil {
		e.discard(ctx, t)
		return nil, err
	}

	if err := e.mergeChanges(ctx, t, req.Changes); err != nil {
		e.discard(ctx, t)
		return nil, err
	}
	return out, nil
}

// collectChanges enumerates the server's small-object rows changed at or
// after minUsn, with fields and templates riding along under their changed
// notetypes.
func (e *Engine) collectChanges(ctx context.Context, t *transaction) (*Changes, error) {
	desc := t.handle.Schema()
	out := &Changes{Tables: make(map[string][]schema.Row)}

	for _, name := range desc.SmallObjectTables() {
		switch name {
		case "fields", "templates":
			continue // ride along with notetypes below
		}
		tbl := desc.Table(name)
		rows, err := schema.QueryChanged(ctx, t.tx, tbl, t.minUSN, t.maxUSN)
		if err != nil {
			return nil, err
		}
		if err := schema.MarkSent(ctx, t.tx, tbl, t.maxUSN); err != nil {
			return nil, err
		}
		enc, err := schema.EncodeRows(tbl, rows)
		if err != nil {
			return nil, err
		}
		out.Tables[name] = enc

		if name == "notetypes" {
			if err := e.collectChildRows(ctx, t, out, rows); err != nil {
				return nil, err
			}
		}
	}

	// Pre-row-form schemas carry the remaining small objects as JSON blobs
	// in col; the newer side's blobs win wholesale.
	if t.lnewer {
		if err := collectColJSON(ctx, t, desc, out); err != nil {
			return nil, err
		}
		m, err := schema.ReadMeta(ctx, t.tx)
		if err != nil {
			return nil, err
		}
		out.Crt = m.Crt
	}
	return out, nil
}

// collectChildRows packs the fields and templates of the given notetype rows.
func (e *Engine) collectChildRows(ctx context.Context, t *transaction, out *Changes, notetypes []schema.Row) error {
	if len(notetypes) == 0 {
		return nil
	}
	desc := t.handle.Schema()

	ntids := make([]int64, 0, len(notetypes))
	for _, row := range notetypes {
		id, err := schema.Int64At(row, 0)
		if err != nil {
			return err
		}
		ntids = append(ntids, id)
	}

	for _, name := range []string{"fields", "templates"} {
		tbl := desc.Table(name)
		if tbl == nil {
			continue
		}
		rows, err := schema.QueryRowsByParent(ctx, t.tx, tbl, ntids)
		if err != nil {
			return err
		}
		if err := schema.MarkSent(ctx, t.tx, tbl, t.maxUSN); err != nil {
			return err
		}
		enc, err := schema.EncodeRows(tbl, rows)
		if err != nil {
			return err
		}
		out.Tables[name] = enc
	}
	return nil
}

// legacyBlobColumns maps absent row tables to their col JSON columns.
var legacyBlobColumns = map[string]string{
	"notetypes":   "models",
	"decks":       "decks",
	"deck_config": "dconf",
	"tags":        "tags",
	"config":      "conf",
}

func collectColJSON(ctx context.Context, t *transaction, desc *schema.Descriptor, out *Changes) error {
	for table, column := range legacyBlobColumns {
		if desc.Supports(table) {
			continue
		}
		blob, err := schema.ReadColJSON(ctx, t.tx, column)
		if err != nil {
			return err
		}
		if out.ColJSON == nil {
			out.ColJSON = make(map[string]string)
		}
		out.ColJSON[column] = blob
	}
	return nil
}

// mergeChanges applies the client's small-object bundle.
func (e *Engine) mergeChanges(ctx context.Context, t *transaction, in Changes) error {
	desc := t.handle.Schema()

	for _, name := range desc.SmallObjectTables() {
		switch name {
		case "fields", "templates":
			continue // replaced under their notetypes below
		}
		raw := in.Tables[name]
		if len(raw) == 0 {
			continue
		}
		tbl := desc.Table(name)
		rows, err := schema.DecodeRows(tbl, raw)
		if err != nil {
			return syncerr.BadRequest("bad %s rows: %v", name, err)
		}
		if err := schema.ApplyRows(ctx, t.tx, tbl, rows, t.maxUSN); err != nil {
			return err
		}
		if name == "notetypes" {
			if err := e.mergeChildRows(ctx, t, in, rows); err != nil {
				return err
			}
		}
	}

	// The newer side's crt and legacy blobs replace ours wholesale.
	if !t.lnewer {
		if in.Crt != 0 {
			if err := schema.SetCreation(ctx, t.tx, in.Crt); err != nil {
				return err
			}
		}
		for column, blob := range in.ColJSON {
			if err := schema.WriteColJSON(ctx, t.tx, column, blob); err != nil {
				return syncerr.BadRequest("bad %s blob: %v", column, err)
			}
		}
	}
	return nil
}

// mergeChildRows swaps in the fields and templates of the notetypes the
// client sent.
func (e *Engine) mergeChildRows(ctx context.Context, t *transaction, in Changes, notetypes []schema.Row) error {
	if len(notetypes) == 0 {
		return nil
	}
	desc := t.handle.Schema()

	ntids := make([]int64, 0, len(notetypes))
	for _, row := range notetypes {
		id, err := schema.Int64At(row, 0)
		if err != nil {
			return err
		}
		ntids = append(ntids, id)
	}

	for _, name := range []string{"fields", "templates"} {
		tbl := desc.Table(name)
		if tbl == nil {
			continue
		}
		rows, err := schema.DecodeRows(tbl, in.Tables[name])
		if err != nil {
			return syncerr.BadRequest("bad %s rows: %v", name, err)
		}
		if err := schema.ReplaceChildRows(ctx, t.tx, tbl, ntids, rows); err != nil {
			return err
		}
	}
	return nil
}

// Chunk returns the next batch of large-table rows in the stable order
// revlog, cards, notes.
func (e *Engine) Chunk(ctx context.Context, sess *session.Session) (*Chunk, error) {
	t, err := e.lookup(sess.Key)
	if err != nil {
		return nil, err
	}

	out := &Chunk{Tables: make(map[string][]schema.Row)}
	budget := chunkRowBudget

	for budget > 0 && len(t.tablesLeft) > 0 {
		name := t.tablesLeft[0]
		tbl := t.handle.Schema().Table(name)

		if !t.loaded {
			rows, err := schema.QueryChanged(ctx, t.tx, tbl, t.minUSN, t.maxUSN)
			if err != nil {
				e.discard(ctx, t)
				return nil, err
			}
			if err := schema.MarkSent(ctx, t.tx, tbl, t.maxUSN); err != nil {
				e.discard(ctx, t)
				return nil, err
			}
			t.pending = rows
			t.loaded = true
		}

		n := len(t.pending)
		if n > budget {
			n = budget
		}
		if n > 0 {
			enc, err := schema.EncodeRows(tbl, t.pending[:n])
			if err != nil {
				e.discard(ctx, t)
				return nil, err
			}
			out.Tables[name] = append(out.Tables[name], enc...)
			t.pending = t.pending[n:]
			budget -= n
		}
		if len(t.pending) == 0 {
			t.tablesLeft = t.tablesLeft[1:]
			t.loaded = false
		}
	}

	out.Done = len(t.tablesLeft) == 0
	return out, nil
}

// ApplyChunk applies one batch of client rows.
func (e *Engine) ApplyChunk(ctx context.Context, sess *session.Session, chunk Chunk) error {
	t, err := e.lookup(sess.Key)
	if err != nil {
		return err
	}
	desc := t.handle.Schema()

	for _, name := range schema.ChunkTables() {
		raw := chunk.Tables[name]
		if len(raw) == 0 {
			continue
		}
		tbl := desc.Table(name)
		rows, err := schema.DecodeRows(tbl, raw)
		if err != nil {
			e.discard(ctx, t)
			return syncerr.BadRequest("bad %s rows: %v", name, err)
		}
		if err := schema.ApplyRows(ctx, t.tx, tbl, rows, t.maxUSN); err != nil {
			e.discard(ctx, t)
			return err
		}
	}
	return nil
}

// SanityCheck compares count vectors after streaming. A mismatch discards
// the whole transaction so neither side commits a diverged state.
func (e *Engine) SanityCheck(ctx context.Context, sess *session.Session, req SanityRequest) (*SanityResponse, error) {
	t, err := e.lookup(sess.Key)
	if err != nil {
		return nil, err
	}

	if table, err := schema.HasPendingUSN(ctx, t.tx, t.handle.Schema()); err != nil {
		e.discard(ctx, t)
		return nil, err
	} else if table != "" {
		e.discard(ctx, t)
		return nil, syncerr.Conflict("table %s still has unsent rows after exchange", table)
	}

	server, err := schema.SanityCounts(ctx, t.tx, t.handle.Schema())
	if err != nil {
		e.discard(ctx, t)
		return nil, err
	}

	client := req.Client
	if len(client) > 0 {
		// The scheduler triple depends on deck selection; both sides pin it
		// to zero before comparing.
		client[0] = []int64{0, 0, 0}
	}

	if !vectorsEqual(client, server) {
		logger.Warn("sanity check failed",
			logger.KeyUser, sess.UserKey,
			"client", client,
			"server", server)
		e.discard(ctx, t)
		return &SanityResponse{Status: "bad", Client: client, Server: server}, nil
	}
	return &SanityResponse{Status: "ok"}, nil
}

// vectorsEqual compares count vectors through their canonical JSON form,
// which normalizes the integer/float split JSON decoding introduces.
func vectorsEqual(a, b []any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Finish commits the transaction: stamps mod and ls with the server-chosen
// time, bumps the USN past the value assigned during the exchange, and
// releases the user slot.
func (e *Engine) Finish(ctx context.Context, sess *session.Session) (*FinishResponse, error) {
	t, err := e.lookup(sess.Key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	steps := []error{
		schema.SetModified(ctx, t.tx, now),
		schema.SetLastSync(ctx, t.tx, now),
		schema.IncrementUSN(ctx, t.tx),
	}
	for _, err := range steps {
		if err != nil {
			e.discard(ctx, t)
			return nil, err
		}
	}

	if err := t.tx.Commit(); err != nil {
		e.discard(ctx, t)
		return nil, fmt.Errorf("committing sync: %w", err)
	}
	e.release(ctx, t)

	logger.Info("sync finished",
		logger.KeyUser, sess.UserKey,
		logger.KeyUSN, t.maxUSN+1)
	return &FinishResponse{Mod: now}, nil
}

// Abort discards an in-flight transaction, if any, and reports whether one
// existed. Safe to call when none does; the transport uses it for explicit
// aborts and error cleanup.
func (e *Engine) Abort(ctx context.Context, sess *session.Session) bool {
	e.mu.Lock()
	t, ok := e.txs[sess.Key]
	e.mu.Unlock()
	if !ok {
		return false
	}
	logger.Info("sync aborted", logger.KeyUser, sess.UserKey)
	e.discard(ctx, t)
	return true
}

// discard rolls back and releases everything a transaction holds.
func (e *Engine) discard(ctx context.Context, t *transaction) {
	_ = t.tx.Rollback()
	e.release(ctx, t)
}

// release drops the transaction's bookkeeping, handle, and user slot.
func (e *Engine) release(ctx context.Context, t *transaction) {
	e.mu.Lock()
	delete(e.txs, t.sess.Key)
	e.mu.Unlock()

	_ = t.handle.Release(ctx)
	e.reg.Hub().Release(t.sess.UserKey)
}

// Upload replaces the user's collection with the uploaded file after
// validation. Holds the user slot for the duration.
func (e *Engine) Upload(ctx context.Context, sess *session.Session, body io.Reader, maxBytes int64) error {
	if !e.reg.Hub().TryAcquire(sess.UserKey) {
		return syncerr.Busy("another sync is in progress for %s", sess.UserKey)
	}
	defer e.reg.Hub().Release(sess.UserKey)

	if err := e.reg.Collections().SaveUpload(ctx, sess.UserKey, body, maxBytes); err != nil {
		return err
	}

	// The uploaded file is now the synced state on both sides.
	h, err := e.reg.Collections().Open(ctx, sess.UserKey)
	if err != nil {
		return err
	}
	defer h.Release(ctx)

	m, err := schema.ReadMeta(ctx, h.DB())
	if err != nil {
		return err
	}
	return schema.SetLastSync(ctx, h.DB(), m.Mod)
}

// Download checkpoints the collection and returns the path of the file to
// stream. Holds the user slot only while preparing; the transport streams
// from a stable file afterwards.
func (e *Engine) Download(ctx context.Context, sess *session.Session) (string, error) {
	if !e.reg.Hub().TryAcquire(sess.UserKey) {
		return "", syncerr.Busy("another sync is in progress for %s", sess.UserKey)
	}
	defer e.reg.Hub().Release(sess.UserKey)

	return e.reg.Collections().PrepareDownload(ctx, sess.UserKey)
}
