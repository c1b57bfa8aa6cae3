package api

import (
	"bytes"
	"context"
	"net/http"
	"os"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/media"
	syncprom "github.com/marmos91/syncdeck/pkg/metrics/prometheus"
	"github.com/marmos91/syncdeck/pkg/session"
	"github.com/marmos91/syncdeck/pkg/syncer"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// Handler serves the /sync and /msync endpoint families.
type Handler struct {
	reg    *session.Registry
	engine *syncer.Engine
	media  *media.Engine
	codec  *codec
	sm     *syncprom.SyncMetrics

	// maxPayload caps decompressed request bodies; maxCollection caps full
	// collection uploads.
	maxPayload    int64
	maxCollection int64
}

// NewHandler wires the endpoint handlers over the sync engines.
func NewHandler(reg *session.Registry, engine *syncer.Engine, mediaEngine *media.Engine,
	maxPayload, maxCollection int64, sm *syncprom.SyncMetrics) (*Handler, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Handler{
		reg:           reg,
		engine:        engine,
		media:         mediaEngine,
		codec:         c,
		sm:            sm,
		maxPayload:    maxPayload,
		maxCollection: maxCollection,
	}, nil
}

// hostKeyRequest carries the login credentials.
type hostKeyRequest struct {
	U string `json:"u"`
	P string `json:"p"`
}

// hostKeyResponse returns the minted session key.
type hostKeyResponse struct {
	Key  string `json:"key"`
	Host int    `json:"host"`
}

// HostKey authenticates and mints a session key. A keyless, credential-less
// request is a discovery probe from a client checking whether the endpoint
// speaks the protocol; it gets 400 rather than 403 so the client prompts for
// credentials instead of discarding a stored session.
func (h *Handler) HostKey(w http.ResponseWriter, r *http.Request) {
	hdr := parseSyncHeader(r)

	body, err := h.codec.readBody(r, hdr, h.maxPayload)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	var req hostKeyRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if req.U == "" && req.P == "" {
		h.writeError(w, r, hdr, syncerr.AuthRequired("expected auth"))
		return
	}

	sess, err := h.reg.Login(r.Context(), req.U, req.P, hdr.S)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, hostKeyResponse{Key: sess.Key})
}

// authed parses the envelope, resolves the session, and reads the body.
// Returns ok=false after writing the error response itself.
func (h *Handler) authed(w http.ResponseWriter, r *http.Request) (*session.Session, syncHeader, []byte, bool) {
	hdr := parseSyncHeader(r)

	sess, err := h.reg.Resolve(r.Context(), hdr.K)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return nil, hdr, nil, false
	}

	body, err := h.codec.readBody(r, hdr, h.maxPayload)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return nil, hdr, nil, false
	}
	return sess, hdr, body, true
}

// Meta answers the sync handshake. The protocol version comes from the body
// when present, from the envelope otherwise.
func (h *Handler) Meta(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req syncer.MetaRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if req.V == 0 {
		req.V = hdr.V
	}
	if req.CV == "" {
		req.CV = hdr.C
	}

	resp, err := h.engine.Meta(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, resp)
}

// startResponse wraps the server-side graves.
type startResponse struct {
	Graves any `json:"graves"`
}

// Start opens the sync transaction and exchanges deletions.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req syncer.StartRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	graves, err := h.engine.Start(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.sm.RecordSyncStarted()
	h.codec.writeJSON(w, hdr, http.StatusOK, startResponse{Graves: graves})
}

// ApplyGraves applies one batch of client deletions.
func (h *Handler) ApplyGraves(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req syncer.ApplyGravesRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if err := h.engine.ApplyGraves(r.Context(), sess, req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, struct{}{})
}

// changesResponse wraps the server's small-object bundle.
type changesResponse struct {
	Changes *syncer.Changes `json:"changes"`
}

// ApplyChanges merges the client's small objects and returns the server's.
func (h *Handler) ApplyChanges(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req syncer.ApplyChangesRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	out, err := h.engine.ApplyChanges(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, changesResponse{Changes: out})
}

// chunkResponse wraps one batch of large-table rows.
type chunkResponse struct {
	Chunk *syncer.Chunk `json:"chunk"`
}

// Chunk streams the next batch of server rows.
func (h *Handler) Chunk(w http.ResponseWriter, r *http.Request) {
	sess, hdr, _, ok := h.authed(w, r)
	if !ok {
		return
	}

	out, err := h.engine.Chunk(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, chunkResponse{Chunk: out})
}

// ApplyChunk applies one batch of client rows.
func (h *Handler) ApplyChunk(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req chunkResponse
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if req.Chunk == nil {
		h.writeError(w, r, hdr, syncerr.BadRequest("missing chunk"))
		return
	}

	if err := h.engine.ApplyChunk(r.Context(), sess, *req.Chunk); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, struct{}{})
}

// SanityCheck compares count vectors after the exchange.
func (h *Handler) SanityCheck(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req syncer.SanityRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	resp, err := h.engine.SanityCheck(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if resp.Status != "ok" {
		h.sm.RecordSyncOutcome("sanity_failed")
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, resp)
}

// Finish commits the sync.
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	sess, hdr, _, ok := h.authed(w, r)
	if !ok {
		return
	}

	resp, err := h.engine.Finish(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.sm.RecordSyncOutcome("finished")
	h.codec.writeJSON(w, hdr, http.StatusOK, resp)
}

// Abort discards an in-flight sync.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	sess, hdr, _, ok := h.authed(w, r)
	if !ok {
		return
	}

	if h.engine.Abort(r.Context(), sess) {
		h.sm.RecordSyncOutcome("aborted")
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, struct{}{})
}

// uploadResponse reports the outcome of a full upload. Validation failures
// travel in status with a 200 so the client shows the message instead of a
// generic error.
type uploadResponse struct {
	Status string `json:"status"`
}

// Upload replaces the server collection with the client's file. Collection
// files may exceed the ordinary payload cap, so the body is read under the
// collection cap instead.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	hdr := parseSyncHeader(r)

	sess, err := h.reg.Resolve(r.Context(), hdr.K)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	body, err := h.codec.readBody(r, hdr, h.maxCollection)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	err = h.engine.Upload(r.Context(), sess, bytes.NewReader(body), h.maxCollection)
	if err != nil {
		if syncerr.CodeOf(err) == syncerr.CodeBadRequest {
			h.codec.writeJSON(w, hdr, http.StatusOK, uploadResponse{Status: err.Error()})
			return
		}
		h.writeError(w, r, hdr, err)
		return
	}
	h.sm.RecordFullSync("upload")
	h.codec.writeJSON(w, hdr, http.StatusOK, uploadResponse{Status: "OK"})
}

// Download streams the server collection file.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	sess, hdr, _, ok := h.authed(w, r)
	if !ok {
		return
	}

	path, err := h.engine.Download(r.Context(), sess)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		h.writeError(w, r, hdr, syncerr.Internal(err, "reading download file"))
		return
	}
	h.sm.RecordFullSync("download")
	h.codec.writeRaw(w, hdr, http.StatusOK, "application/octet-stream", data)
}

// dataBody is the media response envelope.
type dataBody struct {
	Data any    `json:"data"`
	Err  string `json:"err"`
}

// mediaBeginData answers the media handshake: the server usn and the session
// key the following media requests should carry.
type mediaBeginData struct {
	USN int64  `json:"usn"`
	SK  string `json:"sk"`
}

// mediaSession resolves the session for a media request, accepting the key
// from the envelope.
func (h *Handler) mediaSession(ctx context.Context, hdr syncHeader) (*session.Session, error) {
	return h.reg.Resolve(ctx, hdr.K)
}

// MediaBegin opens a media sync.
func (h *Handler) MediaBegin(w http.ResponseWriter, r *http.Request) {
	hdr := parseSyncHeader(r)

	sess, err := h.mediaSession(r.Context(), hdr)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if _, err := h.codec.readBody(r, hdr, h.maxPayload); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	usn, err := h.media.LastUSN(r.Context(), sess.UserKey)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK,
		dataBody{Data: mediaBeginData{USN: usn, SK: sess.Key}})
}

// mediaChangesRequest asks for log entries after the client's last usn.
type mediaChangesRequest struct {
	LastUSN int64 `json:"lastUsn"`
}

// MediaChanges lists media log entries after the client's usn. The response
// is the bare array; the client cannot handle an envelope or null here.
func (h *Handler) MediaChanges(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req mediaChangesRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	changes, err := h.media.Changes(r.Context(), sess.UserKey, req.LastUSN)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, changes)
}

// mediaUploadData reports what an upload archive changed.
type mediaUploadData struct {
	Processed  int   `json:"processed"`
	CurrentUSN int64 `json:"current_usn"`
}

// MediaUploadChanges applies an upload archive.
func (h *Handler) MediaUploadChanges(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	processed, usn, err := h.media.UploadChanges(r.Context(), sess.UserKey, body)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.sm.RecordMediaFiles("uploaded", processed)
	h.codec.writeJSON(w, hdr, http.StatusOK,
		dataBody{Data: mediaUploadData{Processed: processed, CurrentUSN: usn}})
}

// mediaDownloadRequest names the files the client wants.
type mediaDownloadRequest struct {
	Files []string `json:"files"`
}

// MediaDownloadFiles streams a download archive of the requested files.
func (h *Handler) MediaDownloadFiles(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req mediaDownloadRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	archive, err := h.media.DownloadFiles(r.Context(), sess.UserKey, req.Files)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	h.sm.RecordMediaFiles("downloaded", len(req.Files))
	h.codec.writeRaw(w, hdr, http.StatusOK, "application/octet-stream", archive)
}

// mediaSanityRequest carries the client's live media file count.
type mediaSanityRequest struct {
	Local int64 `json:"local"`
}

// MediaSanity compares file counts after a media sync.
func (h *Handler) MediaSanity(w http.ResponseWriter, r *http.Request) {
	sess, hdr, body, ok := h.authed(w, r)
	if !ok {
		return
	}

	var req mediaSanityRequest
	if err := decodeJSON(body, &req); err != nil {
		h.writeError(w, r, hdr, err)
		return
	}

	status, err := h.media.SanityCheck(r.Context(), sess.UserKey, req.Local)
	if err != nil {
		h.writeError(w, r, hdr, err)
		return
	}
	if status != "OK" {
		logger.Warn("media sanity reported failure", logger.KeyUser, sess.UserKey)
	}
	h.codec.writeJSON(w, hdr, http.StatusOK, dataBody{Data: status})
}
