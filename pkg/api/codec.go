package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// syncHeaderName carries the per-request sync envelope.
const syncHeaderName = "anki-sync"

// syncHeader is the envelope every sync request carries: protocol version,
// session key, client build string, and the client-chosen host identifier.
type syncHeader struct {
	V int    `json:"v"`
	K string `json:"k"`
	C string `json:"c"`
	S string `json:"s"`
}

// compressed reports whether bodies travel zstd-compressed in both
// directions. Implied by the protocol version.
func (h syncHeader) compressed() bool {
	return h.V >= 11
}

// parseSyncHeader decodes the envelope. A missing header yields the zero
// value: no version, no session key, which downstream treats as a discovery
// probe.
func parseSyncHeader(r *http.Request) syncHeader {
	var h syncHeader
	raw := r.Header.Get(syncHeaderName)
	if raw == "" {
		return h
	}
	_ = json.Unmarshal([]byte(raw), &h)
	return h
}

// codec compresses and decompresses request/response bodies. The zstd
// encoder and decoder are stateless in the EncodeAll/DecodeAll form and
// shared across requests.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

// readBody drains the request body within the payload cap and undoes the
// zstd layer when the envelope says so. Bodies may arrive chunked without a
// Content-Length; ReadAll handles both framings.
func (c *codec) readBody(r *http.Request, hdr syncHeader, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, syncerr.BadRequest("reading request body: %v", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, syncerr.BadRequest("request body exceeds the %d byte limit", maxBytes)
	}
	if len(body) == 0 || !hdr.compressed() {
		return body, nil
	}

	plain, err := c.dec.DecodeAll(body, nil)
	if err != nil {
		return nil, syncerr.BadRequest("undecodable request body: %v", err)
	}
	if int64(len(plain)) > maxBytes {
		return nil, syncerr.BadRequest("request body exceeds the %d byte limit", maxBytes)
	}
	return plain, nil
}

// decodeJSON unmarshals a request payload. Numbers decode as json.Number so
// 64-bit IDs survive intact.
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return syncerr.BadRequest("malformed request payload: %v", err)
	}
	return nil
}

// writeRaw sends pre-serialized bytes, compressing and stamping
// original-size when the protocol asks for it.
func (c *codec) writeRaw(w http.ResponseWriter, hdr syncHeader, status int, contentType string, body []byte) {
	if hdr.compressed() {
		w.Header().Set("original-size", strconv.Itoa(len(body)))
		body = c.enc.EncodeAll(body, nil)
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeJSON sends a JSON payload through the codec.
func (c *codec) writeJSON(w http.ResponseWriter, hdr syncHeader, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	c.writeRaw(w, hdr, status, "application/json", body)
}
