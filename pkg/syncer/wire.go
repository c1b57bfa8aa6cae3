package syncer

import (
	"strconv"
	"strings"

	"github.com/marmos91/syncdeck/pkg/collection/schema"
)

// MetaRequest is the handshake payload. mod/usn/scm/ts describe the client's
// local state; cv is the client build string.
type MetaRequest struct {
	V   int    `json:"v"`
	CV  string `json:"cv"`
	Mod int64  `json:"mod,omitempty"`
	USN int64  `json:"usn,omitempty"`
	SCM int64  `json:"scm,omitempty"`
	TS  int64  `json:"ts,omitempty"`
}

// MetaResponse describes the server state. cont=false refuses incremental
// sync; msg carries the human-readable reason.
type MetaResponse struct {
	Mod     int64  `json:"mod"`
	SCM     int64  `json:"scm"`
	USN     int64  `json:"usn"`
	TS      int64  `json:"ts"`
	MUSN    int64  `json:"musn"`
	Uname   string `json:"uname"`
	Msg     string `json:"msg"`
	Cont    bool   `json:"cont"`
	Empty   bool   `json:"empty"`
	HostNum int    `json:"hostNum"`
}

// StartRequest opens a sync transaction. minUsn is the last server usn the
// client has seen; lnewer reports whether the client's collection was
// modified more recently than the server's.
type StartRequest struct {
	MinUSN int64          `json:"minUsn"`
	MaxUSN int64          `json:"maxUsn"`
	LNewer bool           `json:"lnewer"`
	Graves *schema.Graves `json:"graves,omitempty"`
}

// ApplyGravesRequest carries one batch of client-side deletions.
type ApplyGravesRequest struct {
	Chunk schema.Graves `json:"chunk"`
}

// Changes is the small-object bundle exchanged by applyChanges. Tables holds
// row tuples keyed by table name (notetypes, fields, templates, decks,
// deck_config, tags, config); crt and the colJson blobs travel only from the
// newer side. colJson carries the whole legacy JSON columns for collections
// that predate row-form small objects.
type Changes struct {
	Tables  map[string][]schema.Row `json:"tables,omitempty"`
	Crt     int64                   `json:"crt,omitempty"`
	ColJSON map[string]string       `json:"colJson,omitempty"`
}

// ApplyChangesRequest wraps the client's bundle.
type ApplyChangesRequest struct {
	Changes Changes `json:"changes"`
}

// Chunk is one batch of large-table rows. The exchange ends when both sides
// have sent done=true.
type Chunk struct {
	Done   bool                    `json:"done"`
	Tables map[string][]schema.Row `json:"tables,omitempty"`
}

// SanityRequest carries the client's count vector.
type SanityRequest struct {
	Client []any `json:"client"`
}

// SanityResponse reports "ok", or "bad" with both vectors for diagnosis.
type SanityResponse struct {
	Status string `json:"status"`
	Client []any  `json:"c,omitempty"`
	Server []any  `json:"s,omitempty"`
}

// FinishResponse returns the server-chosen collection mod time (ms).
type FinishResponse struct {
	Mod int64 `json:"mod"`
}

// minDesktopVersion is the oldest desktop build speaking protocol 11.
var minDesktopVersion = []int{2, 1, 57}

// obsoleteClient reports whether the cv string identifies a client too old to
// sync. cv has the form "name,version,platform"; only desktop builds carry a
// comparable version.
func obsoleteClient(cv string) bool {
	parts := strings.SplitN(cv, ",", 3)
	if len(parts) < 2 || parts[0] != "ankidesktop" {
		return false
	}
	version := parts[1]
	if i := strings.IndexByte(version, ' '); i >= 0 {
		version = version[:i]
	}
	return compareVersion(version, minDesktopVersion) < 0
}

// compareVersion compares a dotted version string against the reference,
// ignoring non-numeric suffixes ("2.1.57beta1" compares as 2.1.57).
func compareVersion(version string, ref []int) int {
	segs := strings.Split(version, ".")
	for i, want := range ref {
		got := 0
		if i < len(segs) {
			got = leadingInt(segs[i])
		}
		if got != want {
			if got < want {
				return -1
			}
			return 1
		}
	}
	return 0
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
