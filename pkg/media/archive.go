package media

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// Download archive caps: the batch closes when either is reached, and the
// client asks again for the remainder.
const (
	archiveTargetBytes = 2_621_440 // ~2.5MB of file content
	archiveMaxFiles    = 25
)

// Change is one entry of an upload archive. Data nil marks a deletion.
type Change struct {
	Fname string
	Data  []byte
}

// metaEntry is one _meta pair: the archive member and the real file name it
// carries. A deletion has an empty second element, and its first element is
// the name to delete rather than a member.
type metaEntry struct {
	fname  string
	member string
}

// ParseArchive unpacks an upload archive: a zip whose _meta entry lists
// [member, filename] pairs. maxFileBytes bounds each extracted file.
func ParseArchive(data []byte, maxFileBytes int64) ([]Change, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, syncerr.BadRequest("unreadable media archive: %v", err)
	}

	members := make(map[string]*zip.File, len(zr.File))
	var meta []metaEntry
	for _, f := range zr.File {
		if f.Name == "_meta" {
			meta, err = parseMeta(f)
			if err != nil {
				return nil, err
			}
			continue
		}
		members[f.Name] = f
	}
	if meta == nil {
		return nil, syncerr.BadRequest("media archive has no _meta entry")
	}

	changes := make([]Change, 0, len(meta))
	for _, m := range meta {
		if m.member == "" {
			changes = append(changes, Change{Fname: m.fname})
			continue
		}
		f, ok := members[m.member]
		if !ok {
			return nil, syncerr.BadRequest("media archive missing member %q for %q", m.member, m.fname)
		}
		content, err := readMember(f, maxFileBytes)
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Fname: m.fname, Data: content})
	}
	return changes, nil
}

func parseMeta(f *zip.File) ([]metaEntry, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening _meta: %w", err)
	}
	defer rc.Close()

	var raw [][]any
	if err := json.NewDecoder(rc).Decode(&raw); err != nil {
		return nil, syncerr.BadRequest("bad _meta entry: %v", err)
	}

	out := make([]metaEntry, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 1 {
			return nil, syncerr.BadRequest("bad _meta pair")
		}
		first, ok := pair[0].(string)
		if !ok {
			return nil, syncerr.BadRequest("bad _meta entry %v", pair[0])
		}
		var second string
		if len(pair) > 1 && pair[1] != nil {
			if second, ok = pair[1].(string); !ok {
				return nil, syncerr.BadRequest("bad _meta entry for %q", first)
			}
		}
		if second == "" {
			// Deletion: the first element is the file name itself.
			out = append(out, metaEntry{fname: first})
		} else {
			out = append(out, metaEntry{fname: second, member: first})
		}
	}
	return out, nil
}

func readMember(f *zip.File, maxBytes int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening archive member %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading archive member %s: %w", f.Name, err)
	}
	if int64(len(content)) > maxBytes {
		return nil, syncerr.BadRequest("media file in archive exceeds the %d byte limit", maxBytes)
	}
	return content, nil
}

// BuildArchive packages the requested files from the store into a download
// archive, skipping names no longer on disk. Members are named "0", "1", ...
// and listed in _meta as [member, filename] pairs. The batch stops at the
// size and file-count caps; the client requests the rest separately.
func BuildArchive(store *FileStore, names []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	meta := make([][]string, 0, len(names))
	var total int64
	for _, name := range names {
		normalized, err := NormalizeName(name)
		if err != nil {
			return nil, err
		}
		data, err := store.Read(normalized)
		if err != nil {
			// Vanished since the client listed it; the next mediaChanges
			// round will reconcile.
			continue
		}

		member := fmt.Sprintf("%d", len(meta))
		w, err := zw.Create(member)
		if err != nil {
			return nil, fmt.Errorf("creating archive member: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("writing archive member: %w", err)
		}
		meta = append(meta, []string{member, normalized})
		total += int64(len(data))

		if total >= archiveTargetBytes || len(meta) >= archiveMaxFiles {
			break
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	w, err := zw.Create("_meta")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(metaJSON); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing media archive: %w", err)
	}
	return buf.Bytes(), nil
}
