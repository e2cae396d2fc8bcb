package keepalive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neveroff/neveroff/internal/config"
	"github.com/neveroff/neveroff/internal/fsutil"
	"github.com/neveroff/neveroff/internal/matcher"
)

// Inspector is a read-only diagnostic view over the persistent data dir.
// It deliberately has no write or delete endpoints: liveness traffic must
// never mutate the volume.
type Inspector struct {
	DataRoot string
	Config   func() *config.Config
}

func (i *Inspector) Routes(r chi.Router) {
	r.Get("/tree", i.handleTree)
	r.Get("/file", i.handleFile)
}

type treeEntry struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	IsDir bool      `json:"isDir"`
	Size  int64     `json:"size"`
	Mod   time.Time `json:"mod"`
}

func (i *Inspector) matcher() matcher.Matcher {
	insp := i.Config().Inspector
	return matcher.New(insp.Include, insp.Exclude)
}

func (i *Inspector) handleTree(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := q.Get("path")
	limit := intFromQuery(q.Get("limit"), 200)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	offset := intFromQuery(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	full, err := fsutil.JoinSecure(i.DataRoot, p)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
		} else {
			http.Error(w, "read dir error", http.StatusInternalServerError)
		}
		return
	}

	m := i.matcher()
	filtered := entries[:0]
	for _, e := range entries {
		rel := path.Join(strings.Trim(p, "/"), e.Name())
		if e.IsDir() || m.Match(rel) {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(a, b int) bool { return filtered[a].Name() < filtered[b].Name() })

	end := offset + limit
	if offset > len(filtered) {
		offset = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}
	out := make([]treeEntry, 0, end-offset)
	for _, e := range filtered[offset:end] {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, treeEntry{
			Name:  e.Name(),
			Path:  path.Join(p, e.Name()),
			IsDir: e.IsDir(),
			Size:  info.Size(),
			Mod:   info.ModTime(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Total-Count", strconv.Itoa(len(filtered)))
	_ = json.NewEncoder(w).Encode(out)
}

func (i *Inspector) handleFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	full, err := fsutil.JoinSecure(i.DataRoot, p)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	if !i.matcher().Match(strings.Trim(path.Clean("/"+p), "/")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat error", http.StatusInternalServerError)
		return
	}
	if fi.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	etag := fmt.Sprintf("\"%x-%x\"", fi.ModTime().UnixNano(), fi.Size())
	w.Header().Set("ETag", etag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if ct := mimeByName(p); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	if rng := r.Header.Get("Range"); rng != "" {
		start, end, ok := parseRange(rng, fi.Size())
		if !ok {
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			http.Error(w, "seek", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, fi.Size()))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.CopyN(w, f, end-start)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// parseRange handles single "bytes=" ranges; end is exclusive.
func parseRange(h string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(h, "bytes=")
	if !found {
		return 0, 0, false
	}
	a, b, found := strings.Cut(spec, "-")
	if !found || (a == "" && b == "") {
		return 0, 0, false
	}
	if a == "" {
		// suffix range: last n bytes
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		// A zero-length suffix (empty file) cannot form a valid Content-Range.
		if n == 0 {
			return 0, 0, false
		}
		return size - n, size, true
	}
	s, err := strconv.ParseInt(a, 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	if b == "" {
		return s, size, true
	}
	e, err := strconv.ParseInt(b, 10, 64)
	if err != nil || e < s {
		return 0, 0, false
	}
	if e >= size {
		e = size - 1
	}
	return s, e + 1, true
}

func mimeByName(name string) string {
	switch path.Ext(name) {
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/x-yaml"
	default:
		return "application/octet-stream"
	}
}

func intFromQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
