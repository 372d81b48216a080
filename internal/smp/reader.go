// Package smp reads zip-packaged offline maps ("styled map packages").
//
// A package is a zip archive with a MapLibre style document at `style.json`
// and its resources under `tiles/`, `glyphs/` and `sprites/`. Resource
// entries are stored uncompressed; tile entries may themselves hold gzip
// bytes, which are served verbatim with `Content-Encoding: gzip`.
package smp

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const styleEntry = "style.json"

var (
	ErrInvalidPackage     = errors.New("smp: not a valid map package")
	ErrResourceNotFound   = errors.New("smp: resource not found")
	ErrReaderClosed       = errors.New("smp: reader is closed")
	ErrStyleNotRenderable = errors.New("smp: style document is not an object")
)

// Reader is an open package. It is shared by concurrent requests and
// reference counted so an atomic slot swap can retire it without cutting off
// in-flight streams.
type Reader struct {
	log   *slog.Logger
	path  string
	f     *os.File
	zr    *zip.Reader
	files map[string]*zip.File
	style []byte
	meta  Metadata
	mtime time.Time

	mu     sync.Mutex
	refs   int
	closed bool
}

// Metadata is the style-derived projection used to build MapInfo.
type Metadata struct {
	Name    string
	Bounds  [4]float64
	MinZoom int
	MaxZoom int
}

// worldBounds is the Web-Mercator-safe whole world, used when no source
// declares bounds.
var worldBounds = [4]float64{-180, -85.0511, 180, 85.0511}

// Open opens and structurally validates the package at p.
func Open(p string, log *slog.Logger) (*Reader, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}

	r := &Reader{
		log:   log.With("src", "smp", "path", filepath.Base(p)),
		path:  p,
		f:     f,
		zr:    zr,
		files: make(map[string]*zip.File, len(zr.File)),
		mtime: st.ModTime(),
		refs:  1,
	}
	for _, zf := range zr.File {
		r.files[path.Clean(zf.Name)] = zf
	}

	style, ok := r.files[styleEntry]
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPackage, styleEntry)
	}

	raw, err := readEntry(style)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	r.style = raw

	meta, err := extractMetadata(raw)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if meta.Name == "" {
		meta.Name = stem(p)
	}
	r.meta = meta

	r.log.Debug("package opened", "entries", len(r.files), "name", meta.Name)
	return r, nil
}

// Validate opens the package at p just to check its structure.
func Validate(p string, log *slog.Logger) error {
	r, err := Open(p, log)
	if err != nil {
		return err
	}
	r.Release()
	return nil
}

// Acquire takes an extra reference for the duration of a request or stream.
// It fails once Release has retired the reader.
func (r *Reader) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.refs == 0 {
		return ErrReaderClosed
	}
	r.refs++
	return nil
}

// Release drops a reference; the underlying file closes when the initial
// reference and all acquired ones are gone.
func (r *Reader) Release() {
	r.mu.Lock()
	r.refs--
	done := r.refs == 0
	if done {
		r.closed = true
	}
	r.mu.Unlock()

	if done {
		if err := r.f.Close(); err != nil {
			r.log.Warn("close package failed", "error", err.Error())
		}
	}
}

// Metadata returns the style-derived projection.
func (r *Reader) Metadata() Metadata { return r.meta }

// Path returns the package file path the reader was opened from.
func (r *Reader) Path() string { return r.path }

// Style renders the style document with tile, glyph and sprite references
// rebased onto baseURL.
func (r *Reader) Style(baseURL string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(r.style, &doc); err != nil {
		return nil, ErrStyleNotRenderable
	}

	base := strings.TrimRight(baseURL, "/")
	rebase := func(ref string) string {
		if ref == "" || strings.Contains(ref, "://") {
			return ref
		}
		return base + "/" + strings.TrimLeft(ref, "/")
	}

	if sources, ok := doc["sources"].(map[string]any); ok {
		for _, s := range sources {
			src, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if tiles, ok := src["tiles"].([]any); ok {
				for i, t := range tiles {
					if ref, ok := t.(string); ok {
						tiles[i] = rebase(ref)
					}
				}
			}
			if ref, ok := src["url"].(string); ok {
				src["url"] = rebase(ref)
			}
		}
	}
	if ref, ok := doc["glyphs"].(string); ok {
		doc["glyphs"] = rebase(ref)
	}
	if ref, ok := doc["sprite"].(string); ok {
		doc["sprite"] = rebase(ref)
	}

	return json.Marshal(doc)
}

// ServeResource writes the package entry at rel (for example
// "tiles/4/8/5.pbf") honoring range requests. Unknown entries yield
// ErrResourceNotFound.
func (r *Reader) ServeResource(w http.ResponseWriter, req *http.Request, rel string) error {
	zf, ok := r.files[path.Clean(strings.TrimLeft(rel, "/"))]
	if !ok || strings.HasSuffix(zf.Name, "/") {
		return ErrResourceNotFound
	}

	if ct := contentTypeFor(zf.Name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	// Stored entries are served straight off the archive file so range
	// reads never buffer the whole resource.
	if zf.Method == zip.Store {
		off, err := zf.DataOffset()
		if err != nil {
			return err
		}
		sr := io.NewSectionReader(r.f, off, int64(zf.UncompressedSize64))
		if isGzip(sr) {
			w.Header().Set("Content-Encoding", "gzip")
		}
		http.ServeContent(w, req, zf.Name, r.mtime, sr)
		return nil
	}

	raw, err := readEntry(zf)
	if err != nil {
		return err
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		w.Header().Set("Content-Encoding", "gzip")
	}
	http.ServeContent(w, req, zf.Name, r.mtime, bytes.NewReader(raw))
	return nil
}

func isGzip(sr *io.SectionReader) bool {
	var magic [2]byte
	if _, err := sr.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return magic[0] == 0x1f && magic[1] == 0x8b
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

func contentTypeFor(name string) string {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".json":
		return "application/json"
	case ".pbf", ".mvt":
		return "application/x-protobuf"
	default:
		return mime.TypeByExtension(ext)
	}
}

func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// extractMetadata pulls name, the union of per-source bounds, and the overall
// zoom range out of a raw style document. Sources that stay silent fall back
// to the whole world and zoom 0..22.
func extractMetadata(raw []byte) (Metadata, error) {
	var doc struct {
		Name    string `json:"name"`
		Sources map[string]struct {
			Bounds  []float64 `json:"bounds"`
			MinZoom *int      `json:"minzoom"`
			MaxZoom *int      `json:"maxzoom"`
		} `json:"sources"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}

	meta := Metadata{Name: doc.Name, Bounds: worldBounds, MinZoom: 0, MaxZoom: 22}

	var (
		union      [4]float64
		haveBounds bool
		minzoom    *int
		maxzoom    *int
	)
	for _, src := range doc.Sources {
		if len(src.Bounds) == 4 {
			if !haveBounds {
				copy(union[:], src.Bounds)
				haveBounds = true
			} else {
				union[0] = min(union[0], src.Bounds[0])
				union[1] = min(union[1], src.Bounds[1])
				union[2] = max(union[2], src.Bounds[2])
				union[3] = max(union[3], src.Bounds[3])
			}
		}
		if src.MinZoom != nil && (minzoom == nil || *src.MinZoom < *minzoom) {
			minzoom = src.MinZoom
		}
		if src.MaxZoom != nil && (maxzoom == nil || *src.MaxZoom > *maxzoom) {
			maxzoom = src.MaxZoom
		}
	}

	if haveBounds {
		meta.Bounds = union
	}
	if minzoom != nil {
		meta.MinZoom = *minzoom
	}
	if maxzoom != nil {
		meta.MaxZoom = *maxzoom
	}

	return meta, nil
}
