package share

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/smpd/internal/mapstore"
	"github.com/prxssh/smpd/internal/smperr"
	"github.com/prxssh/smpd/pkg/zbase32"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func packageBytes(t *testing.T, name string, filler int) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("style.json")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(w, `{"name": %q, "sources": {}}`, name)
	if filler > 0 {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: "tiles/blob", Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(bytes.Repeat([]byte{0x42}, filler)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testKeyID(fill byte) (key [32]byte, id string) {
	for i := range key {
		key[i] = fill
	}
	return key, zbase32.Encode(key[:])
}

// newTestRegistry builds a registry over a store whose custom slot holds a
// valid package, and returns the package bytes for later comparison.
func newTestRegistry(t *testing.T) (*Registry, []byte) {
	t.Helper()

	dir := t.TempDir()
	customPath := filepath.Join(dir, "custom.smp")
	fallbackPath := filepath.Join(dir, "fallback.smp")

	// Larger than one copy chunk so a broken writer fails mid-stream rather
	// than after the final chunk.
	pkg := packageBytes(t, "shared map", 600*1024)
	if err := os.WriteFile(customPath, pkg, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fallbackPath, packageBytes(t, "fb", 0), 0o644); err != nil {
		t.Fatal(err)
	}

	store := mapstore.New(customPath, fallbackPath, testLogger())
	peerURL := func(shareID string) []string {
		return []string{"http://192.0.2.1:4242/mapShares/" + shareID}
	}

	r := NewRegistry(store, peerURL, testLogger())
	t.Cleanup(r.Close)
	return r, pkg
}

func errCode(t *testing.T, err error) smperr.Code {
	t.Helper()

	var se *smperr.Error
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a taxonomy error", err)
	}
	return se.Code
}

func TestCreate(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if st.Status != StatusPending {
		t.Fatalf("status = %q, want pending", st.Status)
	}
	if st.ShareID == "" || st.CreatedAtMs == 0 {
		t.Fatalf("incomplete state: %+v", st)
	}
	if st.MapInfo.Name != "shared map" {
		t.Fatalf("MapInfo.Name = %q", st.MapInfo.Name)
	}
	if len(st.PeerURLs) != 1 || st.PeerURLs[0] != "http://192.0.2.1:4242/mapShares/"+st.ShareID {
		t.Fatalf("PeerURLs = %v", st.PeerURLs)
	}

	if got := len(r.List()); got != 1 {
		t.Fatalf("List() has %d entries, want 1", got)
	}
}

func TestCreate_Errors(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	tests := []struct {
		name     string
		slot     string
		receiver string
		want     smperr.Code
	}{
		{"unknown-slot", "nope", receiverID, smperr.CodeMapNotFound},
		{"default-is-not-a-slot", "default", receiverID, smperr.CodeMapNotFound},
		{"bad-device-id", "custom", "l!nope", smperr.CodeInvalidRequest},
		{"short-device-id", "custom", zbase32.Encode([]byte{1, 2, 3}), smperr.CodeInvalidRequest},
		{"empty-slot", "fallback", receiverID, smperr.CodeMapNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(tc.slot, tc.receiver)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errCode(t, err); got != tc.want {
				t.Fatalf("code = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Cancel(st.ShareID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := r.Get(st.ShareID)
	if got.Status != StatusCanceled {
		t.Fatalf("status = %q", got.Status)
	}

	if err := r.Cancel(st.ShareID); errCode(t, err) != smperr.CodeCancelShareNotCancelable {
		t.Fatalf("second cancel = %v", err)
	}
	if err := r.Cancel("missing"); errCode(t, err) != smperr.CodeMapShareNotFound {
		t.Fatalf("cancel missing = %v", err)
	}
}

func TestDecline(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Decline(st.ShareID, "user_rejected"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	got, _ := r.Get(st.ShareID)
	if got.Status != StatusDeclined || got.Reason != "user_rejected" {
		t.Fatalf("state = %+v", got)
	}

	if err := r.Decline(st.ShareID, "again"); errCode(t, err) != smperr.CodeDeclineShareNotPending {
		t.Fatalf("second decline = %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	r, _ := newTestRegistry(t)
	receiverKey, receiverID := testKeyID(0x11)
	otherKey, _ := testKeyID(0x22)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Authorize(st.ShareID, receiverKey); err != nil {
		t.Fatalf("Authorize matched key: %v", err)
	}
	if err := r.Authorize(st.ShareID, otherKey); errCode(t, err) != smperr.CodeForbidden {
		t.Fatalf("Authorize wrong key = %v", err)
	}
	if err := r.Authorize("missing", receiverKey); errCode(t, err) != smperr.CodeMapShareNotFound {
		t.Fatalf("Authorize missing = %v", err)
	}
}

func TestServeDownload_Completes(t *testing.T) {
	r, pkg := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/mapShares/"+st.ShareID+"/download", nil)

	if err := r.ServeDownload(w, req, st.ShareID); err != nil {
		t.Fatalf("ServeDownload: %v", err)
	}

	resp := w.Result()
	if ct := resp.Header.Get("Content-Type"); ct != PackageContentType {
		t.Fatalf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, pkg) {
		t.Fatal("streamed bytes differ from the package")
	}

	final, _ := r.Get(st.ShareID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.BytesSent != int64(len(pkg)) {
		t.Fatalf("BytesSent = %d, want %d", final.BytesSent, len(pkg))
	}
}

func TestServeDownload_StateConflicts(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	serve := func(id string) error {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/download", nil)
		return r.ServeDownload(w, req, id)
	}

	t.Run("completed", func(t *testing.T) {
		st, _ := r.Create("custom", receiverID)
		if err := serve(st.ShareID); err != nil {
			t.Fatal(err)
		}
		if err := serve(st.ShareID); errCode(t, err) != smperr.CodeDownloadShareNotPending {
			t.Fatalf("second download = %v", err)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		st, _ := r.Create("custom", receiverID)
		_ = r.Cancel(st.ShareID)
		if err := serve(st.ShareID); errCode(t, err) != smperr.CodeDownloadShareCanceled {
			t.Fatalf("download after cancel = %v", err)
		}
	})

	t.Run("declined", func(t *testing.T) {
		st, _ := r.Create("custom", receiverID)
		_ = r.Decline(st.ShareID, "disk_full")
		if err := serve(st.ShareID); errCode(t, err) != smperr.CodeDownloadShareDeclined {
			t.Fatalf("download after decline = %v", err)
		}
	})
}

// brokenWriter fails after the first chunk, simulating a transport drop
// mid-stream.
type brokenWriter struct {
	header http.Header
	wrote  bool
}

func (b *brokenWriter) Header() http.Header { return b.header }
func (b *brokenWriter) WriteHeader(int)     {}
func (b *brokenWriter) Write(p []byte) (int, error) {
	if b.wrote {
		return 0, errors.New("connection reset")
	}
	b.wrote = true
	return len(p), nil
}

func TestServeDownload_DropReconciledAsAbort(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		w := &brokenWriter{header: make(http.Header)}
		req := httptest.NewRequest("GET", "/download", nil)
		done <- r.ServeDownload(w, req, st.ShareID)
	}()

	// The receiver shows up with status polls shortly after the drop; the
	// sender must resolve the broken stream to aborted.
	go func() {
		for i := 0; i < 100; i++ {
			r.NotePeerPoll(st.ShareID)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeDownload: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeDownload did not return")
	}

	final, _ := r.Get(st.ShareID)
	if final.Status != StatusAborted {
		t.Fatalf("status = %q, want aborted", final.Status)
	}
}

func TestServeDownload_DropWithoutPollIsError(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, receiverID := testKeyID(0x11)

	st, err := r.Create("custom", receiverID)
	if err != nil {
		t.Fatal(err)
	}

	w := &brokenWriter{header: make(http.Header)}
	req := httptest.NewRequest("GET", "/download", nil)
	if err := r.ServeDownload(w, req, st.ShareID); err != nil {
		t.Fatalf("ServeDownload: %v", err)
	}

	final, _ := r.Get(st.ShareID)
	if final.Status != StatusError {
		t.Fatalf("status = %q, want error", final.Status)
	}
	if final.Error == nil || final.Error.Code != string(smperr.CodeDownloadError) {
		t.Fatalf("error payload = %+v", final.Error)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, st := range []Status{StatusCompleted, StatusCanceled, StatusDeclined, StatusAborted, StatusError} {
		if !st.Terminal() {
			t.Fatalf("%q should be terminal", st)
		}
	}
	for _, st := range []Status{StatusPending, StatusDownloading} {
		if st.Terminal() {
			t.Fatalf("%q should not be terminal", st)
		}
	}
}
