package server

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/prxssh/smpd/internal/config"
	"github.com/prxssh/smpd/internal/securenet"
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
	fmt.Fprintf(w, `{"name": %q, "sources": {}, "glyphs": "glyphs/{fontstack}/{range}.pbf"}`, name)
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

// node is one device: a running server plus its identity and local base URL.
type node struct {
	kp         config.KeyPair
	deviceID   string
	srv        *Server
	ports      Ports
	customPath string
}

func newNode(t *testing.T) *node {
	t.Helper()

	var kp config.KeyPair
	if _, err := rand.Read(kp.SecretKey[:]); err != nil {
		t.Fatal(err)
	}
	pub, err := curve25519.X25519(kp.SecretKey[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	copy(kp.PublicKey[:], pub)

	dir := t.TempDir()
	customPath := filepath.Join(dir, "custom.smp")
	fallbackPath := filepath.Join(dir, "fallback.smp")
	if err := os.WriteFile(fallbackPath, packageBytes(t, "fallback map", 0), 0o644); err != nil {
		t.Fatal(err)
	}

	srv, err := New(config.Options{
		CustomMapPath:   customPath,
		FallbackMapPath: fallbackPath,
		KeyPair:         kp,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ports, err := srv.Listen(ListenConfig{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	return &node{
		kp:         kp,
		deviceID:   zbase32.Encode(kp.PublicKey[:]),
		srv:        srv,
		ports:      ports,
		customPath: customPath,
	}
}

func (n *node) localURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", n.ports.LocalPort, path)
}

func (n *node) peerShareURL(shareID string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/mapShares/%s", n.ports.RemotePort, shareID)
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func putPackage(t *testing.T, n *node, pkg []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut, n.localURL("/maps/custom"), bytes.NewReader(pkg))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT /maps/custom status = %d", resp.StatusCode)
	}
}

type shareState struct {
	ShareID  string   `json:"shareId"`
	PeerURLs []string `json:"peerUrls"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason"`
	MapInfo  struct {
		EstimatedSizeBytes int64 `json:"estimatedSizeBytes"`
	} `json:"mapInfo"`
}

type downloadState struct {
	DownloadID      string `json:"downloadId"`
	Status          string `json:"status"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	Error           *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func createShare(t *testing.T, sender *node, receiverID string) shareState {
	t.Helper()

	resp, raw := doJSON(t, http.MethodPost, sender.localURL("/mapShares"), map[string]string{
		"slotId":           "custom",
		"receiverDeviceId": receiverID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /mapShares status = %d: %s", resp.StatusCode, raw)
	}

	var st shareState
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func startDownload(t *testing.T, receiver *node, sender *node, shareID string, peerURLs []string, size int64) downloadState {
	t.Helper()

	resp, raw := doJSON(t, http.MethodPost, receiver.localURL("/downloads"), map[string]any{
		"shareId":            shareID,
		"senderDeviceId":     sender.deviceID,
		"peerUrls":           peerURLs,
		"estimatedSizeBytes": size,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /downloads status = %d: %s", resp.StatusCode, raw)
	}

	var st downloadState
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func isTerminal(status string) bool {
	return status != "pending" && status != "downloading"
}

func waitDownloadTerminal(t *testing.T, receiver *node, id string) downloadState {
	t.Helper()

	deadline := time.After(15 * time.Second)
	for {
		_, raw := doJSON(t, http.MethodGet, receiver.localURL("/downloads/"+id), nil)
		var st downloadState
		if err := json.Unmarshal(raw, &st); err != nil {
			t.Fatalf("bad download state %s: %v", raw, err)
		}
		if isTerminal(st.Status) {
			return st
		}

		select {
		case <-deadline:
			t.Fatalf("download stuck in %q", st.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func getShare(t *testing.T, sender *node, id string) shareState {
	t.Helper()

	_, raw := doJSON(t, http.MethodGet, sender.localURL("/mapShares/"+id), nil)
	var st shareState
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("bad share state %s: %v", raw, err)
	}
	return st
}

func TestTransfer_HappyPath(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)

	pkgA := packageBytes(t, "package a", 512*1024)
	putPackage(t, sender, pkgA)
	putPackage(t, receiver, packageBytes(t, "package b", 1024))

	share := createShare(t, sender, receiver.deviceID)
	if share.Status != "pending" {
		t.Fatalf("share status = %q", share.Status)
	}
	if share.MapInfo.EstimatedSizeBytes != int64(len(pkgA)) {
		t.Fatalf("share size = %d, want %d", share.MapInfo.EstimatedSizeBytes, len(pkgA))
	}

	dl := startDownload(t, receiver, sender, share.ShareID,
		[]string{sender.peerShareURL(share.ShareID)}, int64(len(pkgA)))

	final := waitDownloadTerminal(t, receiver, dl.DownloadID)
	if final.Status != "completed" {
		t.Fatalf("download status = %q (%+v)", final.Status, final.Error)
	}
	if final.BytesDownloaded != int64(len(pkgA)) {
		t.Fatalf("bytesDownloaded = %d, want %d", final.BytesDownloaded, len(pkgA))
	}

	if st := getShare(t, sender, share.ShareID); st.Status != "completed" {
		t.Fatalf("share status = %q", st.Status)
	}

	got, err := os.ReadFile(receiver.customPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pkgA) {
		t.Fatal("receiver's custom slot does not hold package A")
	}
}

func TestTransfer_URLFallback(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)

	pkg := packageBytes(t, "package a", 64*1024)
	putPackage(t, sender, pkg)

	share := createShare(t, sender, receiver.deviceID)
	dl := startDownload(t, receiver, sender, share.ShareID, []string{
		"http://127.0.0.1:1/mapShares/" + share.ShareID,
		sender.peerShareURL(share.ShareID),
	}, int64(len(pkg)))

	if final := waitDownloadTerminal(t, receiver, dl.DownloadID); final.Status != "completed" {
		t.Fatalf("download status = %q (%+v)", final.Status, final.Error)
	}
}

func TestTransfer_DeclineFanOut(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)

	putPackage(t, sender, packageBytes(t, "package a", 4096))
	share := createShare(t, sender, receiver.deviceID)

	// The receiver declines on its own loopback surface; the daemon fans the
	// decline out to the sender, who owns the share state.
	resp, raw := doJSON(t, http.MethodPost, receiver.localURL("/mapShares/"+share.ShareID+"/decline"), map[string]any{
		"senderDeviceId": sender.deviceID,
		"peerUrls":       []string{sender.peerShareURL(share.ShareID)},
		"reason":         "user_rejected",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("decline status = %d: %s", resp.StatusCode, raw)
	}

	if st := getShare(t, sender, share.ShareID); st.Status != "declined" || st.Reason != "user_rejected" {
		t.Fatalf("share = %+v", st)
	}

	// A later download attempt is rejected by the sender and lands as a
	// structured terminal error.
	dl := startDownload(t, receiver, sender, share.ShareID,
		[]string{sender.peerShareURL(share.ShareID)}, 0)
	final := waitDownloadTerminal(t, receiver, dl.DownloadID)
	if final.Status != "error" || final.Error == nil || final.Error.Code != "DOWNLOAD_SHARE_DECLINED" {
		t.Fatalf("download = %+v", final)
	}
}

func TestTransfer_CancelBeforeDownload(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)

	putPackage(t, sender, packageBytes(t, "package a", 4096))
	share := createShare(t, sender, receiver.deviceID)

	resp, _ := doJSON(t, http.MethodPost, sender.localURL("/mapShares/"+share.ShareID+"/cancel"), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	dl := startDownload(t, receiver, sender, share.ShareID,
		[]string{sender.peerShareURL(share.ShareID)}, 0)
	final := waitDownloadTerminal(t, receiver, dl.DownloadID)
	if final.Status != "error" || final.Error == nil || final.Error.Code != "DOWNLOAD_SHARE_CANCELED" {
		t.Fatalf("download = %+v", final)
	}
}

func TestPeerAccess_WrongKeyForbidden(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)
	intruder := newNode(t)

	putPackage(t, sender, packageBytes(t, "package a", 4096))
	share := createShare(t, sender, receiver.deviceID)

	d := securenet.NewDialer(intruder.kp.PublicKey, intruder.kp.SecretKey, testLogger())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := d.Get(ctx, sender.peerShareURL(share.ShareID), sender.kp.PublicKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Code != "FORBIDDEN" {
		t.Fatalf("code = %q", envelope.Code)
	}
}

func TestPeerAccess_LoopbackOnlyRoutesRejected(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)

	d := securenet.NewDialer(receiver.kp.PublicKey, receiver.kp.SecretKey, testLogger())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/mapShares", sender.ports.RemotePort)
	resp, err := d.Get(ctx, url, sender.kp.PublicKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("peer request to loopback-only route: status = %d, want 403", resp.StatusCode)
	}
}

func TestMapSurface(t *testing.T) {
	n := newNode(t)
	pkg := packageBytes(t, "my city", 8192)
	putPackage(t, n, pkg)

	t.Run("info", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, n.localURL("/maps/custom/info"), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var info struct {
			SlotID string `json:"slotId"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			t.Fatal(err)
		}
		if info.SlotID != "custom" || info.Name != "my city" {
			t.Fatalf("info = %+v", info)
		}
	})

	t.Run("style-rebased", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, n.localURL("/maps/custom/style.json"), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !bytes.Contains(raw, []byte(n.localURL("/maps/custom/glyphs/"))) {
			t.Fatalf("glyph refs not rebased: %s", raw)
		}
	})

	t.Run("resource", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, n.localURL("/maps/custom/tiles/blob"), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if len(raw) != 8192 {
			t.Fatalf("resource length = %d", len(raw))
		}
	})

	t.Run("resource-not-found", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, n.localURL("/maps/custom/tiles/none"), nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !bytes.Contains(raw, []byte("RESOURCE_NOT_FOUND")) {
			t.Fatalf("body = %s", raw)
		}
	})

	t.Run("unknown-slot", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, n.localURL("/maps/bogus/info"), nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !bytes.Contains(raw, []byte("MAP_NOT_FOUND")) {
			t.Fatalf("body = %s", raw)
		}
	})

	t.Run("put-fallback-forbidden", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, n.localURL("/maps/fallback"), bytes.NewReader(pkg))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("put-invalid-body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, n.localURL("/maps/custom"), strings.NewReader("junk"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !bytes.Contains(raw, []byte("INVALID_MAP_FILE")) {
			t.Fatalf("body = %s", raw)
		}
	})

	t.Run("cors", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, n.localURL("/maps/custom/info"), nil)
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("Access-Control-Allow-Origin = %q", got)
		}
	})
}

func TestDefaultStyle_FallbackChain(t *testing.T) {
	n := newNode(t)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	redirectTarget := func() (int, string) {
		resp, err := client.Get(n.localURL("/maps/default/style.json"))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, resp.Header.Get("Location")
	}

	// Custom slot empty, no online URL configured: fallback wins.
	status, loc := redirectTarget()
	if status != http.StatusFound || loc != "/maps/fallback/style.json" {
		t.Fatalf("redirect = %d %q, want fallback", status, loc)
	}

	// With a custom package installed it takes precedence.
	putPackage(t, n, packageBytes(t, "custom", 1024))
	status, loc = redirectTarget()
	if status != http.StatusFound || loc != "/maps/custom/style.json" {
		t.Fatalf("redirect = %d %q, want custom", status, loc)
	}

	// Deleting the custom package restores the fallback.
	req, _ := http.NewRequest(http.MethodDelete, n.localURL("/maps/custom"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	status, loc = redirectTarget()
	if status != http.StatusFound || loc != "/maps/fallback/style.json" {
		t.Fatalf("redirect after delete = %d %q, want fallback", status, loc)
	}
}

func TestShareEvents_SnapshotFirst(t *testing.T) {
	sender := newNode(t)
	receiver := newNode(t)

	putPackage(t, sender, packageBytes(t, "package a", 1024))
	share := createShare(t, sender, receiver.deviceID)

	resp, err := http.Get(sender.localURL("/mapShares/" + share.ShareID + "/events"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"pending"`) {
		t.Fatalf("first SSE line = %q, want pending snapshot", line)
	}
}

func TestListen_Rebind(t *testing.T) {
	n := newNode(t)

	ports, err := n.srv.Listen(ListenConfig{})
	if err != nil {
		t.Fatalf("re-Listen: %v", err)
	}
	n.ports = ports

	resp, _ := doJSON(t, http.MethodGet, n.localURL("/mapShares"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after rebind = %d", resp.StatusCode)
	}
}
