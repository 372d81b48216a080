package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/prxssh/smpd/internal/download"
	"github.com/prxssh/smpd/internal/eventbus"
	"github.com/prxssh/smpd/internal/mapstore"
	"github.com/prxssh/smpd/internal/securenet"
	"github.com/prxssh/smpd/internal/smp"
	"github.com/prxssh/smpd/internal/smperr"
)

const maxJSONBody = 64 * 1024

func (s *Server) buildHandler() http.Handler {
	rt := httprouter.New()

	rt.GET("/maps/:slot/*resource", s.handleMapResource)
	rt.PUT("/maps/:slot", s.handleMapUpload)
	rt.DELETE("/maps/:slot", s.handleMapDelete)

	rt.POST("/mapShares", s.handleShareCreate)
	rt.GET("/mapShares", s.handleShareList)
	rt.GET("/mapShares/:id", s.handleShareGet)
	rt.GET("/mapShares/:id/events", s.handleShareEvents)
	rt.POST("/mapShares/:id/cancel", s.handleShareCancel)
	rt.POST("/mapShares/:id/decline", s.handleShareDecline)
	rt.GET("/mapShares/:id/download", s.handleShareDownload)

	rt.POST("/downloads", s.handleDownloadCreate)
	rt.GET("/downloads", s.handleDownloadList)
	rt.GET("/downloads/:id", s.handleDownloadGet)
	rt.GET("/downloads/:id/events", s.handleDownloadEvents)
	rt.POST("/downloads/:id/abort", s.handleDownloadAbort)

	rt.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		smperr.Write(w, smperr.New(smperr.CodeResourceNotFound, "no such route"))
	})
	rt.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.log.Error("handler panic", "path", r.URL.Path, "panic", v)
		smperr.Write(w, smperr.New(smperr.CodeInternal, "internal error"))
	}

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(rt)
}

func requestOrigin(r *http.Request) origin {
	if o, ok := r.Context().Value(ctxKeyOrigin).(origin); ok {
		return o
	}
	return originPeer
}

// requireLoopback gates routes only the host application may call.
func (s *Server) requireLoopback(w http.ResponseWriter, r *http.Request) bool {
	if requestOrigin(r) != originLoopback {
		smperr.Write(w, smperr.New(smperr.CodeForbidden, ""))
		return false
	}
	return true
}

func peerKey(r *http.Request) ([securenet.KeySize]byte, bool) {
	conn, ok := r.Context().Value(ctxKeyConn).(net.Conn)
	if !ok {
		var zero [securenet.KeySize]byte
		return zero, false
	}
	return securenet.PeerKeyOf(conn)
}

// authorizePeer admits the request only when its transport-authenticated key
// is the share's bound receiver key.
func (s *Server) authorizePeer(w http.ResponseWriter, r *http.Request, shareID string) bool {
	key, ok := peerKey(r)
	if !ok {
		smperr.Write(w, smperr.New(smperr.CodeForbidden, ""))
		return false
	}
	if err := s.shares.Authorize(shareID, key); err != nil {
		smperr.Write(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		smperr.Write(w, smperr.New(smperr.CodeInternal, "internal error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		return smperr.New(smperr.CodeInvalidRequest, "request body is not valid JSON")
	}
	return nil
}

// writeStoreErr maps store and package errors onto the wire taxonomy.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mapstore.ErrSlotEmpty), errors.Is(err, mapstore.ErrUnknownSlot):
		smperr.Write(w, smperr.New(smperr.CodeMapNotFound, "no map in slot"))
	case errors.Is(err, mapstore.ErrReadOnlySlot):
		smperr.Write(w, smperr.New(smperr.CodeForbidden, "slot is read-only"))
	case errors.Is(err, smp.ErrInvalidPackage):
		smperr.Write(w, smperr.New(smperr.CodeInvalidMapFile, "not a valid map package"))
	default:
		smperr.Write(w, err)
	}
}

// ---- map resource surface ----

func (s *Server) handleMapResource(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}

	slotID := ps.ByName("slot")
	resource := strings.Trim(ps.ByName("resource"), "/")

	if slotID == "default" {
		if resource == "style.json" {
			s.serveDefaultStyle(w, r)
			return
		}
		smperr.Write(w, smperr.New(smperr.CodeMapNotFound, "unknown map slot"))
		return
	}

	slot, ok := mapstore.ParseSlot(slotID)
	if !ok {
		smperr.Write(w, smperr.New(smperr.CodeMapNotFound, "unknown map slot"))
		return
	}

	if resource == "info" {
		info, err := s.store.Info(slot)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	reader, release, err := s.store.AcquireReader(slot)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	defer release()

	if resource == "style.json" {
		doc, err := reader.Style(s.mapBaseURL(slotID))
		if err != nil {
			smperr.Write(w, smperr.New(smperr.CodeResourceNotFound, "style document unavailable"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
		return
	}

	if err := reader.ServeResource(w, r, resource); err != nil {
		if errors.Is(err, smp.ErrResourceNotFound) {
			smperr.Write(w, smperr.New(smperr.CodeResourceNotFound, "no such resource in package"))
			return
		}
		writeStoreErr(w, err)
	}
}

// serveDefaultStyle picks the first working style among custom, the
// configured online URL, and the bundled fallback, and redirects to it.
func (s *Server) serveDefaultStyle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")

	if s.probeLocalStyle("custom", mapstore.SlotCustom) {
		http.Redirect(w, r, "/maps/custom/style.json", http.StatusFound)
		return
	}
	if s.opts.DefaultOnlineStyleURL != "" && s.probeOnlineStyle(r) {
		http.Redirect(w, r, s.opts.DefaultOnlineStyleURL, http.StatusFound)
		return
	}
	if s.probeLocalStyle("fallback", mapstore.SlotFallback) {
		http.Redirect(w, r, "/maps/fallback/style.json", http.StatusFound)
		return
	}

	smperr.Write(w, smperr.New(smperr.CodeMapNotFound, "no style available"))
}

func (s *Server) probeLocalStyle(slotID string, slot mapstore.Slot) bool {
	reader, release, err := s.store.AcquireReader(slot)
	if err != nil {
		return false
	}
	defer release()

	_, err = reader.Style(s.mapBaseURL(slotID))
	return err == nil
}

func (s *Server) probeOnlineStyle(r *http.Request) bool {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.opts.DefaultOnlineStyleURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJSONBody))
	return resp.StatusCode == http.StatusOK
}

func (s *Server) handleMapUpload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}

	slotID := ps.ByName("slot")
	if slotID == "default" {
		smperr.Write(w, smperr.New(smperr.CodeForbidden, "slot is read-only"))
		return
	}
	slot, ok := mapstore.ParseSlot(slotID)
	if !ok {
		smperr.Write(w, smperr.New(smperr.CodeMapNotFound, "unknown map slot"))
		return
	}

	sink, err := s.store.OpenWrite(slot)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	n, err := io.Copy(sink, r.Body)
	if err != nil || n == 0 {
		sink.Abort()
		smperr.Write(w, smperr.New(smperr.CodeInvalidMapFile, "empty or unreadable map package"))
		return
	}

	if err := sink.Close(); err != nil {
		if errors.Is(err, smp.ErrInvalidPackage) {
			smperr.Write(w, smperr.New(smperr.CodeInvalidMapFile, "not a valid map package"))
			return
		}
		smperr.Write(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMapDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}

	slotID := ps.ByName("slot")
	if slotID == "default" {
		smperr.Write(w, smperr.New(smperr.CodeForbidden, "slot is read-only"))
		return
	}
	slot, ok := mapstore.ParseSlot(slotID)
	if !ok {
		smperr.Write(w, smperr.New(smperr.CodeMapNotFound, "unknown map slot"))
		return
	}

	if err := s.store.Delete(slot); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- map share surface (sender) ----

func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}

	var body struct {
		SlotID           string `json:"slotId"`
		ReceiverDeviceID string `json:"receiverDeviceId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		smperr.Write(w, err)
		return
	}
	if body.SlotID == "" || body.ReceiverDeviceID == "" {
		smperr.Write(w, smperr.New(smperr.CodeInvalidRequest, "slotId and receiverDeviceId are required"))
		return
	}

	st, err := s.shares.Create(body.SlotID, body.ReceiverDeviceID)
	if err != nil {
		smperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.shares.List())
}

// handleShareGet serves both the loopback introspection view and the
// authorized receiver's status poll. A peer poll doubles as the abort signal
// the sender waits for after a broken stream.
func (s *Server) handleShareGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	if requestOrigin(r) == originPeer {
		if !s.authorizePeer(w, r, id) {
			return
		}
		s.shares.NotePeerPoll(id)
	}

	st, err := s.shares.Get(id)
	if err != nil {
		smperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleShareEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	bus, err := s.shares.Bus(ps.ByName("id"))
	if err != nil {
		smperr.Write(w, err)
		return
	}
	eventbus.ServeSSE(w, r, bus)
}

func (s *Server) handleShareCancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	if err := s.shares.Cancel(ps.ByName("id")); err != nil {
		smperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShareDecline is two routes in one path. From a peer it is the
// sender-side terminal decline; from loopback it is the receiver-side fan-out
// of a decline to the sender's peer URLs, since the sender owns share state.
func (s *Server) handleShareDecline(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	if requestOrigin(r) == originPeer {
		if !s.authorizePeer(w, r, id) {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			smperr.Write(w, err)
			return
		}
		if err := s.shares.Decline(id, body.Reason); err != nil {
			smperr.Write(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var body struct {
		SenderDeviceID string   `json:"senderDeviceId"`
		PeerURLs       []string `json:"peerUrls"`
		Reason         string   `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		smperr.Write(w, err)
		return
	}

	offer := download.Offer{
		ShareID:        id,
		SenderDeviceID: body.SenderDeviceID,
		PeerURLs:       body.PeerURLs,
	}
	if err := s.downloads.Decline(offer, body.Reason); err != nil {
		smperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if requestOrigin(r) != originPeer {
		smperr.Write(w, smperr.New(smperr.CodeForbidden, ""))
		return
	}

	id := ps.ByName("id")
	if !s.authorizePeer(w, r, id) {
		return
	}

	if err := s.shares.ServeDownload(w, r, id); err != nil {
		smperr.Write(w, err)
	}
}

// ---- download surface (receiver) ----

func (s *Server) handleDownloadCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}

	var offer download.Offer
	if err := decodeJSON(r, &offer); err != nil {
		smperr.Write(w, err)
		return
	}

	st, err := s.downloads.Create(offer)
	if err != nil {
		smperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleDownloadList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.downloads.List())
}

func (s *Server) handleDownloadGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	st, err := s.downloads.Get(ps.ByName("id"))
	if err != nil {
		smperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDownloadEvents(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	bus, err := s.downloads.Bus(ps.ByName("id"))
	if err != nil {
		smperr.Write(w, err)
		return
	}
	eventbus.ServeSSE(w, r, bus)
}

func (s *Server) handleDownloadAbort(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.requireLoopback(w, r) {
		return
	}
	if err := s.downloads.Abort(ps.ByName("id")); err != nil {
		smperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
