// Package admin serves the relay's HTTP side door: health, metrics, the canonical document, and websocket peers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/hello-automerge/pkg/frame"
	"github.com/astromechza/hello-automerge/pkg/relay"
	"github.com/astromechza/hello-automerge/pkg/replica"
)

// Relay is the part of the coordinator the admin surface drives.
type Relay interface {
	Connect(ctx context.Context, t frame.Transport) (relay.PeerID, error)
	Edit(ctx context.Context, fn func(doc *automerge.Doc) error) error
	View(ctx context.Context, fn func(doc *automerge.Doc) error) error
	Snapshot(ctx context.Context) ([]byte, error)
	Peers(ctx context.Context) ([]relay.PeerInfo, error)
}

type server struct {
	relay     Relay
	frameOpts []frame.Option
	upgrader  websocket.Upgrader
}

type peerView struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewRouter builds the admin handler. frameOpts apply to every websocket peer.
func NewRouter(r Relay, frameOpts ...frame.Option) http.Handler {
	s := &server{
		relay:     r,
		frameOpts: frameOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	router := mux.NewRouter()
	router.Use(logRequests)

	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	router.Methods(http.MethodGet).Path("/peers").HandlerFunc(s.listPeers)
	router.Methods(http.MethodGet).Path("/document").HandlerFunc(s.getDocument)
	router.Methods(http.MethodGet).Path("/document/contact").HandlerFunc(s.getContact)
	router.Methods(http.MethodPut).Path("/document/contact").HandlerFunc(s.putContact)
	router.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	return router
}

func logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok"))
}

func (s *server) listPeers(writer http.ResponseWriter, request *http.Request) {
	peers, err := s.relay.Peers(request.Context())
	if err != nil {
		writeError(writer, err)
		return
	}
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{ID: p.ID.String(), Addr: p.Addr, ConnectedAt: p.ConnectedAt.UTC()})
	}
	writeJSON(writer, http.StatusOK, out)
}

func (s *server) getDocument(writer http.ResponseWriter, request *http.Request) {
	snap, err := s.relay.Snapshot(request.Context())
	if err != nil {
		writeError(writer, err)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(snap); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getContact(writer http.ResponseWriter, request *http.Request) {
	var contact replica.Contact
	err := s.relay.View(request.Context(), func(doc *automerge.Doc) error {
		var err error
		contact, err = replica.HydrateContact(doc)
		return err
	})
	if errors.Is(err, replica.ErrNoContact) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, contact)
}

func (s *server) putContact(writer http.ResponseWriter, request *http.Request) {
	var contact replica.Contact
	if err := json.NewDecoder(request.Body).Decode(&contact); err != nil {
		http.Error(writer, "invalid contact: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.relay.Edit(request.Context(), func(doc *automerge.Doc) error {
		return replica.ReconcileContact(doc, contact)
	}); err != nil {
		writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) sync(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	id, err := s.relay.Connect(request.Context(), frame.NewWebSocketConn(conn, s.frameOpts...))
	if err != nil {
		slog.Error("failed to register websocket peer", "err", err)
		_ = conn.Close()
		return
	}
	slog.Info("websocket peer registered", "peer", id, "addr", conn.RemoteAddr().String())
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, relay.ErrStopped) {
		status = http.StatusServiceUnavailable
	}
	slog.Error("admin request failed", "err", err)
	http.Error(writer, err.Error(), status)
}
