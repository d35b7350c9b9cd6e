// Package ingress accepts transcription frames from the upstream speech
// collaborator over a websocket. Each connection is one call: connecting
// starts a session, disconnecting ends it.
//
// Frames are JSON text messages with the shape
//
//	{"text": "...", "speaker": "customer", "is_final": true, "timestamp": ...}
//
// Malformed frames are logged and skipped; the stream is never halted by a
// single bad payload.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/closerlabs/cadence/internal/app"
	"github.com/closerlabs/cadence/internal/transcript"
)

// Server upgrades transcription connections and pumps frames into call
// sessions managed by mgr.
type Server struct {
	mgr *app.Manager
}

// New creates an ingress Server over the session manager.
func New(mgr *app.Manager) *Server {
	return &Server{mgr: mgr}
}

// ServeHTTP handles one transcription connection. The optional "account"
// query parameter selects the pre-call brief.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	session, err := s.mgr.StartCall(r.Context(), account)
	if err != nil {
		if errors.Is(err, app.ErrCallActive) {
			http.Error(w, "a call is already active", http.StatusConflict)
			return
		}
		http.Error(w, "failed to start call", http.StatusInternalServerError)
		return
	}
	defer session.End()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("ingress: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "call ended")

	slog.Info("ingress: transcription stream connected", "account", account)
	s.pump(r.Context(), conn, session)
}

// pump reads frames until the connection drops or ctx is cancelled.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, session *app.Session) {
	for {
		typ, payload, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				slog.Info("ingress: transcription stream closed")
			} else {
				slog.Warn("ingress: transcription stream error", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			slog.Warn("ingress: non-text frame skipped")
			continue
		}

		var frame transcript.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			slog.Warn("ingress: undecodable frame skipped", "error", err)
			continue
		}

		// Ingest logs and drops malformed frames itself.
		_ = session.Ingest(frame)
	}
}
