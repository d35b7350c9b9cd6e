// Package sink delivers the merged suggestion stream to connected UIs over
// websockets, interleaved with periodic MEDDIC completion updates.
//
// Each connection gets its own subscription on the aggregator, whose bounded
// drop-oldest channel guarantees a stalled UI can never back-pressure the
// pipeline. Suggestions a slow client misses are simply gone; the live window
// is resent on demand rather than replayed.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/closerlabs/cadence/internal/aggregator"
	"github.com/closerlabs/cadence/internal/callstate"
	"github.com/closerlabs/cadence/internal/observe"
	"github.com/closerlabs/cadence/pkg/coach"
)

// Event is the wire envelope sent to delivery subscribers.
type Event struct {
	// Type is "suggestion", "meddic", or "window".
	Type string `json:"type"`

	// Suggestion is set when Type is "suggestion".
	Suggestion *coach.Suggestion `json:"suggestion,omitempty"`

	// Meddic is set when Type is "meddic".
	Meddic *MeddicUpdate `json:"meddic,omitempty"`

	// Window is set when Type is "window": the live display window, newest
	// first, sent once at connect time.
	Window []coach.Suggestion `json:"window,omitempty"`
}

// MeddicUpdate summarises qualification progress for the UI.
type MeddicUpdate struct {
	// Completion is the percentage of complete fields in [0, 100].
	Completion float64 `json:"completion"`

	// Fields maps each field to whether it is complete.
	Fields map[coach.MeddicField]bool `json:"fields"`
}

// Server fans the suggestion stream out to websocket subscribers.
type Server struct {
	agg     *aggregator.Aggregator
	state   *callstate.State
	metrics *observe.Metrics

	meddicInterval time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithMeddicInterval sets how often MEDDIC updates are pushed. Default: 5s.
func WithMeddicInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.meddicInterval = d
		}
	}
}

// WithMetrics overrides the default metrics instance. Used in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a delivery Server over the call's aggregator and state.
func New(agg *aggregator.Aggregator, state *callstate.State, opts ...Option) *Server {
	s := &Server{
		agg:            agg,
		state:          state,
		meddicInterval: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client disconnects or the aggregator closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The coaching UI runs on a different origin in development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("sink: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ctx := conn.CloseRead(r.Context())

	s.metrics.ActiveSubscribers.Add(ctx, 1)
	defer s.metrics.ActiveSubscribers.Add(context.Background(), -1)

	sub, unsubscribe := s.agg.Subscribe()
	defer unsubscribe()

	// Late joiners get the current display window up front.
	if err := s.write(ctx, conn, Event{Type: "window", Window: s.agg.Live()}); err != nil {
		return
	}

	ticker := time.NewTicker(s.meddicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case sg, ok := <-sub:
			if !ok {
				return
			}
			if err := s.write(ctx, conn, Event{Type: "suggestion", Suggestion: &sg}); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.write(ctx, conn, Event{Type: "meddic", Meddic: s.meddicUpdate()}); err != nil {
				return
			}
		}
	}
}

// write marshals and sends one event.
func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// meddicUpdate snapshots qualification progress.
func (s *Server) meddicUpdate() *MeddicUpdate {
	snap := s.state.Snapshot()
	fields := make(map[coach.MeddicField]bool, len(snap.Meddic))
	for f, fs := range snap.Meddic {
		fields[f] = fs.Complete
	}
	return &MeddicUpdate{
		Completion: s.state.MeddicCompletion(),
		Fields:     fields,
	}
}
