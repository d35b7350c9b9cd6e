package app

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/closerlabs/cadence/internal/brief"
	"github.com/closerlabs/cadence/internal/config"
	"github.com/closerlabs/cadence/internal/observe"
	"github.com/closerlabs/cadence/internal/patterns"
	"github.com/closerlabs/cadence/internal/transcript"
	"github.com/closerlabs/cadence/pkg/coach"
)

// staticBriefStore returns the same brief for every account.
type staticBriefStore struct {
	brief *brief.Brief
	err   error
}

func (s *staticBriefStore) Get(context.Context, string) (*brief.Brief, error) {
	return s.brief, s.err
}

func testManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return NewManager(cfg, patterns.NewMatcher(nil), append(opts, WithMetrics(metrics))...)
}

func TestManager_SingleActiveCall(t *testing.T) {
	m := testManager(t)

	s1, err := m.StartCall(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer s1.End()

	if _, err := m.StartCall(context.Background(), "globex"); !errors.Is(err, ErrCallActive) {
		t.Fatalf("second StartCall: got %v, want ErrCallActive", err)
	}
	if m.Current() != s1 {
		t.Error("Current() does not return the live session")
	}

	s1.End()
	if m.Current() != nil {
		t.Error("Current() not nil after End")
	}

	// The slot frees up for the next call.
	s2, err := m.StartCall(context.Background(), "globex")
	if err != nil {
		t.Fatalf("StartCall after End: %v", err)
	}
	s2.End()
}

func TestSession_EndIdempotent(t *testing.T) {
	m := testManager(t)

	s, err := m.StartCall(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	s.End()
	s.End()
}

func TestSession_IngestFlowsToPipeline(t *testing.T) {
	m := testManager(t)

	s, err := m.StartCall(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer s.End()

	sub, unsub := s.agg.Subscribe()
	defer unsub()

	if err := s.Ingest(transcript.Frame{Text: "how much does this cost?", Speaker: "customer", IsFinal: true}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	select {
	case sg := <-sub:
		if sg.Tier != coach.TierPattern {
			t.Errorf("tier = %d, want 1", sg.Tier)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no suggestion delivered")
	}
}

func TestSession_IngestRejectsMalformed(t *testing.T) {
	m := testManager(t)

	s, err := m.StartCall(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer s.End()

	if err := s.Ingest(transcript.Frame{Text: "   "}); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestStartCall_SeedsFromBrief(t *testing.T) {
	store := &staticBriefStore{brief: &brief.Brief{
		Account: "acme",
		Meddic: map[coach.MeddicField]brief.Field{
			coach.MeddicEconomicBuyer: {Complete: true, Note: "CFO"},
		},
	}}
	m := testManager(t, WithBriefStore(store))

	s, err := m.StartCall(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer s.End()

	snap := s.State().Snapshot()
	if !snap.Meddic[coach.MeddicEconomicBuyer].Complete {
		t.Error("brief seed not applied")
	}
}

func TestStartCall_BriefFailureIsNotFatal(t *testing.T) {
	m := testManager(t, WithBriefStore(&staticBriefStore{err: errors.New("db down")}))

	s, err := m.StartCall(context.Background(), "acme")
	if err != nil {
		t.Fatalf("StartCall with failing brief store: %v", err)
	}
	s.End()
}
