package secpipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/decisiongate/internal/canon"
	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

func newChainBrokenError(eventID string) error {
	return dgerr.NewInternal("audit chain broken at event " + eventID)
}

// AuditEvent is a single pipeline audit record — one per Run call,
// regardless of outcome. Grounded on internal/controlplane/audit's
// Event shape, narrowed to the fields the pipeline itself observes.
type AuditEvent struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Transport     Transport `json:"transport"`
	Method        string    `json:"method"`
	Principal     string    `json:"principal,omitempty"`
	Tenant        string    `json:"tenant,omitempty"`
	Namespace     string    `json:"namespace,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason,omitempty"`

	// PrevHash and Hash chain this event to the one before it when the
	// sink is configured to hash-link; both are empty for sinks that
	// don't chain.
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// AuditSink implements pipeline step 10: every Run outcome, allowed or
// denied, is emitted exactly once before Run returns.
type AuditSink interface {
	Emit(evt AuditEvent)
}

// MemoryAuditSink is an append-only in-process audit log. Grounded on
// internal/controlplane/audit.Log's mutex-guarded slice with optional
// ring-buffer eviction; when Chained is set it additionally links each
// event to its predecessor via a SHA-256 digest over the event's
// canonical form plus the previous event's hash, following the
// control-plane audit log's hash-chained append-only design,
// generalized here from command/approval events to pipeline decisions.
type MemoryAuditSink struct {
	mu      sync.Mutex
	events  []AuditEvent
	maxLen  int
	chained bool
	lastHash string
}

// NewMemoryAuditSink builds a sink. maxLen=0 means unbounded; chained
// enables hash-linking.
func NewMemoryAuditSink(maxLen int, chained bool) *MemoryAuditSink {
	return &MemoryAuditSink{maxLen: maxLen, chained: chained}
}

func (s *MemoryAuditSink) Emit(evt AuditEvent) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chained {
		evt.PrevHash = s.lastHash
		// Hash over the event with its own Hash field still empty so the
		// digest is reproducible from the persisted record alone.
		digest, err := canon.Hash(evt)
		if err == nil {
			evt.Hash = digest.String()
			s.lastHash = evt.Hash
		}
	}

	s.events = append(s.events, evt)
	if s.maxLen > 0 && len(s.events) > s.maxLen {
		s.events = s.events[len(s.events)-s.maxLen:]
	}
}

// Events returns a snapshot of every retained event, oldest first.
func (s *MemoryAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// VerifyChain checks that every retained event's Hash matches the
// recomputed digest and that PrevHash links correctly to its
// predecessor. It is a no-op success on a sink that was never chained.
func (s *MemoryAuditSink) VerifyChain() error {
	s.mu.Lock()
	events := make([]AuditEvent, len(s.events))
	copy(events, s.events)
	s.mu.Unlock()

	prev := ""
	for _, evt := range events {
		if evt.Hash == "" {
			prev = ""
			continue
		}
		if evt.PrevHash != prev {
			return newChainBrokenError(evt.ID)
		}
		want := evt.Hash
		evt.Hash = ""
		digest, err := canon.Hash(evt)
		if err != nil {
			return err
		}
		if digest.String() != want {
			return newChainBrokenError(evt.ID)
		}
		prev = want
	}
	return nil
}

// NoopAuditSink discards every event. Only appropriate where audit is
// handled out-of-process (e.g. forwarded at the transport layer);
// production pipelines should prefer MemoryAuditSink or an external
// sink.
type NoopAuditSink struct{}

func (NoopAuditSink) Emit(evt AuditEvent) {}
