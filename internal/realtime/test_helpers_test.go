package realtime

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

type recordingPeer struct {
	id string

	mu        sync.Mutex
	envelopes []Envelope
	closed    []string
}

func newRecordingPeer(id string) *recordingPeer {
	return &recordingPeer{id: id}
}

func (p *recordingPeer) ID() string {
	return p.id
}

func (p *recordingPeer) Send(envelope Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
	return true
}

func (p *recordingPeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, reason)
}

func (p *recordingPeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.envelopes))
	for _, envelope := range p.envelopes {
		names = append(names, envelope.Event)
	}
	return names
}

func (p *recordingPeer) received(event string) []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matches []Envelope
	for _, envelope := range p.envelopes {
		if envelope.Event == event {
			matches = append(matches, envelope)
		}
	}
	return matches
}

func (p *recordingPeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return "notification-" + strconv.Itoa(s.next), nil
}

// emitted captures envelopes handed to an emitFunc, keyed by connection id.
type emitted map[string][]Envelope

func (e emitted) emit(connectionIDs []string, envelope Envelope) {
	for _, id := range connectionIDs {
		e[id] = append(e[id], envelope)
	}
}

func (e emitted) events(connectionID string) []string {
	names := make([]string, 0, len(e[connectionID]))
	for _, envelope := range e[connectionID] {
		names = append(names, envelope.Event)
	}
	return names
}

func newTestHub(t *testing.T, clock *manualClock) *Hub {
	t.Helper()
	return NewHub(HubConfig{
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
}

func connectPeer(t *testing.T, hub *Hub, connectionID, userID string) *recordingPeer {
	t.Helper()
	peer := newRecordingPeer(connectionID)
	err := hub.Connect(t.Context(), Identity{
		ConnectionID: connectionID,
		UserID:       userID,
		DisplayName:  "User " + userID,
		Email:        userID + "@example.com",
	}, peer)
	if err != nil {
		t.Fatalf("connect %s failed: %v", connectionID, err)
	}
	return peer
}

func containsEvent(events []string, event string) bool {
	for _, candidate := range events {
		if candidate == event {
			return true
		}
	}
	return false
}
