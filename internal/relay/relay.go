// Package relay forwards messages between the two participants of a running
// session. Content accumulates silently until the sender posts the flush
// marker, then the merged text is forwarded to the other participant in one
// message; partial thoughts are never leaked.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/metrics"
	"github.com/OrangeOmy/ContextSwap/internal/session"
	"github.com/OrangeOmy/ContextSwap/internal/store"
)

// Participant roles. Only the seller, the answering party, may terminate a
// session; a buyer termination marker is ignored so a requester cannot
// truncate content mid-delivery.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

const (
	defaultQueueSize = 256
	maxForwardRunes  = 1800
	seenCap          = 8192
)

// Event is one inbound message from the messaging backend.
type Event struct {
	MessageID  string
	ThreadID   string
	SenderID   string
	SenderName string
	Content    string
}

type pendingKey struct {
	transactionID string
	role          string
}

// Relay is a single-consumer forwarder: one goroutine drains the event queue,
// which serializes all buffer mutation and session transitions without a lock.
type Relay struct {
	store        *store.Store
	messenger    session.Messenger
	orchestrator *session.Orchestrator
	recorder     metrics.Recorder
	log          *zap.Logger

	events  chan Event
	seen    map[string]struct{}
	pending map[pendingKey][]string
}

func New(st *store.Store, m session.Messenger, o *session.Orchestrator, rec metrics.Recorder, log *zap.Logger) *Relay {
	return &Relay{
		store:        st,
		messenger:    m,
		orchestrator: o,
		recorder:     rec,
		log:          log,
		events:       make(chan Event, defaultQueueSize),
		seen:         make(map[string]struct{}),
		pending:      make(map[pendingKey][]string),
	}
}

// Enqueue hands an inbound backend event to the consumer. It never blocks the
// backend callback; overflow is counted and logged so stuck consumers are
// visible in monitoring.
func (r *Relay) Enqueue(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.recorder.IncCounter("relay_queue_full", map[string]string{"network": ""})
		r.log.Warn("relay queue full, dropping event",
			zap.String("message_id", ev.MessageID),
			zap.String("thread_id", ev.ThreadID))
	}
}

// Run consumes events until ctx is cancelled. Handler errors are surfaced
// here, never swallowed: a failed forward or teardown is an operational
// signal, not a condition to hide.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			if err := r.handle(ctx, ev); err != nil {
				r.recorder.IncCounter("relay_error", map[string]string{"network": ""})
				r.log.Error("relay event failed",
					zap.String("message_id", ev.MessageID),
					zap.String("thread_id", ev.ThreadID),
					zap.Error(err))
			}
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev Event) error {
	if ev.MessageID != "" {
		if _, dup := r.seen[ev.MessageID]; dup {
			return nil
		}
		if len(r.seen) >= seenCap {
			// Bounded dedup window; backend redelivery is near-in-time.
			r.seen = make(map[string]struct{})
		}
		r.seen[ev.MessageID] = struct{}{}
	}

	if strings.TrimSpace(ev.Content) == "" {
		return nil
	}

	sess, err := r.store.GetRunningSessionByThread(ctx, ev.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	role, target, ok := matchRole(sess, ev)
	if !ok {
		// Spectators are expected, not an error.
		return nil
	}

	key := pendingKey{transactionID: sess.TransactionID, role: role}
	r.pending[key] = append(r.pending[key], ev.Content)

	if !containsMarker(ev.Content, r.orchestrator.FlushMarker()) {
		return nil
	}

	merged := strings.TrimSpace(strings.Join(r.pending[key], "\n\n"))
	delete(r.pending, key)
	body := stripMarker(merged, r.orchestrator.FlushMarker())
	if body == "" {
		return nil
	}

	forward := buildForward(target, role, ev, body)
	if _, err := r.messenger.SendMessage(ctx, sess.ThreadID, forward); err != nil {
		return fmt.Errorf("forward to %s: %w", target, err)
	}
	if err := r.store.IncrementMessageCount(ctx, sess.TransactionID); err != nil {
		return err
	}
	r.recorder.IncCounter("relay_forwarded", map[string]string{"network": ""})

	// Teardown runs only after the final forward completed, and only on the
	// seller's marker.
	if role == RoleSeller && containsMarker(body, r.orchestrator.EndMarker()) {
		if _, err := r.orchestrator.End(ctx, sess.TransactionID, session.EndReasonMarker); err != nil {
			return fmt.Errorf("auto-end session: %w", err)
		}
		r.clearSession(sess.TransactionID)
	}
	return nil
}

func (r *Relay) clearSession(transactionID string) {
	for key := range r.pending {
		if key.transactionID == transactionID {
			delete(r.pending, key)
		}
	}
}

func buildForward(target, role string, ev Event, body string) string {
	sender := ev.SenderName
	if sender == "" {
		sender = ev.SenderID
	}
	return strings.Join([]string{
		"@" + target,
		"",
		fmt.Sprintf("Counterparty (%s:%s) says:", role, sender),
		truncate(body, maxForwardRunes),
		"",
		"Reply directly in this thread.",
	}, "\n")
}

// matchRole resolves the sender to a participant role by identity; unmatched
// senders get ok=false.
func matchRole(sess *store.Session, ev Event) (role, target string, ok bool) {
	participants := decodeParticipants(sess.ParticipantsJSON)
	if participants.Buyer == "" || participants.Seller == "" {
		return "", "", false
	}

	switch {
	case senderIs(ev, participants.Buyer):
		return RoleBuyer, participants.Seller, true
	case senderIs(ev, participants.Seller):
		return RoleSeller, participants.Buyer, true
	default:
		return "", "", false
	}
}

func decodeParticipants(raw string) session.Participants {
	var p session.Participants
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return session.Participants{}
	}
	p.Buyer = normalize(p.Buyer)
	p.Seller = normalize(p.Seller)
	return p
}

func senderIs(ev Event, participant string) bool {
	return participant != "" &&
		(normalize(ev.SenderName) == participant || normalize(ev.SenderID) == participant)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

func containsMarker(text, marker string) bool {
	t := strings.TrimSpace(text)
	m := strings.TrimSpace(marker)
	if t == "" || m == "" {
		return false
	}
	start, _ := foldIndex(t, m)
	return start >= 0
}

func stripMarker(text, marker string) string {
	m := strings.TrimSpace(marker)
	if m == "" {
		return strings.TrimSpace(text)
	}
	out := text
	for {
		start, end := foldIndex(out, m)
		if start < 0 {
			break
		}
		out = out[:start] + out[end:]
	}
	return strings.TrimSpace(out)
}

// foldIndex locates marker in text case-insensitively and returns the byte
// bounds of the match. Matching walks rune by rune: lowercasing can change a
// rune's byte length (the Kelvin sign folds to a one-byte k), so byte indexes
// into a lowered copy must never be applied to the original text.
func foldIndex(text, marker string) (start, end int) {
	runes := []rune(text)
	want := []rune(marker)
	if len(want) == 0 || len(runes) < len(want) {
		return -1, -1
	}

	offsets := make([]int, len(runes)+1)
	for i, r := range runes {
		offsets[i+1] = offsets[i] + utf8.RuneLen(r)
	}

	for i := 0; i+len(want) <= len(runes); i++ {
		match := true
		for j := range want {
			if unicode.ToLower(runes[i+j]) != unicode.ToLower(want[j]) {
				match = false
				break
			}
		}
		if match {
			return offsets[i], offsets[i+len(want)]
		}
	}
	return -1, -1
}

func truncate(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "\n… (truncated)"
}
