// Package session creates, resumes and ends conversation sessions in the
// messaging backend, one per paid transaction.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/metrics"
	"github.com/OrangeOmy/ContextSwap/internal/store"
)

// Default in-message markers. The flush marker asks the relay to forward the
// sender's accumulated content; the termination marker, honored only from the
// seller participant, ends the session after the final forward.
const (
	DefaultFlushMarker = "[READY_TO_FORWARD]"
	DefaultEndMarker   = "[END_OF_REPORT]"
)

// EndReasonMarker is recorded when the relay ends a session on the
// termination marker.
const EndReasonMarker = "end_marker"

// Messenger is the capability contract consumed from the messaging backend.
type Messenger interface {
	// CreateThread opens a sub-thread in the conversation space and returns
	// its identifier.
	CreateThread(ctx context.Context, spaceID, title string) (string, error)
	// SendMessage posts text into a sub-thread.
	SendMessage(ctx context.Context, threadID, text string) (string, error)
	// CloseThread closes a sub-thread for further posting.
	CloseThread(ctx context.Context, threadID string) error
}

// Metadata is captured on session creation, first write wins.
type Metadata struct {
	BuyerBot      string `json:"buyer_bot"`
	SellerBot     string `json:"seller_bot"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	MarketSlug    string `json:"market_slug,omitempty"`
	AnswerDir     string `json:"answer_dir,omitempty"`
	WaitSeconds   int    `json:"wait_seconds,omitempty"`
}

// Participants is the recorded role-to-identity mapping the relay matches
// senders against.
type Participants struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

// Orchestrator owns session provisioning and teardown.
type Orchestrator struct {
	store       *store.Store
	messenger   Messenger
	spaceID     string
	flushMarker string
	endMarker   string
	recorder    metrics.Recorder
	log         *zap.Logger
}

type Config struct {
	SpaceID     string
	FlushMarker string
	EndMarker   string
}

func NewOrchestrator(st *store.Store, m Messenger, cfg Config, rec metrics.Recorder, log *zap.Logger) *Orchestrator {
	flush := cfg.FlushMarker
	if flush == "" {
		flush = DefaultFlushMarker
	}
	end := cfg.EndMarker
	if end == "" {
		end = DefaultEndMarker
	}
	return &Orchestrator{
		store:       st,
		messenger:   m,
		spaceID:     cfg.SpaceID,
		flushMarker: flush,
		endMarker:   end,
		recorder:    rec,
		log:         log,
	}
}

func (o *Orchestrator) FlushMarker() string { return o.flushMarker }
func (o *Orchestrator) EndMarker() string   { return o.endMarker }

// Open creates or resumes the session for a paid transaction.
//
// A fully bound session is returned unchanged unless forceReinject asks for
// the briefing to be re-sent into the existing sub-thread (repair path for
// partially provisioned sessions; refused once ended). A session without a
// bound sub-thread retries space provisioning: a crash between thread
// creation and persistence is recovered by creating a fresh thread, and the
// duplicate is an accepted cost, not silently deduplicated.
func (o *Orchestrator) Open(ctx context.Context, transactionID string, meta *Metadata, forceReinject bool) (*store.Session, error) {
	tx := strings.TrimSpace(transactionID)
	if tx == "" {
		return nil, errors.New("transaction_id is required")
	}
	if o.spaceID == "" {
		return nil, errors.New("conversation space is not configured")
	}
	if meta == nil {
		meta = &Metadata{}
	}

	sess, err := o.store.GetSession(ctx, tx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// A session ended before provisioning completed is terminal; it must not
	// reach the backend again.
	if sess != nil && sess.Ended() && !sess.Bound() {
		return nil, fmt.Errorf("session %s: %w", tx, store.ErrSessionEnded)
	}

	if sess != nil && sess.Bound() {
		if !forceReinject {
			return sess, nil
		}
		if sess.Ended() {
			return nil, fmt.Errorf("session %s: %w", tx, store.ErrSessionEnded)
		}
		briefing := o.buildBriefing(tx, overrideInitiation(sessionMetadata(sess), meta))
		if _, err := o.messenger.SendMessage(ctx, sess.ThreadID, briefing); err != nil {
			return nil, fmt.Errorf("reinject briefing: %w", err)
		}
		o.log.Info("briefing reinjected",
			zap.String("transaction_id", tx),
			zap.String("thread_id", sess.ThreadID))
		return sess, nil
	}

	if sess == nil {
		participants := Participants{
			Buyer:  normalizeParticipant(meta.BuyerBot),
			Seller: normalizeParticipant(meta.SellerBot),
		}
		participantsJSON, err := json.Marshal(participants)
		if err != nil {
			return nil, fmt.Errorf("serialize participants: %w", err)
		}
		metadataJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("serialize session metadata: %w", err)
		}
		sess, err = o.store.CreateSession(ctx, tx, string(participantsJSON), string(metadataJSON))
		if errors.Is(err, store.ErrAlreadyExists) {
			sess, err = o.store.GetSession(ctx, tx)
		}
		if err != nil {
			return nil, err
		}
	}

	// Briefing content derives from the stored metadata, so repeated
	// provisioning attempts frame it identically.
	briefing := o.buildBriefing(tx, sessionMetadata(sess))

	threadID := sess.ThreadID
	if threadID == "" {
		threadID, err = o.messenger.CreateThread(ctx, o.spaceID, "tx:"+tx)
		if err != nil {
			return nil, fmt.Errorf("create sub-thread: %w", err)
		}
		if _, err := o.messenger.SendMessage(ctx, threadID, briefing); err != nil {
			return nil, fmt.Errorf("send briefing: %w", err)
		}
	}

	bound, err := o.store.BindSpace(ctx, tx, o.spaceID, threadID)
	if err != nil {
		return nil, err
	}

	// Attach the space coordinates back to the transaction. The transaction
	// row may not exist when the session was opened out of band.
	if _, err := o.store.AttachSpace(ctx, tx, o.spaceID, threadID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	o.recorder.IncCounter("session_opened", map[string]string{"network": ""})
	o.log.Info("session running",
		zap.String("transaction_id", tx),
		zap.String("space_id", o.spaceID),
		zap.String("thread_id", threadID))
	return bound, nil
}

// End tears the session down exactly once. The sub-thread is closed before
// the terminal write so a backend failure leaves the session endable again;
// ending an already-ended session returns it with its original end reason.
func (o *Orchestrator) End(ctx context.Context, transactionID, reason string) (*store.Session, error) {
	tx := strings.TrimSpace(transactionID)
	if tx == "" {
		return nil, errors.New("transaction_id is required")
	}

	sess, err := o.store.GetSession(ctx, tx)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return sess, nil
	}

	if sess.ThreadID != "" {
		if err := o.messenger.CloseThread(ctx, sess.ThreadID); err != nil {
			return nil, fmt.Errorf("close sub-thread: %w", err)
		}
	}

	ended, err := o.store.EndSession(ctx, tx, reason)
	if errors.Is(err, store.ErrSessionEnded) {
		// Raced with another teardown; the first writer's reason stands.
		return o.store.GetSession(ctx, tx)
	}
	if err != nil {
		return nil, err
	}

	o.recorder.IncCounter("session_ended", map[string]string{"network": ""})
	o.log.Info("session ended",
		zap.String("transaction_id", tx),
		zap.String("reason", reason))
	return ended, nil
}

func (o *Orchestrator) buildBriefing(transactionID string, meta *Metadata) string {
	buyer := normalizeParticipant(meta.BuyerBot)
	seller := normalizeParticipant(meta.SellerBot)

	prompt := strings.TrimSpace(meta.InitialPrompt)
	if prompt == "" {
		prompt = "(none)"
	}
	waitSeconds := meta.WaitSeconds
	if waitSeconds <= 0 {
		waitSeconds = 120
	}

	var b strings.Builder
	if seller != "" {
		fmt.Fprintf(&b, "@%s\n\n", seller)
	}
	b.WriteString("Trade session opened.\n")
	fmt.Fprintf(&b, "transaction_id: %s\n", transactionID)
	fmt.Fprintf(&b, "participants: %s / %s\n\n", orUnknown(buyer), orUnknown(seller))
	b.WriteString("Initial prompt:\n")
	b.WriteString(prompt)
	b.WriteString("\n\n")
	if meta.MarketSlug != "" {
		fmt.Fprintf(&b, "market: %s\n", meta.MarketSlug)
	}
	if meta.AnswerDir != "" {
		fmt.Fprintf(&b, "answer directory: %s\n", meta.AnswerDir)
	}
	fmt.Fprintf(&b, "collection wait: %ds\n\n", waitSeconds)
	b.WriteString("Rules:\n")
	b.WriteString("- Keep this exchange inside this thread.\n")
	fmt.Fprintf(&b, "- Compose answers over as many messages as needed; append %s to the last one to have the accumulated content forwarded.\n", o.flushMarker)
	fmt.Fprintf(&b, "- Nothing is forwarded until %s is seen.\n", o.flushMarker)
	fmt.Fprintf(&b, "- The seller ends the session by including %s in the final report, together with %s.\n", o.endMarker, o.flushMarker)
	b.WriteString("- After the final forward the thread is closed automatically.")
	return b.String()
}

// sessionMetadata decodes the stored metadata; unparseable metadata from
// legacy rows degrades to an empty value rather than failing provisioning.
func sessionMetadata(sess *store.Session) *Metadata {
	var meta Metadata
	if err := json.Unmarshal([]byte(sess.MetadataJSON), &meta); err != nil {
		return &Metadata{}
	}
	return &meta
}

// overrideInitiation lets a reinject call replace only the caller-supplied
// initiation text; the rest of the framing stays identical.
func overrideInitiation(stored, incoming *Metadata) *Metadata {
	if incoming == nil || strings.TrimSpace(incoming.InitialPrompt) == "" {
		return stored
	}
	out := *stored
	out.InitialPrompt = incoming.InitialPrompt
	return &out
}

func normalizeParticipant(raw string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@")))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
