package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"cosmos/engine/policy"
)

// GroupSession drives the background conversation loop for a group-chat
// session, queuing user messages and running each through a TurnExecutor.
// Each submitted text runs a full multi-participant turn (should-speak
// evaluation, ordering, sequential generation) on a background
// goroutine fed by a buffered channel.
type GroupSession struct {
	id       string
	executor *TurnExecutor
	notifier Notifier

	auditLogger *policy.AuditLogger

	mu          sync.Mutex
	userMsgChan chan string
	retryChan   chan string
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewGroupSession creates a group-chat session around a configured
// TurnExecutor.
func NewGroupSession(sessionID string, executor *TurnExecutor, notifier Notifier, auditLogger *policy.AuditLogger) *GroupSession {
	return &GroupSession{
		id:          sessionID,
		executor:    executor,
		notifier:    notifier,
		auditLogger: auditLogger,
		userMsgChan: make(chan string, 16),
		retryChan:   make(chan string, 4),
		stopChan:    make(chan struct{}),
	}
}

// SubmitMessage queues a user message for processing.
func (g *GroupSession) SubmitMessage(text string) {
	select {
	case g.userMsgChan <- text:
	case <-g.stopChan:
	}
}

// RetrySpeaker queues a retry_speaker request: re-run a single
// participant's generation at the tail of this session, as if it had
// been in the prior turn's speaking set. Used after a recoverable
// ERROR{participant} so the user can ask just that speaker to try
// again without re-running the whole turn.
func (g *GroupSession) RetrySpeaker(participantID string) {
	select {
	case g.retryChan <- participantID:
	case <-g.stopChan:
	}
}

// Start begins the background turn loop.
func (g *GroupSession) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.loop(ctx)
}

// Stop gracefully terminates the session. Safe to call multiple times.
func (g *GroupSession) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
		g.wg.Wait()
		if g.auditLogger != nil {
			if err := g.auditLogger.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "cosmos: audit log close failed: %v\n", err)
			}
		}
	})
}

// ID returns the session's unique identifier.
func (g *GroupSession) ID() string { return g.id }

func (g *GroupSession) loop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopChan:
			return
		case text := <-g.userMsgChan:
			g.wg.Add(1)
			if _, err := g.executor.RunTurn(ctx, g.id, text); err != nil {
				g.notifier.Send(ErrorEvent{Error: err.Error()})
			}
			g.wg.Done()
		case participantID := <-g.retryChan:
			g.wg.Add(1)
			if _, err := g.executor.RetrySpeaker(ctx, g.id, participantID); err != nil {
				g.notifier.Send(ErrorEvent{Error: err.Error()})
			}
			g.wg.Done()
		}
	}
}

// Completions implements ui.CompletionProvider. GroupSession only
// completes participant mentions ("@name"); command completion for
// slash commands lives in the UI layer.
func (g *GroupSession) Completions(prefix string) []string {
	if !strings.HasPrefix(prefix, "@") {
		return nil
	}
	typed := strings.ToLower(prefix[1:])
	var out []string
	for _, p := range g.executor.Participants {
		if !p.Enabled {
			continue
		}
		if strings.HasPrefix(strings.ToLower(p.ID), typed) {
			out = append(out, "@"+p.ID)
		}
	}
	return out
}
