package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/engine"
	"github.com/JayBon24/CRM-backend-sub001/internal/protocol"
	"github.com/JayBon24/CRM-backend-sub001/internal/tools"
)

// turnState accumulates what one pass over the stream produced.
type turnState struct {
	runID          string
	tokens         strings.Builder
	finalText      string
	calls          []domain.ToolCall
	sawVocabulary  bool
	sawInterrupted bool
}

// runTurn drives one engine turn: open the stream, forward tokens,
// answer tool-call interrupts by resuming with exactly one result per
// call, and stop after a bounded number of resume hops. Any state where
// the stream and the tool bookkeeping may have diverged ends in a
// thread reset, never a blind resume.
func (s *Service) runTurn(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session, conversationID, text string) error {
	if sess.ThreadID == "" {
		threadID := "thread_" + uuid.New().String()
		if err := s.store.UpdateSessionThread(ctx, sess.SessionID, threadID); err != nil {
			return fmt.Errorf("failed to bind thread: %w", err)
		}
		sess.ThreadID = threadID
	}

	req := &engine.StreamRequest{
		ThreadID:    sess.ThreadID,
		AssistantID: s.cfg.AssistantID,
		Input: map[string]any{
			"messages": []map[string]any{{"role": "user", "content": text}},
		},
	}

	hops := 0
	for {
		state, err := s.collectStream(ctx, sess, conversationID, req)
		if err != nil {
			s.logger.Warn().Str("session_id", sess.SessionID).Err(err).Msg("engine stream failed")
			s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeEngineFail, "the assistant is unavailable, please retry", nil)
			return nil
		}

		if state.runID != "" && state.runID != sess.LastRunID {
			if err := s.store.UpdateSessionRun(ctx, sess.SessionID, state.runID); err != nil {
				s.logger.Warn().Str("session_id", sess.SessionID).Err(err).Msg("failed to persist run id")
			}
			sess.LastRunID = state.runID
		}

		if len(state.calls) > 0 {
			results, resumable := s.answerInterrupt(ctx, user, callerScope, conversationID, state.calls)
			if !resumable {
				// Resume would desynchronize the remote run. Salvage a
				// readable answer from what the tools already computed,
				// otherwise reset the thread.
				if fallback := synthesizeFallback(results); fallback != "" {
					s.finishTurn(ctx, sess, conversationID, state.runID, fallback)
					return nil
				}
				return s.resetThread(ctx, sess, conversationID, "tool call ids could not be correlated")
			}

			hops++
			if hops > s.cfg.MaxResumeHops {
				return s.resetThread(ctx, sess, conversationID, "resume limit exceeded")
			}
			req = &engine.StreamRequest{
				ThreadID:    sess.ThreadID,
				AssistantID: s.cfg.AssistantID,
				Command:     engine.ResumeCommand(results),
			}
			continue
		}

		if state.sawVocabulary && state.sawInterrupted {
			// Interrupt vocabulary without a parsable call while the run
			// reports interrupted: resuming blind would desynchronize.
			return s.resetThread(ctx, sess, conversationID, "malformed interrupt without tool calls")
		}

		answer := state.finalText
		if answer == "" {
			answer = state.tokens.String()
		}
		if answer == "" {
			s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeEngineFail, "the assistant produced no answer, please retry", nil)
			return nil
		}
		s.finishTurn(ctx, sess, conversationID, state.runID, answer)
		return nil
	}
}

// collectStream consumes one stream pass, forwarding tokens as they
// arrive and classifying every event with the shape probes.
func (s *Service) collectStream(ctx context.Context, sess *domain.Session, conversationID string, req *engine.StreamRequest) (*turnState, error) {
	state := &turnState{}
	err := s.streamer.Stream(ctx, req, func(ev engine.Event) error {
		if state.runID == "" {
			state.runID = engine.ProbeRunID(ev)
		}
		if engine.ProbeInterruptVocabulary(ev) {
			state.sawVocabulary = true
		}
		if engine.ProbeInterruptedStatus(ev) {
			state.sawInterrupted = true
		}
		if calls := engine.ProbeToolCalls(ev); len(calls) > 0 {
			state.calls = append(state.calls, calls...)
			return nil
		}
		if tok, ok := engine.ProbeToken(ev); ok {
			s.emit(sess.SessionID, protocol.NewToken(sess.SessionID, conversationID, tok))
			state.tokens.WriteString(tok)
			return nil
		}
		if out, ok := engine.ProbeAgentEnd(ev); ok {
			state.finalText = out
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// answerInterrupt executes every extracted call in parallel and reports
// whether the result set can be resumed: every call must carry a
// distinct id and the results must be a bijection with the calls.
// Handler failures are error-shaped results and still count as
// answered; a missing id is a protocol violation, not a handler error.
func (s *Service) answerInterrupt(ctx context.Context, user *domain.User, callerScope domain.Scope, conversationID string, calls []domain.ToolCall) ([]domain.ToolResult, bool) {
	resumable := true
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		if call.ID == "" || seen[call.ID] {
			resumable = false
			continue
		}
		seen[call.ID] = true
	}

	tctx := tools.ToolContext{User: user, Scope: callerScope, ConversationID: conversationID}
	results := make([]domain.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = s.dispatcher.Dispatch(gctx, call, tctx)
			return nil
		})
	}
	_ = g.Wait()

	if len(results) != len(calls) {
		resumable = false
	}
	return results, resumable
}

// synthesizeFallback builds a human-readable answer from already
// computed tool outputs so successful work is not discarded when the
// stream cannot be resumed. Returns "" when nothing usable exists.
func synthesizeFallback(results []domain.ToolResult) string {
	var parts []string
	for _, r := range results {
		var outcome domain.ToolOutcome
		if err := json.Unmarshal([]byte(r.Content), &outcome); err != nil || !outcome.OK {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(outcome.Data, &data); err != nil {
			continue
		}
		if count, ok := data["count"].(float64); ok {
			parts = append(parts, fmt.Sprintf("共找到 %d 家客户。", int(count)))
			continue
		}
		if total, ok := data["total"].(float64); ok {
			parts = append(parts, fmt.Sprintf("共匹配到 %d 条记录。", int(total)))
		}
	}
	return strings.Join(parts, " ")
}

// resetThread is the single recovery primitive: it clears the session's
// thread binding, marks the session inactive, and names the prior
// thread in the error so the client can decide whether to retry.
func (s *Service) resetThread(ctx context.Context, sess *domain.Session, conversationID, reason string) error {
	priorThread := sess.ThreadID
	if err := s.store.ResetSessionThread(ctx, sess.SessionID); err != nil {
		return fmt.Errorf("failed to reset thread: %w", err)
	}
	sess.ThreadID = ""
	sess.LastRunID = ""
	sess.IsActive = false

	s.logger.Warn().
		Str("session_id", sess.SessionID).
		Str("prior_thread", priorThread).
		Str("reason", reason).
		Msg("thread reset")

	s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeThreadReset,
		"the conversation state was reset, please resend your message",
		map[string]any{"prior_thread": priorThread, "reason": reason})
	return nil
}
