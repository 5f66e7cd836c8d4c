// Package orchestrator owns the conversation turn: it resolves session
// and conversation identity, routes messages between the intent layer,
// the pending-action engine and the remote stream, and is the single
// place where thread state may be reset.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JayBon24/CRM-backend-sub001/internal/config"
	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/engine"
	"github.com/JayBon24/CRM-backend-sub001/internal/intent"
	"github.com/JayBon24/CRM-backend-sub001/internal/pending"
	"github.com/JayBon24/CRM-backend-sub001/internal/protocol"
	"github.com/JayBon24/CRM-backend-sub001/internal/scope"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
	"github.com/JayBon24/CRM-backend-sub001/internal/tools"
)

// Emitter delivers outbound protocol messages to every connection of a
// session. *hub.Hub satisfies it.
type Emitter interface {
	BroadcastJSON(sessionID string, v any) error
}

// Service orchestrates conversation turns.
type Service struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	resolver   *scope.Resolver
	extractor  intent.Extractor
	dispatcher *tools.Dispatcher
	pending    *pending.Engine
	streamer   engine.Streamer
	emitter    Emitter
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates the orchestrator service.
func New(cfg *config.Config, st *store.SQLiteStore, resolver *scope.Resolver, extractor intent.Extractor,
	dispatcher *tools.Dispatcher, pe *pending.Engine, streamer engine.Streamer, emitter Emitter, logger zerolog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		resolver:   resolver,
		extractor:  extractor,
		dispatcher: dispatcher,
		pending:    pe,
		streamer:   streamer,
		emitter:    emitter,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

func (s *Service) emit(sessionID string, v any) {
	if err := s.emitter.BroadcastJSON(sessionID, v); err != nil {
		s.logger.Warn().Str("session_id", sessionID).Err(err).Msg("failed to emit message")
	}
}

func (s *Service) emitError(sessionID, conversationID, code, message string, context map[string]any) {
	s.emit(sessionID, protocol.NewError(sessionID, conversationID, code, message, context))
}

// ResolveSession loads the hinted session, verifying ownership, or
// creates a fresh one. The created flag tells the transport to announce
// a session_created.
func (s *Service) ResolveSession(ctx context.Context, user *domain.User, hint string) (*domain.Session, bool, error) {
	if hint != "" {
		sess, err := s.store.GetSession(ctx, hint)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load session: %w", err)
		}
		if sess != nil {
			if sess.UserID != user.UserID {
				return nil, false, errForbidden("session belongs to another user")
			}
			return sess, false, nil
		}
	}

	now := s.now()
	sess := &domain.Session{
		SessionID: "sess_" + uuid.New().String()[:8],
		UserID:    user.UserID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, true, nil
}

// forbiddenError marks ownership and linkage violations so the
// transport can answer with the right code without tearing down the
// connection.
type forbiddenError struct{ msg string }

func (e *forbiddenError) Error() string { return e.msg }

func errForbidden(msg string) error { return &forbiddenError{msg: msg} }

// IsForbidden reports whether err is an ownership/linkage violation.
func IsForbidden(err error) bool {
	_, ok := err.(*forbiddenError)
	return ok
}

// HandleUserMessage processes one user turn end to end. All outbound
// traffic goes through the emitter; the returned error is only for
// infrastructure failures the transport should report as internal.
func (s *Service) HandleUserMessage(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session, msg *protocol.UserMessage) error {
	conversationID, err := s.resolveConversation(ctx, user, sess, msg)
	if err != nil {
		if IsForbidden(err) {
			s.emitError(sess.SessionID, msg.ConversationID, protocol.ErrorCodeForbidden, err.Error(), nil)
			return nil
		}
		return err
	}

	now := s.now()
	inbound := &domain.Message{
		MessageID:      "msg_" + uuid.New().String()[:8],
		ConversationID: conversationID,
		Role:           "user",
		Content:        msg.Message,
		CreatedAt:      now,
	}
	if err := s.store.CreateMessage(ctx, inbound); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, conversationID, now); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	// An open draft captures the turn: the message patches it unless it
	// is an exit phrase, and the remote engine is not invoked at all.
	open, err := s.store.LatestOpenPendingAction(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to check open drafts: %w", err)
	}
	if open != nil || msg.EditingOperationID != "" {
		return s.handleDraftTurn(ctx, user, callerScope, sess, conversationID, msg, open)
	}

	if ci, ok := s.extractor.CountIntent(msg.Message); ok {
		return s.handleCountIntent(ctx, user, callerScope, sess, conversationID, ci)
	}
	if fi, ok := s.extractor.FollowUpIntent(msg.Message, s.now()); ok {
		return s.handleFollowUpIntent(ctx, user, callerScope, sess, conversationID, fi)
	}

	return s.runTurn(ctx, user, callerScope, sess, conversationID, msg.Message)
}

// resolveConversation validates the hinted conversation or lazily
// creates one titled from the message.
func (s *Service) resolveConversation(ctx context.Context, user *domain.User, sess *domain.Session, msg *protocol.UserMessage) (string, error) {
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = sess.ConversationID
	}

	if conversationID != "" {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return "", fmt.Errorf("failed to load conversation: %w", err)
		}
		if conv == nil {
			return "", errForbidden("conversation not found")
		}
		if conv.UserID != user.UserID {
			return "", errForbidden("conversation belongs to another user")
		}
		// A session hint and a conversation hint must agree on linkage.
		if msg.SessionID != "" && msg.ConversationID != "" &&
			sess.ConversationID != "" && sess.ConversationID != msg.ConversationID {
			return "", errForbidden("session is bound to a different conversation")
		}
		if sess.ConversationID != conversationID {
			if err := s.store.UpdateSessionConversation(ctx, sess.SessionID, conversationID); err != nil {
				return "", fmt.Errorf("failed to bind conversation: %w", err)
			}
			sess.ConversationID = conversationID
		}
		return conversationID, nil
	}

	now := s.now()
	conv := &domain.Conversation{
		ConversationID:  "conv_" + uuid.New().String()[:8],
		UserID:          user.UserID,
		Title:           titleFrom(msg.Message),
		LastMessageTime: now,
		CreatedAt:       now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := s.store.UpdateSessionConversation(ctx, sess.SessionID, conv.ConversationID); err != nil {
		return "", fmt.Errorf("failed to bind conversation: %w", err)
	}
	sess.ConversationID = conv.ConversationID

	s.emit(sess.SessionID, protocol.ConversationCreated{
		BaseMessage: protocol.Base(protocol.TypeConversationCreated, sess.SessionID, conv.ConversationID),
		Title:       conv.Title,
	})
	return conv.ConversationID, nil
}

func titleFrom(text string) string {
	runes := []rune(text)
	if len(runes) > 20 {
		runes = runes[:20]
	}
	return string(runes)
}

// handleDraftTurn interprets the message against the open draft: exit
// phrases cancel it, anything else patches it. Either way the engine is
// not consulted.
func (s *Service) handleDraftTurn(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session,
	conversationID string, msg *protocol.UserMessage, open *domain.PendingAction) error {
	operationID := msg.EditingOperationID
	if operationID == "" && open != nil {
		operationID = open.OperationID
	}

	if s.extractor.IsExitEdit(msg.Message) {
		res, err := s.pending.Cancel(ctx, user, operationID)
		if err != nil {
			return err
		}
		s.emitActionResult(sess.SessionID, conversationID, operationID, res)
		s.finishTurn(ctx, sess, conversationID, "", "已退出编辑，草稿已取消。")
		return nil
	}

	res, err := s.pending.Patch(ctx, user, callerScope, pending.PatchRef{OperationID: operationID, ConversationID: conversationID}, msg.Message, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		s.emitActionResult(sess.SessionID, conversationID, operationID, res)
		return nil
	}
	s.emit(sess.SessionID, protocol.NewCard(protocol.TypeCardUpdated, sess.SessionID, conversationID, *res.Card))
	s.finishTurn(ctx, sess, conversationID, "", draftSummary(res.Card))
	return nil
}

func draftSummary(card *domain.Card) string {
	if card == nil {
		return "草稿已更新。"
	}
	if len(card.MissingFields) > 0 {
		return fmt.Sprintf("草稿已更新，还缺少 %d 个必填字段。", len(card.MissingFields))
	}
	return "草稿已更新，信息齐全，可以确认提交了。"
}

// handleCountIntent answers count questions without the remote engine.
func (s *Service) handleCountIntent(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session,
	conversationID string, ci *intent.CountIntent) error {
	args := map[string]any{}
	if ci.City != "" {
		args["city"] = ci.City
	} else if ci.Keyword != "" {
		args["keyword"] = ci.Keyword
	}

	tctx := tools.ToolContext{User: user, Scope: callerScope, ConversationID: conversationID}
	result, err := s.dispatcher.Execute(ctx, tools.ToolCustomerCount, tctx, args)
	if err != nil {
		s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeInternalError, err.Error(), nil)
		return nil
	}

	if clarify, ok := result.(tools.ClarifyResult); ok {
		options, _ := json.Marshal(clarify.Options)
		s.emit(sess.SessionID, protocol.NeedClarify{
			BaseMessage: protocol.Base(protocol.TypeNeedClarify, sess.SessionID, conversationID),
			Question:    clarify.Question,
			Options:     options,
		})
		return nil
	}

	count, ok := result.(tools.CountResult)
	if !ok {
		s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeInternalError, "unexpected count result", nil)
		return nil
	}
	s.finishTurn(ctx, sess, conversationID, "", countAnswer(count))
	return nil
}

func countAnswer(c tools.CountResult) string {
	switch c.Dimension {
	case "city":
		return fmt.Sprintf("%s的客户共有 %d 家。", c.Keyword, c.Count)
	case "org_unit":
		return fmt.Sprintf("%s团队负责的客户共有 %d 家。", c.Keyword, c.Count)
	default:
		if c.Keyword == "" {
			return fmt.Sprintf("您可见的客户共有 %d 家。", c.Count)
		}
		return fmt.Sprintf("名称包含「%s」的客户共有 %d 家。", c.Keyword, c.Count)
	}
}

// handleFollowUpIntent drafts a follow-up directly from the message.
func (s *Service) handleFollowUpIntent(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session,
	conversationID string, fi *intent.FollowUpIntent) error {
	input := map[string]any{}
	if fi.CustomerName != "" {
		input["customer_name"] = fi.CustomerName
	}
	if fi.Content != "" {
		input["content"] = fi.Content
	}
	if fi.Method != "" {
		input["method"] = fi.Method
	}
	if fi.FollowTime != nil {
		input["follow_time"] = fi.FollowTime.Format(time.RFC3339)
	}
	if len(fi.Participants) > 0 {
		input["participants"] = fi.Participants
	}

	action, err := s.pending.CreateDraft(ctx, domain.ActionTypeFollowUp, user, callerScope, conversationID, input)
	if err != nil {
		return fmt.Errorf("failed to draft follow-up: %w", err)
	}

	s.emit(sess.SessionID, protocol.NewCard(protocol.TypeCard, sess.SessionID, conversationID, action.CardView()))
	card := action.CardView()
	s.finishTurn(ctx, sess, conversationID, "", draftSummary(&card))
	return nil
}

// finishTurn persists the assistant's answer and emits final.
func (s *Service) finishTurn(ctx context.Context, sess *domain.Session, conversationID, runID, text string) {
	msg := &domain.Message{
		MessageID:      "msg_" + uuid.New().String()[:8],
		ConversationID: conversationID,
		RunID:          runID,
		Role:           "assistant",
		Content:        text,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Warn().Str("conversation_id", conversationID).Err(err).Msg("failed to persist assistant message")
	}
	s.emit(sess.SessionID, protocol.NewFinal(sess.SessionID, conversationID, text, msg.MessageID))
}

// ConfirmAction confirms a draft and reports the outcome.
func (s *Service) ConfirmAction(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session, msg *protocol.ConfirmAction) error {
	res, err := s.pending.Confirm(ctx, user, callerScope, msg.OperationID, msg.EditedFields, msg.IdempotencyKey)
	if err != nil {
		return err
	}
	s.emitActionResult(sess.SessionID, msg.ConversationID, msg.OperationID, res)
	return nil
}

// CancelAction cancels a draft and reports the outcome.
func (s *Service) CancelAction(ctx context.Context, user *domain.User, sess *domain.Session, msg *protocol.CancelAction) error {
	res, err := s.pending.Cancel(ctx, user, msg.OperationID)
	if err != nil {
		return err
	}
	s.emitActionResult(sess.SessionID, msg.ConversationID, msg.OperationID, res)
	return nil
}

// EditPendingAction patches a draft with explicit edits and/or text.
func (s *Service) EditPendingAction(ctx context.Context, user *domain.User, callerScope domain.Scope, sess *domain.Session, msg *protocol.EditPendingAction) error {
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = sess.ConversationID
	}
	ref := pending.PatchRef{OperationID: msg.OperationID, ConversationID: conversationID}
	res, err := s.pending.Patch(ctx, user, callerScope, ref, msg.Text(), msg.EditedFields)
	if err != nil {
		return err
	}
	if res.OK && res.Card != nil {
		s.emit(sess.SessionID, protocol.NewCard(protocol.TypeCardUpdated, sess.SessionID, conversationID, *res.Card))
	}
	operationID := msg.OperationID
	if operationID == "" && res.Action != nil {
		operationID = res.Action.OperationID
	}
	s.emitActionResult(sess.SessionID, conversationID, operationID, res)
	return nil
}

// SwitchConversation rebinds the session to another conversation the
// caller owns and announces its metadata.
func (s *Service) SwitchConversation(ctx context.Context, user *domain.User, sess *domain.Session, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeNotFound, "conversation not found", nil)
		return nil
	}
	if conv.UserID != user.UserID {
		s.emitError(sess.SessionID, conversationID, protocol.ErrorCodeForbidden, "conversation belongs to another user", nil)
		return nil
	}

	if err := s.store.UpdateSessionConversation(ctx, sess.SessionID, conversationID); err != nil {
		return fmt.Errorf("failed to bind conversation: %w", err)
	}
	sess.ConversationID = conversationID

	s.emit(sess.SessionID, protocol.ConversationMeta{
		BaseMessage: protocol.Base(protocol.TypeConversationMeta, sess.SessionID, conversationID),
		Title:       conv.Title,
		CreatedAt:   conv.CreatedAt.UnixMilli(),
	})
	return nil
}

func (s *Service) emitActionResult(sessionID, conversationID, operationID string, res *pending.ActionResult) {
	s.emit(sessionID, protocol.ActionResult{
		BaseMessage: protocol.Base(protocol.TypeActionResult, sessionID, conversationID),
		OperationID: operationID,
		OK:          res.OK,
		Code:        res.Code,
		Message:     res.Message,
		Replayed:    res.Replayed,
		ApprovalID:  res.ApprovalID,
		Result:      res.Result,
		Card:        res.Card,
	})
}
