package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
	"github.com/BTreeMap/CareTriage/internal/store"
	"github.com/BTreeMap/CareTriage/internal/tone"
	"github.com/BTreeMap/CareTriage/internal/util"
)

// turn carries the state of one HandleMessage call.
type turn struct {
	req     Request
	session *models.Session
	user    *models.User
	history []models.Message
	in      flow.Input
}

// effects records what applying a decision did.
type effects struct {
	actions     []string
	reminderID  string
	emergencyID string
}

func (e *effects) add(action string) {
	e.actions = append(e.actions, action)
}

// HandleMessage processes one inbound utterance and returns the reply. It fails only for
// invalid input, an unknown session, or a session lock that cannot be taken; every other
// failure degrades into a reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	if err := models.ValidateText(req.Text); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, models.ErrInvalidSession
	}
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", req.SessionID, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, models.ErrInvalidSession)
	}

	unlock, err := o.locker.Lock(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", sess.ID, err)
	}
	defer unlock()

	if req.ClientMessageID != "" {
		if resp := o.replay(ctx, sess.ID, req.ClientMessageID); resp != nil {
			return resp, nil
		}
	}

	t := &turn{req: req, session: sess}
	now := o.now()
	t.user = o.loadUser(ctx, sess.UserID)
	loc := o.locationFor(t.user)

	if o.generator != nil || o.validator != nil {
		t.history, err = o.store.ListMessages(ctx, sess.ID, o.historyLimit)
		if err != nil {
			slog.Warn("Orchestrator.HandleMessage: history unavailable", "session", sess.ID, "error", err)
		}
	}

	messageID := util.NewID(util.PrefixMessage)
	if req.ClientMessageID != "" {
		messageID = util.StableID(util.PrefixMessage, sess.ID, req.ClientMessageID)
	}
	inbound := models.Message{
		ID:              messageID,
		SessionID:       sess.ID,
		Text:            req.Text,
		Direction:       models.DirectionIn,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       now,
	}
	if err := o.store.SaveMessage(ctx, inbound); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("Orchestrator.HandleMessage: inbound already stored, reprocessing", "session", sess.ID, "message", messageID)
		} else {
			slog.Error("Orchestrator.HandleMessage: failed to save inbound message", "session", sess.ID, "error", err)
		}
	}

	// Keywords first: a dangerous utterance skips the predictor and the validator.
	verdict := o.gate.Evaluate(req.Text, nil)
	prediction := predictor.Skipped()
	if !verdict.IsDangerous {
		prediction = o.guard.Predict(ctx, req.Text)
		verdict = o.gate.Evaluate(req.Text, prediction.Intent())
	}

	pending, err := o.pending.Get(ctx, sess.ID, now)
	if err != nil {
		slog.Error("Orchestrator.HandleMessage: pending lookup failed, continuing without", "session", sess.ID, "error", err)
		pending = nil
	}

	var suggestion *flow.FlowSuggestion
	var content *flow.ContentVerdict
	if !verdict.IsDangerous {
		content = o.screenContent(ctx, t)
		if pending == nil && (content == nil || content.Allowed()) {
			suggestion = o.validate(ctx, t, prediction)
		}
	}

	t.in = flow.Input{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		MessageID:  messageID,
		Text:       req.Text,
		Now:        now,
		Location:   loc,
		Verdict:    verdict,
		Prediction: prediction,
		Pending:    pending,
		Suggestion: suggestion,
		Content:    content,
	}

	d, eff := o.decideAndApply(ctx, t)
	reply := o.composeReply(ctx, t, d, prediction.Analysis)

	resp := &Response{
		ReplyText:    reply,
		Flow:         d.Flow,
		Action:       d.Action,
		Rule:         d.Rule,
		Resolution:   d.Resolution,
		Mode:         d.Mode,
		MLAnalysis:   prediction.Analysis,
		ActionsTaken: append([]string{}, eff.actions...),
		MessageID:    messageID,
		ReminderID:   eff.reminderID,
		EmergencyID:  eff.emergencyID,
		Degraded:     prediction.Degraded(),
	}

	outboundID := util.NewID(util.PrefixMessage)
	if req.ClientMessageID != "" {
		outboundID = util.StableID(util.PrefixMessage, sess.ID, req.ClientMessageID, "reply")
	}
	outbound := models.Message{
		ID:         outboundID,
		SessionID:  sess.ID,
		Text:       reply,
		Direction:  models.DirectionOut,
		Flow:       d.Flow,
		MLAnalysis: prediction.Analysis,
		CreatedAt:  o.now(),
	}
	if err := o.store.SaveMessage(ctx, outbound); err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Error("Orchestrator.HandleMessage: failed to save reply", "session", sess.ID, "error", err)
	}
	if err := o.store.TouchSession(ctx, sess.ID, o.now()); err != nil {
		slog.Warn("Orchestrator.HandleMessage: touch session failed", "session", sess.ID, "error", err)
	}
	if req.ClientMessageID != "" {
		o.recordResponse(ctx, sess.ID, req.ClientMessageID, resp)
	}

	slog.Info("Orchestrator.HandleMessage: handled", "session", sess.ID, "message", messageID,
		"decision", d.String(), "actions", resp.ActionsTaken, "degraded", resp.Degraded)
	return resp, nil
}

// decideAndApply runs the engine and applies the decision. A conflicting write is retried once
// against a fresh read of the pending action.
func (o *Orchestrator) decideAndApply(ctx context.Context, t *turn) (flow.Decision, *effects) {
	d := o.engine.Decide(t.in)
	eff, err := o.apply(ctx, t, &d)
	if errors.Is(err, store.ErrConflict) {
		slog.Warn("Orchestrator.decideAndApply: conflict, retrying once", "session", t.in.SessionID, "decision", d.String(), "error", err)
		fresh, getErr := o.pending.Get(ctx, t.in.SessionID, t.in.Now)
		if getErr != nil {
			slog.Error("Orchestrator.decideAndApply: pending re-read failed", "session", t.in.SessionID, "error", getErr)
		} else {
			t.in.Pending = fresh
		}
		d = o.engine.Decide(t.in)
		eff, err = o.apply(ctx, t, &d)
	}
	if err == nil {
		return d, eff
	}

	if d.Flow == models.FlowEmergency {
		slog.Error("Orchestrator.decideAndApply: emergency not recorded, instructing manual escalation",
			"session", t.in.SessionID, "user", t.in.UserID, "error", err)
		d.Reply = flow.ManualEscalationReply()
		eff.add(ActionManualEscalation)
		return d, eff
	}
	slog.Error("Orchestrator.decideAndApply: side effects failed", "session", t.in.SessionID, "decision", d.String(), "error", err)
	d.Reply = flow.TransientFailureReply()
	eff.add(ActionTransientFailure)
	return d, eff
}

// apply performs the decision's side effects: emergency first, then reminder and metrics,
// then the pending action.
func (o *Orchestrator) apply(ctx context.Context, t *turn, d *flow.Decision) (*effects, error) {
	eff := &effects{}

	if d.Emergency != nil {
		if err := o.applyEmergency(ctx, t, d, eff); err != nil {
			return eff, err
		}
	}

	if d.Action == models.ActionPersist && d.Reminder != nil {
		if err := o.persistReminder(ctx, t, d.Reminder, eff); err != nil {
			return eff, err
		}
	}
	if d.Flow == models.FlowReminder && d.Resolution == flow.ResolutionCancel {
		eff.add(ActionReminderDiscarded)
	}

	if d.Action == models.ActionPersist && len(d.Metrics) > 0 {
		if err := o.persistMetrics(ctx, t, d.Metrics, eff); err != nil {
			return eff, err
		}
	}

	prev := t.in.Pending
	switch {
	case d.SetPending != nil:
		if err := o.pending.Set(ctx, d.SetPending, prev); err != nil {
			return eff, err
		}
		eff.add(ActionPendingSet)
	case d.ClearPending && prev != nil:
		if err := o.pending.Clear(ctx, prev); err != nil {
			return eff, err
		}
		eff.add(ActionPendingCleared)
	}
	return eff, nil
}

func (o *Orchestrator) persistReminder(ctx context.Context, t *turn, draft *models.ReminderDraft, eff *effects) error {
	if !draft.Complete() {
		return fmt.Errorf("reminder draft incomplete: %w", models.ErrMissingDueAt)
	}
	source := draft.SourceMessageID
	if source == "" {
		source = t.in.MessageID
	}
	title := strings.TrimSpace(draft.Title)

	similar, err := o.store.FindSimilarReminder(ctx, t.in.UserID, title, *draft.DueAt, o.dedupTolerance)
	if err != nil {
		return fmt.Errorf("failed to look up similar reminders: %w", err)
	}
	if similar != nil && similar.SourceMessageID != source {
		slog.Info("Orchestrator.persistReminder: similar reminder exists", "user", t.in.UserID, "reminder", similar.ID)
		eff.reminderID = similar.ID
		eff.add(ActionReminderDuplicate)
		return nil
	}

	stored, created, err := o.store.UpsertReminder(ctx, models.Reminder{
		ID:              util.NewID(util.PrefixReminder),
		UserID:          t.in.UserID,
		Title:           title,
		DueAt:           *draft.DueAt,
		Status:          models.ReminderStatusConfirmed,
		SourceMessageID: source,
		CreatedAt:       t.in.Now,
	})
	if err != nil {
		return fmt.Errorf("failed to save reminder: %w", err)
	}
	eff.reminderID = stored.ID
	if created {
		eff.add(ActionReminderSaved)
	} else {
		eff.add(ActionReminderDuplicate)
	}
	if stored.Status == models.ReminderStatusConfirmed {
		if err := o.scheduleReminder(ctx, stored); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) persistMetrics(ctx context.Context, t *turn, metrics []models.HealthMetric, eff *effects) error {
	for i, m := range metrics {
		m.ID = util.StableID(util.PrefixMetric, t.in.MessageID, fmt.Sprint(i))
		m.UserID = t.in.UserID
		m.DeviceID = t.session.DeviceID
		m.CreatedAt = t.in.Now
		if err := o.store.SaveHealthMetric(ctx, m); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return fmt.Errorf("failed to save health metric %s: %w", m.Metric, err)
		}
	}
	eff.add(ActionMetricsSaved)
	return nil
}

// validate asks the flow validator for a second opinion, bounded by its timeout.
func (o *Orchestrator) validate(ctx context.Context, t *turn, prediction predictor.Result) *flow.FlowSuggestion {
	if o.validator == nil {
		return nil
	}
	vc := ValidationContext{Text: t.req.Text, Intent: prediction.Intent(), History: t.history}
	s, err := util.CallWithTimeout(ctx, o.validatorTimeout, func(ctx context.Context) (*flow.FlowSuggestion, error) {
		return o.validator.Validate(ctx, vc)
	})
	if err != nil {
		slog.Warn("Orchestrator.validate: validator unavailable", "session", t.session.ID, "error", err)
		return nil
	}
	if s != nil {
		slog.Debug("Orchestrator.validate: suggestion", "session", t.session.ID, "flow", s.Flow, "confidence", s.Confidence, "corrected", s.Corrected)
	}
	return s
}

// screenContent asks the content screen about the utterance. Any failure lets it through.
func (o *Orchestrator) screenContent(ctx context.Context, t *turn) *flow.ContentVerdict {
	if o.screen == nil {
		return nil
	}
	v, err := util.CallWithTimeout(ctx, o.screenTimeout, func(ctx context.Context) (*flow.ContentVerdict, error) {
		return o.screen.Screen(ctx, t.req.Text)
	})
	if err != nil {
		slog.Warn("Orchestrator.screenContent: screen unavailable, allowing", "session", t.session.ID, "error", err)
		return nil
	}
	if v != nil && !v.Allowed() {
		slog.Info("Orchestrator.screenContent: flagged", "session", t.session.ID, "class", v.Class, "reason", v.Reason)
	}
	return v
}

// composeReply returns the decision's reply, or generates one for the open-ended flows. The
// tone templates are the fallback when generation fails.
func (o *Orchestrator) composeReply(ctx context.Context, t *turn, d flow.Decision, analysis *models.MLAnalysis) string {
	if d.Reply != "" {
		return d.Reply
	}
	tags := tone.FromAnalysis(analysis)
	name := ""
	if t.user != nil {
		name = t.user.Name
	}

	if o.generator != nil {
		gc := GenerationContext{
			Flow:     d.Flow,
			Text:     t.req.Text,
			User:     t.user,
			History:  t.history,
			Analysis: analysis,
			ToneTags: tags,
		}
		text, err := util.CallWithTimeout(ctx, o.generatorTimeout, func(ctx context.Context) (string, error) {
			return o.generator.Generate(ctx, gc)
		})
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		slog.Warn("Orchestrator.composeReply: generator unavailable, using template", "session", t.session.ID, "error", err)
	}
	return tone.TemplateReply(d.Flow, tags, name, t.in.MessageID)
}

func (o *Orchestrator) loadUser(ctx context.Context, userID string) *models.User {
	u, err := o.store.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("Orchestrator.loadUser: lookup failed", "user", userID, "error", err)
	}
	if u == nil {
		return &models.User{ID: userID}
	}
	return u
}

// replay returns the stored response of an already processed client message, or nil. An
// unseen message is recorded; a recorded but unfinished one is processed again.
func (o *Orchestrator) replay(ctx context.Context, sessionID, clientMessageID string) *Response {
	rec, err := o.store.GetInbound(ctx, sessionID, clientMessageID)
	if err != nil {
		slog.Warn("Orchestrator.replay: dedup lookup failed", "session", sessionID, "error", err)
		return nil
	}
	if rec.Processed() {
		var resp Response
		if err := json.Unmarshal([]byte(rec.ResponseJSON), &resp); err != nil {
			slog.Error("Orchestrator.replay: stored response unreadable, reprocessing", "session", sessionID, "error", err)
			return nil
		}
		resp.Replayed = true
		slog.Info("Orchestrator.replay: duplicate message, replaying response", "session", sessionID, "clientMessageID", clientMessageID)
		return &resp
	}
	if rec == nil {
		if _, err := o.store.RecordInbound(ctx, sessionID, clientMessageID); err != nil {
			slog.Warn("Orchestrator.replay: record inbound failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) recordResponse(ctx context.Context, sessionID, clientMessageID string, resp *Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Orchestrator.recordResponse: marshal failed", "session", sessionID, "error", err)
		return
	}
	if err := o.store.CompleteInbound(ctx, sessionID, clientMessageID, string(b)); err != nil {
		slog.Warn("Orchestrator.recordResponse: complete inbound failed", "session", sessionID, "error", err)
	}
}
