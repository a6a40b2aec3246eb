// Package chat contains the quota-aware send controller and the pieces
// that serve it: fallback model selection and the deferred-retry
// scheduler. One Controller owns one conversation surface; everything it
// needs is injected, so sessions and tests are independent.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kitechat/kite/internal/api"
	"github.com/kitechat/kite/internal/logger"
	"github.com/kitechat/kite/internal/quota"
	"github.com/kitechat/kite/internal/transcript"
	"github.com/kitechat/kite/internal/tui"
)

// Generator is the outbound chat transport (implemented by api.Client).
type Generator interface {
	Chat(ctx context.Context, req *api.ChatRequest) (<-chan api.Event, error)
}

// Options configures a Controller.
type Options struct {
	Models       []api.ModelInfo
	Model        string
	SystemPrompt string
	// APIKey returns the current credential; empty means no key is
	// available and sends are silently rejected.
	APIKey func() string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Controller orchestrates one user turn end to end: persist the user
// message, transmit, consume the stream, and persist the reply — or
// recover from quota and transport failures along the way.
type Controller struct {
	gen          Generator
	store        transcript.Store
	quotas       *quota.Store
	io           tui.IO
	apiKey       func() string
	systemPrompt string
	now          func() time.Time
	scheduler    *Scheduler

	mu       sync.Mutex
	inFlight bool
	chat     *transcript.Chat
	history  []transcript.Message
	model    string
	models   []api.ModelInfo
	cancel   context.CancelFunc
}

// NewController wires a Controller and its retry scheduler.
func NewController(gen Generator, store transcript.Store, quotas *quota.Store, ui tui.IO, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.APIKey == nil {
		opts.APIKey = func() string { return "" }
	}
	c := &Controller{
		gen:          gen,
		store:        store,
		quotas:       quotas,
		io:           ui,
		apiKey:       opts.APIKey,
		systemPrompt: opts.SystemPrompt,
		now:          opts.Now,
		model:        opts.Model,
		models:       opts.Models,
	}
	c.scheduler = NewScheduler(c.retryFire, c.ActiveChatID, ui.Countdown)
	return c
}

// Scheduler returns the retry scheduler so the caller can run its poll loop.
func (c *Controller) Scheduler() *Scheduler {
	return c.scheduler
}

// ActiveModel returns the currently selected model.
func (c *Controller) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches the active model.
func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Models returns the model catalog the controller was built with.
func (c *Controller) Models() []api.ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models
}

// ActiveChatID returns the current chat's ID, or "" before the first turn.
func (c *Controller) ActiveChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chat == nil {
		return ""
	}
	return c.chat.ID
}

// NewChat leaves the current conversation; the next send starts a fresh
// one. Any retry armed for the old chat discards itself when it fires.
func (c *Controller) NewChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = nil
	c.history = nil
}

// OpenChat loads an existing conversation and makes it active.
func (c *Controller) OpenChat(id string) error {
	chat, err := c.store.GetChat(id)
	if err != nil {
		return err
	}
	msgs, err := c.store.Messages(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.chat = chat
	c.history = msgs
	c.mu.Unlock()
	return nil
}

// CancelSend cooperatively stops the in-flight stream, if any. Partial
// output received so far is kept, not discarded. Reports whether a send
// was actually cancelled.
func (c *Controller) CancelSend() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// SendMessage runs one user turn. Empty input, a missing credential, or
// an already in-flight send all make it a silent no-op; sends are never
// queued.
func (c *Controller) SendMessage(ctx context.Context, text string, images []string, modelOverride string) error {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return nil
	}
	if c.apiKey() == "" {
		logger.Debug("send rejected: no API key configured")
		return nil
	}
	if !c.begin() {
		return nil
	}
	defer c.end()

	c.mu.Lock()
	model := modelOverride
	if model == "" {
		model = c.model
	}
	if c.chat == nil {
		chat := transcript.NewChat(transcript.TitleFor(text))
		if err := c.store.CreateChat(chat); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("create chat: %w", err)
		}
		c.chat = chat
		c.history = nil
	}
	chat := c.chat
	prior := append([]transcript.Message(nil), c.history...)
	c.mu.Unlock()

	// The user's input is durable before any network traffic: whatever
	// happens to the request, the message is not lost.
	userMsg := transcript.NewMessage(transcript.RoleUser, text, images)
	if err := c.store.AppendMessage(chat.ID, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	c.appendHistory(*userMsg)

	return c.transmit(ctx, chat, model, text, images, prior)
}

// Regenerate discards everything after the last user message and resends
// it on the active model.
func (c *Controller) Regenerate(ctx context.Context) error {
	c.mu.Lock()
	chat := c.chat
	history := append([]transcript.Message(nil), c.history...)
	model := c.model
	c.mu.Unlock()

	if chat == nil {
		return nil
	}
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == transcript.RoleUser {
			last = i
			break
		}
	}
	if last == -1 {
		c.io.SystemMessage("Nothing to regenerate yet.")
		return nil
	}
	if !c.begin() {
		return nil
	}
	defer c.end()

	userMsg := history[last]
	if err := c.store.DeleteMessagesAfter(chat.ID, userMsg.ID); err != nil {
		return fmt.Errorf("truncate chat: %w", err)
	}
	c.mu.Lock()
	c.history = history[:last+1]
	c.mu.Unlock()

	return c.transmit(ctx, chat, model, userMsg.Content, userMsg.Images, history[:last])
}

// retryFire re-enters the send path with the original payload once the
// scheduler's deadline elapses. The user message is already in the
// transcript from the failed attempt, so it is not persisted again.
func (c *Controller) retryFire(p Payload) {
	c.mu.Lock()
	chat := c.chat
	prior := append([]transcript.Message(nil), c.history...)
	c.mu.Unlock()

	if chat == nil || chat.ID != p.ChatID {
		return
	}
	if !c.begin() {
		return
	}
	defer c.end()

	// The transcript tail is the user turn being retried; prior context
	// for the wire request excludes it.
	if n := len(prior); n > 0 && prior[n-1].Role == transcript.RoleUser {
		prior = prior[:n-1]
	}
	if err := c.transmit(context.Background(), chat, p.Model, p.Text, p.Images, prior); err != nil {
		c.io.Error(err.Error())
	}
}

// transmit sends one turn (prior context + the new message) and settles
// it: streamed reply persisted, partial output preserved on cancel,
// quota failures classified, other failures recorded in the transcript.
func (c *Controller) transmit(ctx context.Context, chat *transcript.Chat, model, text string, images []string, prior []transcript.Message) error {
	req := &api.ChatRequest{
		Model:        model,
		Messages:     wireMessages(prior),
		NewMessage:   api.NewMessage{Text: text, Images: imagesOrEmpty(images)},
		SystemPrompt: c.systemPrompt,
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	events, err := c.gen.Chat(sendCtx, req)
	if err != nil {
		return c.settleError(chat, model, text, images, "", err)
	}

	c.io.ThinkingStart()
	var buf strings.Builder
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case api.EventTextDelta:
			buf.WriteString(ev.TextDelta)
			c.io.TextDelta(ev.TextDelta)
		case api.EventError:
			streamErr = ev.Err
		case api.EventDone:
		}
	}
	full := buf.String()
	c.io.TextDone(full)

	if streamErr != nil {
		return c.settleError(chat, model, text, images, full, streamErr)
	}

	if err := c.persistAssistant(chat, full); err != nil {
		return err
	}
	c.touch(chat)
	return nil
}

// settleError finishes a turn that did not complete cleanly. partial is
// whatever streamed before the failure.
func (c *Controller) settleError(chat *transcript.Chat, model, text string, images []string, partial string, err error) error {
	// User cancellation is not an error: the partial reply has value and
	// becomes a completed assistant message.
	if errors.Is(err, context.Canceled) {
		if partial != "" {
			if perr := c.persistAssistant(chat, partial); perr != nil {
				return perr
			}
		}
		c.touch(chat)
		c.io.SystemMessage("Stopped.")
		return nil
	}

	var se *api.StatusError
	if errors.As(err, &se) && se.IsQuota() {
		c.handleQuotaExceeded(chat.ID, model, text, images, se.Body)
		c.touch(chat)
		return nil
	}

	// Everything else becomes part of the conversation record: failures
	// survive a reload instead of vanishing with the session.
	if partial != "" {
		if perr := c.persistAssistant(chat, partial); perr != nil {
			return perr
		}
	}
	if perr := c.persistAssistant(chat, "Error: "+err.Error()); perr != nil {
		return perr
	}
	c.touch(chat)
	c.io.Error(err.Error())
	return nil
}

// handleQuotaExceeded folds the upstream's quota error into the store and
// picks the most actionable reaction. Precedence: disabled for the plan,
// then window exhausted, then retryable throttle, then the generic
// banner. A permanently disabled model is the most useful fact to surface
// first.
func (c *Controller) handleQuotaExceeded(chatID, model, text string, images []string, body string) {
	now := c.now()
	d := quota.ParseError(body, now)

	delta := quota.Delta{Limit: d.Limit, Used: d.Used, Remaining: d.Remaining}
	switch {
	case !d.RetryAfter.IsZero():
		reset := d.RetryAfter
		delta.ResetAt = &reset
	case d.Period == quota.PeriodDay:
		reset := quota.NextUTCMidnight(now)
		delta.ResetAt = &reset
	}
	info := c.quotas.Update(model, delta)

	switch {
	case !d.Available:
		c.io.Banner(fmt.Sprintf("%s is unavailable on your current plan.", model))
		c.switchToFallback(model)

	case info.Exhausted():
		c.io.Banner(fmt.Sprintf("Quota for %s is used up for now. It becomes available again after the window resets.", model))
		c.switchToFallback(model)

	case !d.RetryAfter.IsZero():
		c.scheduler.Arm(Payload{ChatID: chatID, Model: model, Text: text, Images: images}, d.RetryAfter)
		c.io.Banner(fmt.Sprintf("Rate limited on %s. Retrying automatically.", model))

	default:
		c.io.Banner("Quota exceeded. Try again later or switch to another model.")
	}
}

// switchToFallback swaps the active model for the first usable candidate.
// Single hop: if the fallback itself hits quota on the next send, that
// failure is handled on its own, with no further automatic chaining.
func (c *Controller) switchToFallback(exclude string) {
	next, ok := SelectFallback(c.Models(), exclude, c.quotas)
	if !ok {
		return
	}
	c.mu.Lock()
	changed := c.model == exclude
	if changed {
		c.model = next
	}
	c.mu.Unlock()
	if changed {
		c.io.SystemMessage(fmt.Sprintf("Switched to %s.", next))
	}
}

func (c *Controller) persistAssistant(chat *transcript.Chat, content string) error {
	msg := transcript.NewMessage(transcript.RoleModel, content, nil)
	if err := c.store.AppendMessage(chat.ID, msg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	c.appendHistory(*msg)
	return nil
}

// touch refreshes the chat's updated-at stamp so chat lists reorder.
func (c *Controller) touch(chat *transcript.Chat) {
	if err := c.store.TouchChat(chat.ID, ""); err != nil {
		logger.Warn("touch chat failed", "chat", chat.ID, "error", err)
	}
}

func (c *Controller) appendHistory(m transcript.Message) {
	c.mu.Lock()
	c.history = append(c.history, m)
	c.mu.Unlock()
}

// Busy reports whether a send is currently in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// begin claims the single in-flight send slot. A second send while one is
// pending is rejected, not queued.
func (c *Controller) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return false
	}
	c.inFlight = true
	return true
}

func (c *Controller) end() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func wireMessages(msgs []transcript.Message) []api.WireMessage {
	out := make([]api.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, api.WireMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Images:  m.Images,
		})
	}
	return out
}

func imagesOrEmpty(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}
