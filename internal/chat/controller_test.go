package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kitechat/kite/internal/api"
	"github.com/kitechat/kite/internal/quota"
	"github.com/kitechat/kite/internal/transcript"
)

// fakeGen scripts the transport one call at a time.
type fakeGen struct {
	calls []*api.ChatRequest
	next  func(req *api.ChatRequest) (<-chan api.Event, error)
}

func (g *fakeGen) Chat(ctx context.Context, req *api.ChatRequest) (<-chan api.Event, error) {
	g.calls = append(g.calls, req)
	return g.next(req)
}

func eventStream(events ...api.Event) <-chan api.Event {
	ch := make(chan api.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func textReply(chunks ...string) <-chan api.Event {
	events := make([]api.Event, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, api.Event{Type: api.EventTextDelta, TextDelta: c})
	}
	events = append(events, api.Event{Type: api.EventDone})
	return eventStream(events...)
}

// fakeIO records everything the controller surfaces.
type fakeIO struct {
	banners    []string
	systems    []string
	errors     []string
	countdowns []int
	deltas     []string
}

func (f *fakeIO) ReadInput() (string, error) { return "", nil }
func (f *fakeIO) ThinkingStart()             {}
func (f *fakeIO) TextDelta(d string)         { f.deltas = append(f.deltas, d) }
func (f *fakeIO) TextDone(string)            {}
func (f *fakeIO) Banner(text string)         { f.banners = append(f.banners, text) }
func (f *fakeIO) Countdown(sec int)          { f.countdowns = append(f.countdowns, sec) }
func (f *fakeIO) SystemMessage(text string)  { f.systems = append(f.systems, text) }
func (f *fakeIO) Error(msg string)           { f.errors = append(f.errors, msg) }

type fixture struct {
	gen    *fakeGen
	store  *transcript.SQLiteStore
	quotas *quota.Store
	io     *fakeIO
	ctrl   *Controller
	now    time.Time
}

func newFixture(t *testing.T, models ...string) *fixture {
	t.Helper()
	store, err := transcript.NewSQLiteStore(filepath.Join(t.TempDir(), "kite.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		gen:    &fakeGen{},
		store:  store,
		quotas: quota.NewStore(mapBackend{}),
		io:     &fakeIO{},
		// Anchored to the real clock: the quota store normalizes against
		// time.Now, so reset instants computed here must be in the future.
		now: time.Now().UTC(),
	}
	if len(models) == 0 {
		models = []string{"m1"}
	}
	f.ctrl = NewController(f.gen, store, f.quotas, f.io, Options{
		Models: catalog(models...),
		Model:  models[0],
		APIKey: func() string { return "test-key" },
		Now:    func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) messages(t *testing.T) []transcript.Message {
	t.Helper()
	msgs, err := f.store.Messages(f.ctrl.ActiveChatID())
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	return msgs
}

func TestSendPersistsReply(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return textReply("Hello", ", world"), nil
	}

	if err := f.ctrl.SendMessage(context.Background(), "hi there", nil, ""); err != nil {
		t.Fatal(err)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != transcript.RoleUser || msgs[0].Content != "hi there" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != transcript.RoleModel || msgs[1].Content != "Hello, world" {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func TestSendNoOps(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		t.Fatal("transport must not be called")
		return nil, nil
	}

	if err := f.ctrl.SendMessage(context.Background(), "   ", nil, ""); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.ActiveChatID() != "" {
		t.Fatal("blank input should not create a chat")
	}

	noKey := newFixture(t)
	noKey.gen.next = f.gen.next
	noKey.ctrl = NewController(noKey.gen, noKey.store, noKey.quotas, noKey.io, Options{
		Models: catalog("m1"),
		Model:  "m1",
		APIKey: func() string { return "" },
	})
	if err := noKey.ctrl.SendMessage(context.Background(), "hello", nil, ""); err != nil {
		t.Fatal(err)
	}
	if len(noKey.gen.calls) != 0 {
		t.Fatal("send without a key must not reach the transport")
	}
}

func TestUserMessageDurableOnTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	if err := f.ctrl.SendMessage(context.Background(), "are you there", nil, ""); err != nil {
		t.Fatal(err)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + error record", len(msgs))
	}
	if msgs[0].Role != transcript.RoleUser || msgs[0].Content != "are you there" {
		t.Fatalf("user message not persisted first: %+v", msgs[0])
	}
	if msgs[1].Role != transcript.RoleModel || !strings.HasPrefix(msgs[1].Content, "Error: ") {
		t.Fatalf("failure not recorded in transcript: %+v", msgs[1])
	}
	if len(f.io.errors) != 1 {
		t.Fatalf("errors surfaced = %v, want one", f.io.errors)
	}
}

func TestPartialOutputPreservedOnCancel(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return eventStream(
			api.Event{Type: api.EventTextDelta, TextDelta: "The answer "},
			api.Event{Type: api.EventTextDelta, TextDelta: "is"},
			api.Event{Type: api.EventError, Err: context.Canceled},
		), nil
	}

	if err := f.ctrl.SendMessage(context.Background(), "question", nil, ""); err != nil {
		t.Fatal(err)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + partial reply", len(msgs))
	}
	if msgs[1].Role != transcript.RoleModel || msgs[1].Content != "The answer is" {
		t.Fatalf("partial reply lost: %+v", msgs[1])
	}
	if len(f.io.systems) != 1 || f.io.systems[0] != "Stopped." {
		t.Fatalf("systems = %v, want Stopped.", f.io.systems)
	}
	if len(f.io.errors) != 0 {
		t.Fatalf("cancel surfaced as error: %v", f.io.errors)
	}
}

func TestQuotaDisabledSwitchesModel(t *testing.T) {
	f := newFixture(t, "m1", "m2")
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, &api.StatusError{
			Status: 429,
			Body:   `quota exceeded for metric, limit: 0, model blocked`,
		}
	}

	if err := f.ctrl.SendMessage(context.Background(), "hi", nil, ""); err != nil {
		t.Fatal(err)
	}

	info, ok := f.quotas.Get("m1")
	if !ok || !info.Disabled() {
		t.Fatalf("quota record for m1 = %+v, %v; want disabled", info, ok)
	}
	if len(f.io.banners) != 1 || !strings.Contains(f.io.banners[0], "unavailable") {
		t.Fatalf("banners = %v", f.io.banners)
	}
	if got := f.ctrl.ActiveModel(); got != "m2" {
		t.Fatalf("ActiveModel = %q, want fallback m2", got)
	}
	// No assistant error record for a handled quota failure.
	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].Role != transcript.RoleUser {
		t.Fatalf("messages = %+v, want just the user turn", msgs)
	}
}

func TestQuotaExhaustedDailyFallsBack(t *testing.T) {
	f := newFixture(t, "m1", "m2")
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, &api.StatusError{
			Status: 429,
			Body:   `violations { quotaMetric: "requests" limit: 50 } "quotaValue": "50" GenerateRequestsPerDay`,
		}
	}

	if err := f.ctrl.SendMessage(context.Background(), "hi", nil, ""); err != nil {
		t.Fatal(err)
	}

	info, ok := f.quotas.Get("m1")
	if !ok || !info.Exhausted() {
		t.Fatalf("quota record for m1 = %+v, %v; want exhausted", info, ok)
	}
	wantReset := quota.NextUTCMidnight(f.now)
	if !info.ResetAt.Equal(wantReset) {
		t.Fatalf("ResetAt = %v, want %v", info.ResetAt, wantReset)
	}
	if len(f.io.banners) != 1 || !strings.Contains(f.io.banners[0], "used up") {
		t.Fatalf("banners = %v", f.io.banners)
	}
	if got := f.ctrl.ActiveModel(); got != "m2" {
		t.Fatalf("ActiveModel = %q, want fallback m2", got)
	}
}

func TestQuotaRetryDelayArmsScheduler(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, &api.StatusError{
			Status: 429,
			Body:   `resource exhausted, retryDelay: 30s, PerMinute`,
		}
	}

	if err := f.ctrl.SendMessage(context.Background(), "hi", nil, ""); err != nil {
		t.Fatal(err)
	}

	at, ok := f.ctrl.Scheduler().PendingAt()
	if !ok {
		t.Fatal("scheduler not armed")
	}
	if want := f.now.Add(30 * time.Second); !at.Equal(want) {
		t.Fatalf("PendingAt = %v, want %v", at, want)
	}
	if len(f.io.banners) != 1 || !strings.Contains(f.io.banners[0], "Rate limited") {
		t.Fatalf("banners = %v", f.io.banners)
	}
	if got := f.ctrl.ActiveModel(); got != "m1" {
		t.Fatalf("ActiveModel = %q, a retryable throttle must not switch models", got)
	}
}

func TestQuotaGenericBanner(t *testing.T) {
	f := newFixture(t, "m1", "m2")
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, &api.StatusError{Status: 429, Body: "slow down"}
	}

	if err := f.ctrl.SendMessage(context.Background(), "hi", nil, ""); err != nil {
		t.Fatal(err)
	}

	if len(f.io.banners) != 1 || !strings.Contains(f.io.banners[0], "Quota exceeded") {
		t.Fatalf("banners = %v", f.io.banners)
	}
	if f.ctrl.Scheduler().Armed() {
		t.Fatal("generic quota failure must not arm a retry")
	}
	if got := f.ctrl.ActiveModel(); got != "m1" {
		t.Fatalf("ActiveModel = %q, want unchanged", got)
	}
}

func TestRetryFireResendsWithoutDuplicatingUserMessage(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, &api.StatusError{Status: 429, Body: "retryDelay: 5s"}
	}
	if err := f.ctrl.SendMessage(context.Background(), "try me", nil, ""); err != nil {
		t.Fatal(err)
	}
	if !f.ctrl.Scheduler().Armed() {
		t.Fatal("expected an armed retry")
	}

	// Second attempt succeeds.
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return textReply("recovered"), nil
	}
	f.now = f.now.Add(5 * time.Second)
	f.ctrl.Scheduler().tick(f.now)

	if f.ctrl.Scheduler().Armed() {
		t.Fatal("intent should be consumed")
	}
	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want one user turn and one reply", len(msgs))
	}
	if msgs[0].Content != "try me" || msgs[1].Content != "recovered" {
		t.Fatalf("messages = %+v", msgs)
	}

	// The retried request must carry the same text without echoing the
	// already-persisted user turn as prior context.
	if len(f.gen.calls) != 2 {
		t.Fatalf("transport calls = %d, want 2", len(f.gen.calls))
	}
	retry := f.gen.calls[1]
	if retry.NewMessage.Text != "try me" {
		t.Fatalf("retried text = %q", retry.NewMessage.Text)
	}
	if len(retry.Messages) != 0 {
		t.Fatalf("retry prior context = %+v, want empty", retry.Messages)
	}
}

func TestRetryFireDiscardedAfterNewChat(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return nil, &api.StatusError{Status: 429, Body: "retryDelay: 5s"}
	}
	if err := f.ctrl.SendMessage(context.Background(), "hello", nil, ""); err != nil {
		t.Fatal(err)
	}
	oldChat := f.ctrl.ActiveChatID()

	f.ctrl.NewChat()
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		t.Fatal("discarded retry must not transmit")
		return nil, nil
	}
	f.now = f.now.Add(5 * time.Second)
	f.ctrl.Scheduler().tick(f.now)

	if f.ctrl.Scheduler().Armed() {
		t.Fatal("intent should be dropped")
	}
	msgs, err := f.store.Messages(oldChat)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("old chat messages = %+v, want only the original user turn", msgs)
	}
}

func TestRegenerateTruncatesAndResends(t *testing.T) {
	f := newFixture(t)
	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return textReply("first answer"), nil
	}
	if err := f.ctrl.SendMessage(context.Background(), "question", nil, ""); err != nil {
		t.Fatal(err)
	}

	f.gen.next = func(*api.ChatRequest) (<-chan api.Event, error) {
		return textReply("second answer"), nil
	}
	if err := f.ctrl.Regenerate(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + regenerated reply", len(msgs))
	}
	if msgs[1].Content != "second answer" {
		t.Fatalf("reply = %q, want the regenerated one", msgs[1].Content)
	}
}

func TestModelOverrideUsedForSingleSend(t *testing.T) {
	f := newFixture(t, "m1", "m2")
	f.gen.next = func(req *api.ChatRequest) (<-chan api.Event, error) {
		if req.Model != "m2" {
			t.Fatalf("request model = %q, want override m2", req.Model)
		}
		return textReply("ok"), nil
	}
	if err := f.ctrl.SendMessage(context.Background(), "hi", nil, "m2"); err != nil {
		t.Fatal(err)
	}
	if got := f.ctrl.ActiveModel(); got != "m1" {
		t.Fatalf("ActiveModel = %q, override must not stick", got)
	}
}
