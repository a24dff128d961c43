package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"pingx/internal/config"
	"pingx/internal/models"
	"pingx/internal/panel"
	"pingx/internal/panel/paneltest"
	"pingx/internal/pkg/locker"
	"pingx/internal/pkg/testdb"
	"pingx/internal/subscription"
)

const adminID = int64(1)

type sent struct {
	method string
	chatID string
	text   string // message text or photo caption
	photo  []byte
}

// telegramAPI fakes the Bot API endpoints the bot calls.
type telegramAPI struct {
	mu        sync.Mutex
	calls     []sent
	failPhoto bool
}

// uploaded returns the bytes of a multipart upload. telebot sends readers
// without a filename, which puts the part under Value instead of File.
func uploaded(form *multipart.Form, field string) []byte {
	if form == nil {
		return nil
	}
	if fh := form.File[field]; len(fh) > 0 {
		file, err := fh[0].Open()
		if err != nil {
			return nil
		}
		defer file.Close()
		b, _ := io.ReadAll(file)
		return b
	}
	if v := form.Value[field]; len(v) > 0 {
		return []byte(v[0])
	}
	return nil
}

func (f *telegramAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	call := sent{method: method}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
		call.chatID = r.FormValue("chat_id")
		call.text = r.FormValue("caption")
		call.photo = uploaded(r.MultipartForm, "photo")
	} else {
		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)
		call.chatID, _ = params["chat_id"].(string)
		call.text, _ = params["text"].(string)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail := f.failPhoto && method == "sendPhoto"
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: IMAGE_PROCESS_FAILED"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},` +
		`"photo":[{"file_id":"f","file_unique_id":"u","width":512,"height":512}]}}`))
}

func (f *telegramAPI) sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sent, 0, len(f.calls))
	for _, c := range f.calls {
		if c.method != "answerCallbackQuery" {
			out = append(out, c)
		}
	}
	return out
}

func (f *telegramAPI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type env struct {
	api   *telegramAPI
	bot   *Bot
	svc   *subscription.Service
	repos *subscription.Repos
	panel *paneltest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	api := &telegramAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	db := testdb.Open(t)
	repos := subscription.NewRepos(db)
	b, err := newBot(config.BotConfig{}, tele.Settings{
		URL:         srv.URL,
		Token:       "test-token",
		Offline:     true,
		Synchronous: true,
	}, nil, repos, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	pt := paneltest.New(t)
	pt.AddInbound(testdb.InboundID, "main")
	sess := panel.NewSession(panel.Config{BaseURL: pt.URL, Username: pt.Username, Password: pt.Password}, zap.NewNop())
	svc := subscription.NewService(subscription.Config{InboundID: testdb.InboundID, AdminIDs: []int64{adminID}},
		sess, repos, locker.NewMemory(), b, zap.NewNop())
	b.Bind(svc)
	return &env{api: api, bot: b, svc: svc, repos: repos, panel: pt}
}

func user(id int64) *tele.User {
	return &tele.User{ID: id, Username: "alice", FirstName: "Alice"}
}

func (e *env) text(from int64, text string) {
	e.bot.tb.ProcessUpdate(tele.Update{ID: 1, Message: &tele.Message{
		ID: 1, Sender: user(from), Chat: &tele.Chat{ID: from, Type: tele.ChatPrivate}, Text: text,
	}})
}

func (e *env) press(from int64, data string) {
	e.bot.tb.ProcessUpdate(tele.Update{ID: 2, Callback: &tele.Callback{
		ID: "cb", Sender: user(from), Data: "\f" + data,
		Message: &tele.Message{ID: 5, Chat: &tele.Chat{ID: from, Type: tele.ChatPrivate}},
	}})
}

func TestDeliverLinkSendsQRCode(t *testing.T) {
	e := newEnv(t)
	if err := e.bot.DeliverLink(context.Background(), 42, "https://sub.example.com/sub/abc"); err != nil {
		t.Fatalf("DeliverLink() error = %v", err)
	}
	calls := e.api.sends()
	if len(calls) != 1 || calls[0].method != "sendPhoto" {
		t.Fatalf("calls = %+v", calls)
	}
	c := calls[0]
	if c.chatID != "42" || !strings.Contains(c.text, "https://sub.example.com/sub/abc") {
		t.Fatalf("photo call = %+v", c)
	}
	if !bytes.HasPrefix(c.photo, []byte("\x89PNG")) {
		t.Fatalf("photo is not a PNG (%d bytes)", len(c.photo))
	}
}

func TestDeliverLinkFallsBackToText(t *testing.T) {
	e := newEnv(t)
	e.api.failPhoto = true
	if err := e.bot.DeliverLink(context.Background(), 42, "https://x/sub/abc"); err != nil {
		t.Fatalf("DeliverLink() error = %v", err)
	}
	calls := e.api.sends()
	if len(calls) != 2 || calls[1].method != "sendMessage" || !strings.Contains(calls[1].text, "https://x/sub/abc") {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestStartRegistersUser(t *testing.T) {
	e := newEnv(t)
	e.text(7, "/start")

	u, err := e.repos.User.FindByID(7)
	if err != nil || u.Username != "alice" || u.Step != models.StepNone {
		t.Fatalf("user = %+v, %v", u, err)
	}
	calls := e.api.sends()
	if len(calls) != 1 || !strings.Contains(calls[0].text, "Balance") {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestBuyFromChat(t *testing.T) {
	e := newEnv(t)
	e.text(7, "/start")
	if _, err := e.svc.Credit(7, 100_000, adminID); err != nil {
		t.Fatal(err)
	}
	e.api.reset()

	e.press(7, "confirm_vol_lite")

	var photo, result bool
	for _, c := range e.api.sends() {
		switch {
		case c.method == "sendPhoto" && c.chatID == "7":
			photo = true
		case c.method == "sendMessage" && strings.Contains(c.text, "New subscription"):
			result = true
		}
	}
	if !photo || !result {
		t.Fatalf("photo=%v result=%v calls=%+v", photo, result, e.api.sends())
	}
	rows, _, _ := e.svc.Purchases(7, 10, 1)
	if len(rows) != 1 || !rows[0].Active {
		t.Fatalf("purchases = %+v", rows)
	}
}

func TestBuyFromChatWithoutBalance(t *testing.T) {
	e := newEnv(t)
	e.text(7, "/start")
	e.api.reset()

	e.press(7, "confirm_vol_lite")

	calls := e.api.sends()
	last := calls[len(calls)-1]
	if !strings.Contains(last.text, "Not enough balance") {
		t.Fatalf("last message = %q", last.text)
	}
}

func TestTopUpConversation(t *testing.T) {
	e := newEnv(t)
	e.text(7, "/start")
	e.press(7, "topup")
	if u, _ := e.repos.User.FindByID(7); u.Step != models.StepTopUpAmount {
		t.Fatalf("step = %q", u.Step)
	}

	e.api.reset()
	e.text(7, "۱۵۰,۰۰۰")

	var review bool
	for _, c := range e.api.sends() {
		if c.chatID == "1" && strings.Contains(c.text, "150,000") {
			review = true
		}
	}
	if !review {
		t.Fatalf("admin review not sent: %+v", e.api.sends())
	}
	pending, total, _ := e.svc.TopUps(models.TopUpPending, 10, 1)
	if total != 1 {
		t.Fatalf("pending top-ups = %d", total)
	}

	// non-admins cannot approve
	e.press(7, cbTopUpApprove+id(pending[0].ID))
	if b, _ := e.svc.Balance(7); b != 0 {
		t.Fatalf("balance after non-admin approve = %d", b)
	}

	e.press(adminID, cbTopUpApprove+id(pending[0].ID))
	if b, _ := e.svc.Balance(7); b != 150_000 {
		t.Fatalf("balance = %d, want 150000", b)
	}
	if u, _ := e.repos.User.FindByID(7); u.Step != models.StepNone {
		t.Fatalf("step after request = %q", u.Step)
	}
}

func TestSubscriptionDetailAndRotate(t *testing.T) {
	e := newEnv(t)
	e.text(7, "/start")
	if _, err := e.svc.Credit(7, 100_000, adminID); err != nil {
		t.Fatal(err)
	}
	res, err := e.svc.Buy(context.Background(), subscription.BuyRequest{UserID: 7, PlanID: "vol_lite"})
	if err != nil {
		t.Fatal(err)
	}
	e.panel.SetTraffic(testdb.InboundID, res.Purchase.ClientEmail, 1<<30, 1<<30)
	e.api.reset()

	e.press(7, cbUsage+id(res.Purchase.ID))
	calls := e.api.sends()
	if len(calls) != 1 || !strings.Contains(calls[0].text, "2.0 GB") {
		t.Fatalf("detail = %+v", calls)
	}

	e.api.reset()
	e.press(7, cbRotate+id(res.Purchase.ID))
	stored, _ := e.repos.Purchase.FindByID(res.Purchase.ID)
	if stored.SubID == res.Purchase.SubID {
		t.Fatal("sub id not rotated")
	}
	calls = e.api.sends()
	if len(calls) != 1 || calls[0].method != "sendPhoto" || !strings.Contains(calls[0].text, stored.SubID) {
		t.Fatalf("rotate calls = %+v", calls)
	}

	// someone else's purchase
	e.api.reset()
	e.press(8, cbSub+id(res.Purchase.ID))
	if calls := e.api.sends(); len(calls) != 1 || !strings.Contains(calls[0].text, "not found") {
		t.Fatalf("foreign detail = %+v", calls)
	}
}
