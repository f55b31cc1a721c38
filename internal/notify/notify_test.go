package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingTransport struct {
	mu     sync.Mutex
	sent   []Envelope
	failOn int // 1-based call index that fails, 0 for never
	calls  int
}

func (r *recordingTransport) Send(_ context.Context, env Envelope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == r.failOn {
		return "", errors.New("throttled")
	}
	r.sent = append(r.sent, env)
	return fmt.Sprintf("id-%d", r.calls), nil
}

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("u%03d@example.com", i)
	}
	return out
}

func TestBatches(t *testing.T) {
	cases := []struct {
		n     int
		sizes []int
	}{
		{0, nil},
		{1, []int{1}},
		{50, []int{50}},
		{51, []int{50, 1}},
		{120, []int{50, 50, 20}},
	}
	for _, tc := range cases {
		var sizes []int
		var joined []string
		for _, b := range Batches(addresses(tc.n), MaxBatch) {
			sizes = append(sizes, len(b))
			joined = append(joined, b...)
		}
		if !slices.Equal(sizes, tc.sizes) {
			t.Fatalf("n=%d: sizes %v, want %v", tc.n, sizes, tc.sizes)
		}
		if !slices.Equal(joined, addresses(tc.n)) {
			t.Fatalf("n=%d: batches lost or reordered recipients", tc.n)
		}
	}
}

func TestSenderAddress(t *testing.T) {
	if got := SenderAddress("ops@example.com", ""); got != "no-reply@example.com" {
		t.Fatalf("got %q", got)
	}
	if got := SenderAddress("ops@example.com", "pager.example.net"); got != "no-reply@pager.example.net" {
		t.Fatalf("override ignored: %q", got)
	}
	if got := SenderAddress("ops", ""); got != "no-reply@localhost" {
		t.Fatalf("got %q", got)
	}
}

func TestDispatcherAttemptsEveryBatch(t *testing.T) {
	tr := &recordingTransport{failOn: 1}
	d := &Dispatcher{Transport: tr}

	res := d.Notify(context.Background(), "no-reply@example.com", addresses(120), "subj", "body")
	if tr.calls != 3 {
		t.Fatalf("expected 3 sends, got %d", tr.calls)
	}
	if len(res.Failures) != 1 || len(res.Failures[0].Recipients) != 50 {
		t.Fatalf("unexpected failures %+v", res.Failures)
	}
	if !slices.Equal(res.DeliveryIDs(), []string{"id-2", "id-3"}) {
		t.Fatalf("unexpected ids %v", res.DeliveryIDs())
	}
	if res.Err() == nil || !strings.Contains(res.Err().Error(), "throttled") {
		t.Fatalf("expected joined error, got %v", res.Err())
	}
	for _, env := range tr.sent {
		if env.From != "no-reply@example.com" || env.Subject != "subj" || env.Body != "body" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}
}

func TestDispatcherNoRecipients(t *testing.T) {
	tr := &recordingTransport{}
	res := (&Dispatcher{Transport: tr}).Notify(context.Background(), "f", nil, "s", "b")
	if tr.calls != 0 || res.Err() != nil || len(res.Receipts) != 0 {
		t.Fatalf("expected no-op, got calls=%d res=%+v", tr.calls, res)
	}
}

func TestSMTPTransportBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	tr := NewSMTPTransport("mail.example.com:587", "user", "secret")
	tr.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	tr.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	id, err := tr.Send(context.Background(), Envelope{
		From:    "no-reply@example.com",
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "disk full",
		Body:    "Ack page: https://ack/1\n\nFrom: x",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@example.com>") {
		t.Fatalf("unexpected message id %q", id)
	}
	if gotAddr != "mail.example.com:587" || gotFrom != "no-reply@example.com" || len(gotTo) != 2 || gotAuth == nil {
		t.Fatalf("unexpected smtp call addr=%s from=%s to=%v", gotAddr, gotFrom, gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{
		"Subject: disk full\r\n",
		"Message-Id: " + id + "\r\n",
		"\r\n\r\nAck page: https://ack/1\r\n\r\nFrom: x",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "a@example.com") {
		t.Fatal("recipients leaked into headers")
	}
}

func TestSMTPTransportErrors(t *testing.T) {
	tr := NewSMTPTransport("mail.example.com:25", "", "")
	tr.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 rejected") }
	if _, err := tr.Send(context.Background(), Envelope{From: "f@x", To: []string{"a@x"}}); err == nil {
		t.Fatal("expected relay error")
	}
	if _, err := tr.Send(context.Background(), Envelope{From: "f@x"}); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
}

func newSlackServer(t *testing.T, channels *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		mu.Lock()
		*channels = append(*channels, form.Get("channel"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if form.Get("channel") == "#missing" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackTransportPostsPerChannel(t *testing.T) {
	var channels []string
	srv := newSlackServer(t, &channels)
	tr, err := NewSlackTransport("xoxb-test", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new slack transport: %v", err)
	}

	id, err := tr.Send(context.Background(), Envelope{To: []string{"slack:#ops", "slack:#db"}, Subject: "s", Body: "b"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !slices.Equal(channels, []string{"#ops", "#db"}) {
		t.Fatalf("unexpected channels %v", channels)
	}
	if id != "1700000000.000100,1700000000.000100" {
		t.Fatalf("unexpected id %q", id)
	}

	if _, err := tr.Send(context.Background(), Envelope{To: []string{"slack:#missing"}}); err == nil {
		t.Fatal("expected channel_not_found error")
	}
}

func TestSlackTransportCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasSuffix(r.URL.Path, "/auth.test") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"user":"kafpage","team":"Acme","user_id":"U1","team_id":"T1"}`))
	}))
	defer srv.Close()

	tr, err := NewSlackTransport("xoxb-test", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new slack transport: %v", err)
	}
	detail, err := tr.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if detail != "authenticated as kafpage in Acme" {
		t.Fatalf("unexpected detail %q", detail)
	}
}

func TestNewSlackTransportRequiresToken(t *testing.T) {
	if _, err := NewSlackTransport(" ", "", nil); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestRouterSplitsContacts(t *testing.T) {
	mail := &recordingTransport{}
	chat := &recordingTransport{}
	r := &Router{Mail: mail, Slack: chat}

	id, err := r.Send(context.Background(), Envelope{To: []string{"a@example.com", "slack:#ops", "b@example.com"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "id-1,id-1" {
		t.Fatalf("unexpected joined id %q", id)
	}
	if !slices.Equal(mail.sent[0].To, []string{"a@example.com", "b@example.com"}) {
		t.Fatalf("mail got %v", mail.sent[0].To)
	}
	if !slices.Equal(chat.sent[0].To, []string{"slack:#ops"}) {
		t.Fatalf("slack got %v", chat.sent[0].To)
	}

	r.Slack = nil
	if _, err := r.Send(context.Background(), Envelope{To: []string{"slack:#ops"}}); err == nil {
		t.Fatal("expected unconfigured slack error")
	}
}

func TestDispatcherKeepsReceiptForPartialBatch(t *testing.T) {
	mail := &recordingTransport{}
	chat := &recordingTransport{failOn: 1}
	d := &Dispatcher{Transport: &Router{Mail: mail, Slack: chat}}

	res := d.Notify(context.Background(), "no-reply@example.com",
		[]string{"a@example.com", "slack:#ops", "b@example.com"}, "disk", "body")

	if len(res.Receipts) != 1 || res.Receipts[0].DeliveryID != "id-1" {
		t.Fatalf("mail delivery dropped: %+v", res.Receipts)
	}
	if !slices.Equal(res.Receipts[0].Recipients, []string{"a@example.com", "b@example.com"}) {
		t.Fatalf("unexpected delivered recipients %v", res.Receipts[0].Recipients)
	}
	if len(res.Failures) != 1 || !slices.Equal(res.Failures[0].Recipients, []string{"slack:#ops"}) {
		t.Fatalf("unexpected failures %+v", res.Failures)
	}
}

func TestRouterReportsPartialDelivery(t *testing.T) {
	r := &Router{Mail: &recordingTransport{}}
	id, err := r.Send(context.Background(), Envelope{To: []string{"a@example.com", "slack:#ops"}})

	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected partial error, got %v", err)
	}
	if id != "id-1" || partial.DeliveryID != "id-1" {
		t.Fatalf("unexpected delivery id %q / %q", id, partial.DeliveryID)
	}
	if !slices.Equal(partial.Sent, []string{"a@example.com"}) || !slices.Equal(partial.Failed, []string{"slack:#ops"}) {
		t.Fatalf("unexpected split %+v", partial)
	}
}
