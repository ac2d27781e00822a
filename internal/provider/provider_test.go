package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// mockHTTPClient records requests and replies with a canned response.
type mockHTTPClient struct {
	mu       sync.Mutex
	requests []*HTTPRequest
	resp     *HTTPResponse
	err      error
}

func (m *mockHTTPClient) Do(_ context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

// mockProvider is a scriptable Provider.
type mockProvider struct {
	name      string
	sendErr   error
	healthErr error
	panicWith any
	sent      []*Message
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Send(_ context.Context, msg *Message) (*Receipt, error) {
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	m.sent = append(m.sent, msg)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &Receipt{ProviderMessageID: "mock-1", Accepted: len(msg.To)}, nil
}

func (m *mockProvider) HealthCheck(_ context.Context) error { return m.healthErr }

func testMessage(emails ...string) *Message {
	msg := &Message{
		ID:      "nl-1-0",
		Subject: "Hello %recipient.email%",
		HTML:    "<p>Hi %recipient.email%, you have %recipient.email_count% mails</p>",
		Text:    "Hi %recipient.email%",
		From:    Address{Name: "Acme News", Email: "news@acme.test"},
		ReplyTo: Address{Email: "reply@acme.test"},
	}
	for i, e := range emails {
		msg.To = append(msg.To, Recipient{Email: e, Vars: map[string]any{"id": int64(i + 1), "email": e, "email_count": i}})
	}
	return msg
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		p := &mockProvider{name: "mock"}
		res := Deliver(ctx, p, testMessage("a@x.test"))
		if !res.OK {
			t.Fatalf("Deliver() OK = false, diagnostic %q", res.Diagnostic)
		}
		if res.Receipt == nil || res.Receipt.Accepted != 1 {
			t.Errorf("Deliver() receipt = %+v", res.Receipt)
		}
	})

	t.Run("send error", func(t *testing.T) {
		p := &mockProvider{name: "mock", sendErr: errors.New("boom")}
		res := Deliver(ctx, p, testMessage("a@x.test"))
		if res.OK || res.Diagnostic != "boom" {
			t.Errorf("Deliver() = %+v, want failure with diagnostic boom", res)
		}
	})

	t.Run("classified error", func(t *testing.T) {
		p := &mockProvider{name: "mock", sendErr: ClassifyHTTPError("mock", 401, "bad key")}
		res := Deliver(ctx, p, testMessage("a@x.test"))
		if res.OK || !strings.HasPrefix(res.Diagnostic, "permanent: ") {
			t.Errorf("Deliver() = %+v, want permanent diagnostic", res)
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		p := &mockProvider{name: "mock", panicWith: "nil map"}
		res := Deliver(ctx, p, testMessage("a@x.test"))
		if res.OK || !strings.Contains(res.Diagnostic, "nil map") {
			t.Errorf("Deliver() = %+v, want recovered panic", res)
		}
	})

	t.Run("nil provider", func(t *testing.T) {
		if res := Deliver(ctx, nil, testMessage("a@x.test")); res.OK {
			t.Error("Deliver() with nil provider OK = true")
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		p := &mockProvider{name: "mock"}
		if res := Deliver(ctx, p, testMessage()); res.OK {
			t.Error("Deliver() with no recipients OK = true")
		}
		if len(p.sent) != 0 {
			t.Error("provider called for empty message")
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		res := Deliver(ctx, NewUnconfigured("mailgun", errors.New("api_key is required")), testMessage("a@x.test"))
		if res.OK || !strings.Contains(res.Diagnostic, "not configured") {
			t.Errorf("Deliver() = %+v, want unconfigured failure", res)
		}
	})
}

func TestPersonalize(t *testing.T) {
	vars := map[string]any{"email": "a@x.test", "id": int64(7), "email_count": 0}
	tests := []struct {
		in, want string
	}{
		{"Hi %recipient.email%", "Hi a@x.test"},
		{"%recipient.id%/%recipient.email_count%", "7/0"},
		{"%recipient.missing%!", "!"},
		{"100% sure", "100% sure"},
		{"no tokens", "no tokens"},
	}
	for _, tt := range tests {
		if got := Personalize(tt.in, vars); got != tt.want {
			t.Errorf("Personalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Personalize("x %recipient.email% y", nil); got != "x  y" {
		t.Errorf("Personalize() with nil vars = %q", got)
	}
}

func TestAddress_String(t *testing.T) {
	tests := []struct {
		addr Address
		want string
	}{
		{Address{Email: "a@x.test"}, "<a@x.test>"},
		{Address{Name: "Acme", Email: "a@x.test"}, `"Acme" <a@x.test>`},
		{Address{}, ""},
	}
	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("Address%+v.String() = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestMessage_Emails(t *testing.T) {
	msg := testMessage("a@x.test", "b@x.test")
	got := msg.Emails()
	if len(got) != 2 || got[0] != "a@x.test" || got[1] != "b@x.test" {
		t.Errorf("Emails() = %v", got)
	}
}
