package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/resend/resend-go/v3"
)

type mockResendEmails struct {
	requests []*resend.SendEmailRequest
	err      error
}

func (m *mockResendEmails) SendWithContext(_ context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &resend.SendEmailResponse{Id: "re-1"}, nil
}

func TestResend_Send(t *testing.T) {
	emails := &mockResendEmails{}
	r := &Resend{emails: emails}

	msg := testMessage("a@x.test", "b@x.test")
	msg.CampaignID = "nl-4"
	msg.TestMode = true
	receipt, err := r.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.Accepted != 2 || receipt.ProviderMessageID != "re-1" {
		t.Errorf("Send() receipt = %+v", receipt)
	}

	req := emails.requests[0]
	if len(req.To) != 1 || req.To[0] != "a@x.test" {
		t.Errorf("To = %v", req.To)
	}
	if req.Subject != "Hello a@x.test" || req.Text != "Hi a@x.test" {
		t.Errorf("copy not personalized: %q / %q", req.Subject, req.Text)
	}
	if req.ReplyTo != "<reply@acme.test>" {
		t.Errorf("ReplyTo = %q", req.ReplyTo)
	}
	if len(req.Tags) != 2 {
		t.Errorf("Tags = %v, want campaign and test mode", req.Tags)
	}
}

func TestResend_SendError(t *testing.T) {
	r := &Resend{emails: &mockResendEmails{err: errors.New("422 validation_error")}}
	if _, err := r.Send(context.Background(), testMessage("a@x.test")); err == nil {
		t.Error("Send() expected error")
	}
}

func TestResend_HealthCheck(t *testing.T) {
	if err := NewResend(ProviderConfig{APIKey: "re_key"}).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := (&Resend{}).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error without client")
	}
}
