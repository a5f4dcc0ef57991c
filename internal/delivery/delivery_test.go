package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

func TestBuildEmailHeaders(t *testing.T) {
	msg := string(buildEmail("auth@example.com", []string{"sarah@example.com", "tom@example.com"}, "Sign in", "body text\r\n"))

	header, body, found := strings.Cut(msg, "\r\n\r\n")
	if !found {
		t.Fatal("no blank line between headers and body")
	}
	for _, want := range []string{
		"From: auth@example.com",
		"To: sarah@example.com, tom@example.com",
		"Subject: Sign in",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %q", want)
		}
	}
	if body != "body text\r\n" {
		t.Errorf("body = %q", body)
	}
}

func TestEmailBodyMagicLinkVersusOTP(t *testing.T) {
	sender := NewEmailSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "auth@example.com"}, "", zap.NewNop())
	expires := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	link := sender.buildBody(auth.VerificationRequest{
		Identifier: "sarah@example.com",
		URL:        "http://localhost:3000?code=abc",
		Token:      "abc",
		Expires:    expires,
	})
	if !strings.Contains(link, "http://localhost:3000?code=abc") {
		t.Error("magic-link body missing the URL")
	}
	if strings.Contains(link, "Your sign-in code is") {
		t.Error("magic-link body contains the OTP phrasing")
	}

	otp := sender.buildBody(auth.VerificationRequest{
		Identifier: "sarah@example.com",
		Token:      "123456",
		Expires:    expires,
	})
	if !strings.Contains(otp, "Your sign-in code is: 123456") {
		t.Errorf("otp body = %q", otp)
	}
	if !strings.Contains(otp, expires.Format(time.RFC1123)) {
		t.Error("otp body missing the expiry")
	}
}

func TestEmailSenderDefaultSubject(t *testing.T) {
	sender := NewEmailSender(SMTPConfig{}, "", zap.NewNop())
	if sender.subject != "Sign in to your account" {
		t.Errorf("subject = %q", sender.subject)
	}

	custom := NewEmailSender(SMTPConfig{}, "Your code", zap.NewNop())
	if custom.subject != "Your code" {
		t.Errorf("subject = %q", custom.subject)
	}
}

func TestWebhookSenderPostsPayload(t *testing.T) {
	var got webhookPayload
	var gotAuth, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "gateway-token", zap.NewNop())
	expires := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	err := sender.SendVerificationRequest(context.Background(), auth.VerificationRequest{
		Identifier: "+15550100",
		Token:      "123456",
		Expires:    expires,
	})
	if err != nil {
		t.Fatalf("sending: %v", err)
	}

	if got.To != "+15550100" || got.Code != "123456" {
		t.Errorf("payload = %+v", got)
	}
	if !got.Expires.Equal(expires) {
		t.Errorf("expires = %v, want %v", got.Expires, expires)
	}
	if gotAuth != "Bearer gateway-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
}

func TestWebhookSenderOmitsAuthWithoutToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "", zap.NewNop())
	err := sender.SendVerificationRequest(context.Background(), auth.VerificationRequest{
		Identifier: "+15550100",
		Token:      "123456",
	})
	if err != nil {
		t.Fatalf("sending: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want unset", gotAuth)
	}
}

func TestWebhookSenderRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "", zap.NewNop())
	err := sender.SendVerificationRequest(context.Background(), auth.VerificationRequest{
		Identifier: "+15550100",
		Token:      "123456",
	})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("got %v, want a status error", err)
	}
}
