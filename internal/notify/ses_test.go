package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

// newTestNotifier returns a notifier whose retry waits are recorded instead
// of slept.
func newTestNotifier(mock *mockSESClient) (*SESNotifier, *[]time.Duration) {
	n := NewSESWithClient("bridge@example.com", []string{"oncall@example.com", "admin@example.com"}, mock)
	var delays []time.Duration
	n.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return n, &delays
}

func testAlert() Alert {
	return Alert{
		EmailID:    "<abc@example.com>",
		RoomID:     "!ops:example.org",
		From:       "alice@example.com",
		Subject:    "Disk usage",
		Date:       time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC),
		Attempts:   3,
		LastStatus: 502,
		Detail:     "bad gateway",
		Body:       "Disk is at 91%.",
	}
}

func TestNotifyExhausted_SendsSimpleEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	n, _ := newTestNotifier(mock)

	if err := n.NotifyExhausted(context.Background(), testAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "bridge@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "bridge@example.com")
	}
	if got := input.Destination.ToAddresses; len(got) != 2 || got[0] != "oncall@example.com" {
		t.Errorf("ToAddresses: got %v", got)
	}
	if got := *input.Content.Simple.Subject.Data; !strings.Contains(got, "!ops:example.org") {
		t.Errorf("Subject: got %q, want room id", got)
	}

	body := *input.Content.Simple.Body.Text.Data
	for _, want := range []string{
		"after 3 attempts",
		"Message-Id: <abc@example.com>",
		"From: alice@example.com",
		"Subject: Disk usage",
		"Last status: 502 bad gateway",
		"Disk is at 91%.",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
}

func TestNotifyExhausted_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	n, delays := newTestNotifier(mock)

	if err := n.NotifyExhausted(context.Background(), testAlert()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("retry delays: got %v, want %v", *delays, want)
	}
}

func TestNotifyExhausted_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	n, _ := newTestNotifier(mock)

	err := n.NotifyExhausted(context.Background(), testAlert())
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 2 retries") {
		t.Errorf("error message: got %q, want to contain 'after 2 retries'", err.Error())
	}
	// 1 initial + 2 retries = 3 total
	if mock.callCount != 3 {
		t.Errorf("call count: got %d, want 3", mock.callCount)
	}
}

func TestNotifyExhausted_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	n, _ := newTestNotifier(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.NotifyExhausted(ctx, testAlert()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestSESConfig_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  SESConfig
		want bool
	}{
		{"complete", SESConfig{Region: "us-east-1", Sender: "a@x.com", Recipients: []string{"b@x.com"}}, true},
		{"no region", SESConfig{Sender: "a@x.com", Recipients: []string{"b@x.com"}}, false},
		{"no sender", SESConfig{Region: "us-east-1", Recipients: []string{"b@x.com"}}, false},
		{"no recipients", SESConfig{Region: "us-east-1", Sender: "a@x.com"}, false},
	}

	for _, tt := range tests {
		if got := tt.cfg.Enabled(); got != tt.want {
			t.Errorf("%s: Enabled() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewSES_RequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewSES(context.Background(), SESConfig{}); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
