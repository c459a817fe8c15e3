package models

import (
	"testing"
	"time"
)

func TestWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  CredentialRecord
		want bool
	}{
		{"valid and fresh", CredentialRecord{State: CredentialValid, ExpiresAt: now.Add(time.Hour)}, true},
		{"valid but past expiry", CredentialRecord{State: CredentialValid, ExpiresAt: now.Add(-time.Minute)}, false},
		{"valid exactly at expiry", CredentialRecord{State: CredentialValid, ExpiresAt: now}, false},
		{"valid without expiry", CredentialRecord{State: CredentialValid}, false},
		{"pending consent", CredentialRecord{State: CredentialPendingConsent, ExpiresAt: now.Add(time.Hour)}, false},
		{"expired state", CredentialRecord{State: CredentialExpired, ExpiresAt: now.Add(time.Hour)}, false},
		{"refreshing state", CredentialRecord{State: CredentialRefreshing, ExpiresAt: now.Add(time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.WithinWindow(now); got != tt.want {
				t.Errorf("WithinWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolResultMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := ToolResult{CallID: "call-1", Name: "get_weather", Content: "Sunny", IsError: false}

	msg := result.Message(at)
	if msg.Role != RoleTool {
		t.Errorf("Role = %v, want %v", msg.Role, RoleTool)
	}
	if msg.ToolCallID != "call-1" || msg.ToolName != "get_weather" {
		t.Errorf("tool correlation fields lost: %+v", msg)
	}
	if msg.Content != "Sunny" {
		t.Errorf("Content = %q, want %q", msg.Content, "Sunny")
	}
	if !msg.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, at)
	}
}
