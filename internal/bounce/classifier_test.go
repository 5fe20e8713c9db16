package bounce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/courierhq/courier/internal/store"
)

func TestClassifyBounceType(t *testing.T) {
	tests := []struct {
		name      string
		errorText string
		want      store.BounceType
	}{
		{"550 mailbox does not exist", "550 5.1.1 mailbox does not exist", store.BounceHard},
		{"user unknown", "smtp error: user unknown", store.BounceHard},
		{"no such user", "550 no such user", store.BounceHard},
		{"recipient rejected", "554 recipient rejected by policy", store.BounceHard},
		{"account disabled", "mail rejected: account disabled", store.BounceHard},
		{"relay denied", "551 relaying denied", store.BounceHard},
		{"450 mailbox temporarily full", "450 mailbox temporarily full", store.BounceSoft},
		{"quota exceeded", "452 quota exceeded for recipient", store.BounceSoft},
		{"421 service unavailable", "421 service not available, closing channel", store.BounceSoft},
		{"greylisted", "451 greylisted, try again later", store.BounceSoft},
		{"timeout", "connection timeout while sending data", store.BounceSoft},
		{"unclassified defaults to soft", "unexpected gateway error", store.BounceSoft},
		{"empty defaults to soft", "", store.BounceSoft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyBounceType(tt.errorText))
		})
	}
}

func TestClassifyHardWinsOverSoft(t *testing.T) {
	// Text matching both lists must classify as HARD
	got := ClassifyBounceType("550 user unknown, try again later")
	assert.Equal(t, store.BounceHard, got)
}

func TestIsBounceError(t *testing.T) {
	tests := []struct {
		errorText string
		want      bool
	}{
		{"550 no such user", true},
		{"message bounced by remote host", true},
		{"mailbox unavailable", true},
		{"invalid recipient address", true},
		{"dial tcp: connection refused", false},
		{"context deadline exceeded", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.errorText, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBounceError(tt.errorText))
		})
	}
}
