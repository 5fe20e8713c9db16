package bounce

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/store"
)

func setupProcessor(t *testing.T) (*Processor, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	return NewProcessor(mem), mem
}

func TestHardBounceSuppressesImmediately(t *testing.T) {
	p, _ := setupProcessor(t)
	ctx := context.Background()

	result, err := p.ProcessBounce(ctx, "dead@example.com", "550 5.1.1 mailbox does not exist", "550 5.1.1")
	require.NoError(t, err)

	assert.Equal(t, store.BounceHard, result.Type)
	assert.True(t, result.Suppressed)

	suppressed, err := p.IsSuppressed(ctx, "dead@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestSoftBounceSuppressionThreshold(t *testing.T) {
	p, _ := setupProcessor(t)
	ctx := context.Background()
	email := "full@example.com"

	// First two soft bounces do not suppress
	for i := 1; i <= 2; i++ {
		result, err := p.ProcessBounce(ctx, email, "450 mailbox temporarily full", "")
		require.NoError(t, err)
		assert.Equal(t, store.BounceSoft, result.Type)
		assert.False(t, result.Suppressed, "bounce %d should not suppress", i)
	}

	// The third one does, exactly at the threshold
	result, err := p.ProcessBounce(ctx, email, "450 mailbox temporarily full", "")
	require.NoError(t, err)
	assert.True(t, result.Suppressed)

	suppressed, err := p.IsSuppressed(ctx, email)
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestHardBounceNeverDowngrades(t *testing.T) {
	p, mem := setupProcessor(t)
	ctx := context.Background()
	email := "gone@example.com"

	_, err := p.ProcessBounce(ctx, email, "550 user unknown", "")
	require.NoError(t, err)

	// Later soft bounces keep the record HARD and suppressed
	for i := 0; i < 5; i++ {
		result, err := p.ProcessBounce(ctx, email, "421 service not available", "")
		require.NoError(t, err)
		assert.Equal(t, store.BounceHard, result.Type)
		assert.True(t, result.Suppressed)
	}

	rec, err := mem.GetBounce(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, store.BounceHard, rec.Type)
	assert.Equal(t, 6, rec.Count)
}

func TestUnknownAddressNotSuppressed(t *testing.T) {
	p, _ := setupProcessor(t)

	suppressed, err := p.IsSuppressed(context.Background(), "fresh@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestRemoveFromSuppression(t *testing.T) {
	p, mem := setupProcessor(t)
	ctx := context.Background()
	email := "pardon@example.com"

	_, err := p.ProcessBounce(ctx, email, "550 no such user", "")
	require.NoError(t, err)

	require.NoError(t, p.RemoveFromSuppression(ctx, email))

	suppressed, err := p.IsSuppressed(ctx, email)
	require.NoError(t, err)
	assert.False(t, suppressed)

	// History survives the manual override
	rec, err := mem.GetBounce(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	assert.Equal(t, store.BounceHard, rec.Type)
}

func TestRemoveFromSuppressionUnknownAddress(t *testing.T) {
	p, _ := setupProcessor(t)

	err := p.RemoveFromSuppression(context.Background(), "unknown@example.com")
	assert.Error(t, err)
}

func TestReasonTruncation(t *testing.T) {
	p, mem := setupProcessor(t)
	ctx := context.Background()

	longReason := "550 " + strings.Repeat("x", 2*maxReasonLength)
	_, err := p.ProcessBounce(ctx, "verbose@example.com", longReason, "")
	require.NoError(t, err)

	rec, err := mem.GetBounce(ctx, "verbose@example.com")
	require.NoError(t, err)
	assert.Len(t, rec.Reason, maxReasonLength)
}
