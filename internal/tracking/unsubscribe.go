package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/courierhq/courier/internal/cache"
)

// UnsubscribeService answers whether a recipient has opted out and builds
// the opt-out links embedded in every message.
type UnsubscribeService interface {
	// IsUnsubscribed reports a global or per-campaign opt-out;
	// campaignID may be empty
	IsUnsubscribed(ctx context.Context, email, campaignID string) (bool, error)

	// UnsubscribeURL builds the one-click opt-out link
	UnsubscribeURL(email, campaignID string) string

	// PreferenceCenterURL builds the preference-center link
	PreferenceCenterURL(email string) string
}

// CacheUnsubscribes consults opt-out flags written to the shared cache by
// the surrounding application. A global flag covers all campaigns; a
// campaign flag covers one.
type CacheUnsubscribes struct {
	cache   cache.Cache
	baseURL string
}

var _ UnsubscribeService = (*CacheUnsubscribes)(nil)

// NewCacheUnsubscribes creates the cache-backed unsubscribe lookup
func NewCacheUnsubscribes(c cache.Cache, baseURL string) *CacheUnsubscribes {
	return &CacheUnsubscribes{
		cache:   c,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// IsUnsubscribed reports whether the recipient opted out globally or for
// the given campaign
func (s *CacheUnsubscribes) IsUnsubscribed(ctx context.Context, email, campaignID string) (bool, error) {
	keys := []string{unsubKey(email, "")}
	if campaignID != "" {
		keys = append(keys, unsubKey(email, campaignID))
	}

	for _, key := range keys {
		exists, err := s.cache.Exists(ctx, key)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return false, fmt.Errorf("failed to check unsubscribe flag: %w", err)
		}
		if exists {
			return true, nil
		}
	}

	return false, nil
}

// UnsubscribeURL builds the one-click opt-out link
func (s *CacheUnsubscribes) UnsubscribeURL(email, campaignID string) string {
	u := fmt.Sprintf("%s/unsubscribe?email=%s", s.baseURL, url.QueryEscape(email))
	if campaignID != "" {
		u += "&campaign=" + url.QueryEscape(campaignID)
	}
	return u
}

// PreferenceCenterURL builds the preference-center link
func (s *CacheUnsubscribes) PreferenceCenterURL(email string) string {
	return fmt.Sprintf("%s/preferences?email=%s", s.baseURL, url.QueryEscape(email))
}

func unsubKey(email, campaignID string) string {
	email = strings.ToLower(email)
	if campaignID == "" {
		return "courier:unsub:" + email
	}
	return "courier:unsub:" + email + ":" + campaignID
}
