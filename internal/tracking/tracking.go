package tracking

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Options controls which tracking kinds are injected for a message.
type Options struct {
	TrackOpens  bool
	TrackClicks bool
}

// Injector rewrites rendered HTML so opens and clicks report back against
// an email log entry id.
type Injector struct {
	baseURL string
}

// NewInjector creates an injector; baseURL is the tracking host, without a
// trailing slash
func NewInjector(baseURL string) *Injector {
	return &Injector{baseURL: strings.TrimRight(baseURL, "/")}
}

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// InjectTracking embeds an open-tracking pixel and rewrites outbound links
// for click tracking, both keyed to the log-entry id.
func (i *Injector) InjectTracking(html string, logID string, opts Options) string {
	if opts.TrackClicks {
		html = hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
			target := hrefPattern.FindStringSubmatch(match)[1]
			if !trackableLink(target) {
				return match
			}
			redirect := fmt.Sprintf("%s/t/click/%s?url=%s",
				i.baseURL, logID, url.QueryEscape(target))
			return fmt.Sprintf("href=%q", redirect)
		})
	}

	if opts.TrackOpens {
		pixel := fmt.Sprintf(
			`<img src="%s/t/open/%s" width="1" height="1" alt="" style="display:none">`,
			i.baseURL, logID)
		html = insertBeforeBodyClose(html, pixel)
	}

	return html
}

// trackableLink filters out anchors, mail links and anything that is not an
// outbound http(s) destination
func trackableLink(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// InjectFooter appends the unsubscribe/preference-center footer, inserting
// before the closing body tag when present
func InjectFooter(html, unsubscribeURL, preferencesURL string) string {
	footer := fmt.Sprintf(
		`<div style="font-size:12px;color:#888;margin-top:24px">`+
			`<a href=%q>Unsubscribe</a> | <a href=%q>Email preferences</a></div>`,
		unsubscribeURL, preferencesURL)

	return insertBeforeBodyClose(html, footer)
}

// insertBeforeBodyClose places fragment before </body> if the tag exists,
// otherwise appends it
func insertBeforeBodyClose(html, fragment string) string {
	idx := strings.LastIndex(strings.ToLower(html), "</body>")
	if idx < 0 {
		return html + fragment
	}

	return html[:idx] + fragment + html[idx:]
}
