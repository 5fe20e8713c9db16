package bounce

import (
	"regexp"
	"strings"

	"github.com/courierhq/courier/internal/store"
)

// Hard-bounce patterns are checked first: permanent-failure SMTP codes and
// the common "this mailbox will never exist" phrasings.
var hardBouncePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b55[0-4]\b`),
	regexp.MustCompile(`\b5\.1\.[0-9]\b`),
	regexp.MustCompile(`mailbox (does not exist|not found|unavailable)`),
	regexp.MustCompile(`(user|recipient|address) unknown`),
	regexp.MustCompile(`unknown (user|recipient|address)`),
	regexp.MustCompile(`no such (user|mailbox|recipient)`),
	regexp.MustCompile(`invalid (recipient|mailbox|address)`),
	regexp.MustCompile(`(recipient|address) rejected`),
	regexp.MustCompile(`account (disabled|suspended|closed)`),
	regexp.MustCompile(`domain not found`),
	regexp.MustCompile(`relay(ing)? denied`),
}

// Soft-bounce patterns cover transient conditions worth retrying.
var softBouncePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b421\b`),
	regexp.MustCompile(`\b45[0-2]\b`),
	regexp.MustCompile(`\b4\.[0-9]\.[0-9]\b`),
	regexp.MustCompile(`mailbox (is )?full`),
	regexp.MustCompile(`quota exceeded`),
	regexp.MustCompile(`over quota`),
	regexp.MustCompile(`timeout`),
	regexp.MustCompile(`timed out`),
	regexp.MustCompile(`temporar(y|ily)`),
	regexp.MustCompile(`try again later`),
	regexp.MustCompile(`service (not |un)available`),
	regexp.MustCompile(`greylist`),
	regexp.MustCompile(`too many (connections|messages)`),
}

// ClassifyBounceType pattern-matches SMTP failure text into a bounce
// category. Hard patterns win over soft; text matching neither list
// defaults to SOFT so an unrecognized failure is retried rather than
// permanently suppressing the address.
func ClassifyBounceType(errorText string) store.BounceType {
	text := strings.ToLower(errorText)

	for _, pattern := range hardBouncePatterns {
		if pattern.MatchString(text) {
			return store.BounceHard
		}
	}

	for _, pattern := range softBouncePatterns {
		if pattern.MatchString(text) {
			return store.BounceSoft
		}
	}

	return store.BounceSoft
}

// bounceIndicators flag transport errors that should feed bounce
// processing at all, as opposed to infrastructure failures.
var bounceIndicators = []string{
	"bounce",
	"550",
	"551",
	"552",
	"553",
	"554",
	"mailbox",
	"user unknown",
	"invalid recipient",
	"no such user",
	"recipient rejected",
}

// IsBounceError reports whether transport error text indicates a bounce
// rather than an infrastructure problem.
func IsBounceError(errorText string) bool {
	text := strings.ToLower(errorText)

	for _, indicator := range bounceIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}

	return false
}
