package delivery

import (
	"fmt"

	"github.com/courierhq/courier/internal/store"
)

// Kind buckets a send failure for retry policy purposes.
type Kind string

const (
	// KindConfig covers missing or inactive sending configuration
	KindConfig Kind = "config"
	// KindPolicy covers suppressed or unsubscribed recipients
	KindPolicy Kind = "policy"
	// KindTransient covers infrastructure faults worth retrying
	KindTransient Kind = "transient"
	// KindAuth covers SMTP authentication failures
	KindAuth Kind = "auth"
	// KindBounce covers recipient-side delivery rejections
	KindBounce Kind = "bounce"
)

// SendError is the pipeline's error type. Its kind decides whether the
// queue retries the job: policy, config and auth failures will not improve
// on retry; transient ones will; bounce failures follow the bounce type.
type SendError struct {
	Kind         Kind
	Message      string
	SMTPResponse string
	BounceType   store.BounceType
	Err          error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the queue should schedule another attempt
func (e *SendError) Retryable() bool {
	switch e.Kind {
	case KindTransient:
		return true
	case KindBounce:
		return e.BounceType == store.BounceSoft
	default:
		return false
	}
}

func configError(format string, args ...any) *SendError {
	return &SendError{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func policyError(format string, args ...any) *SendError {
	return &SendError{Kind: KindPolicy, Message: fmt.Sprintf(format, args...)}
}

func transientError(err error, format string, args ...any) *SendError {
	return &SendError{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}
