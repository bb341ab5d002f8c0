package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// Kind partitions backend failures into the coarse classes the strategy
// engines dispatch on. Values ascend in severity.
type Kind int

const (
	KindNotFound Kind = iota
	KindThrottled
	KindTransient
	KindIntegrity
	KindPermanent
	KindAuthFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindPermanent:
		return "permanent"
	case KindAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure. Strategies never inspect
// provider-specific codes, only the Kind.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %q on backend %s: %v", e.Kind, e.Op, e.Key, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s %s on backend %s: %v", e.Kind, e.Op, e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit classification.
func NewError(kind Kind, backendName, op, key string, err error) *Error {
	return &Error{Kind: kind, Backend: backendName, Op: op, Key: key, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors rank as
// Transient so that callers fall back rather than give up.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a NotFound-classified failure.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindNotFound
}

// Worst returns the most severe error of the slice, nil for an empty or
// all-nil slice. Severity: AuthFailure > Permanent > Integrity > Transient >
// Throttled > NotFound.
func Worst(errs []error) error {
	var worst error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if worst == nil || KindOf(err) > KindOf(worst) {
			worst = err
		}
	}
	return worst
}

// classify maps an aws-sdk-go-v2 failure onto the taxonomy.
func classify(backendName, op, key string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Kind: classifyKind(err), Backend: backendName, Op: op, Key: key, Err: err}
}

func classifyKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "TokenRefreshRequired":
			return KindAuthFailure
		case "SlowDown", "Throttling", "ThrottlingException",
			"RequestLimitExceeded", "TooManyRequestsException":
			return KindThrottled
		case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
			return KindIntegrity
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return KindTransient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return KindNotFound
		case code == http.StatusForbidden:
			return KindAuthFailure
		case code == http.StatusTooManyRequests:
			return KindThrottled
		case code >= 500:
			return KindTransient
		case code >= 400:
			return KindPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindTransient
}
