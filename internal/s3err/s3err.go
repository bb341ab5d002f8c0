// Package s3err renders S3-compatible XML error responses and maps the
// backend error taxonomy onto client-facing codes.
package s3err

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/replicat/replicat/internal/backend"
	"github.com/replicat/replicat/internal/sigv4"
)

// APIError is one S3 error code with its HTTP status.
type APIError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	AccessDenied          = APIError{Code: "AccessDenied", Message: "Access Denied", StatusCode: http.StatusForbidden}
	InvalidAccessKeyID    = APIError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records.", StatusCode: http.StatusForbidden}
	SignatureDoesNotMatch = APIError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided.", StatusCode: http.StatusForbidden}
	NoSuchBucket          = APIError{Code: "NoSuchBucket", Message: "The specified bucket does not exist.", StatusCode: http.StatusNotFound}
	NoSuchKey             = APIError{Code: "NoSuchKey", Message: "The specified key does not exist.", StatusCode: http.StatusNotFound}
	InvalidRequest        = APIError{Code: "InvalidRequest", Message: "The request is malformed or invalid for this operation.", StatusCode: http.StatusBadRequest}
	MethodNotAllowed      = APIError{Code: "MethodNotAllowed", Message: "The specified method is not allowed against this resource.", StatusCode: http.StatusMethodNotAllowed}
	InternalError         = APIError{Code: "InternalError", Message: "We encountered an internal error. Please try again.", StatusCode: http.StatusInternalServerError}
	ServiceUnavailable    = APIError{Code: "ServiceUnavailable", Message: "Reduce your request rate or retry after a short delay.", StatusCode: http.StatusServiceUnavailable}

	// InconsistentReplicas is not a standard S3 code: it reports divergence
	// detected between replicas under the all-consistent read mode.
	InconsistentReplicas = APIError{Code: "InconsistentReplicas", Message: "The replicas of the requested resource do not agree.", StatusCode: http.StatusConflict}
)

type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

// Write emits apiErr as an S3 XML error body.
func Write(w http.ResponseWriter, requestID string, apiErr APIError, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(apiErr.StatusCode)
	_ = xml.NewEncoder(w).Encode(errorResponse{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Resource:  resource,
		RequestID: requestID,
	})
}

// Map folds any strategy or auth failure into its client-facing S3 error.
// Only the strategy's final verdict reaches the client; per-backend failures
// were already absorbed upstream.
func Map(err error) APIError {
	var apiErr APIError
	switch {
	case err == nil:
		return InternalError
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, sigv4.ErrInvalidAccessKey):
		return InvalidAccessKeyID
	case errors.Is(err, sigv4.ErrSignatureMismatch),
		errors.Is(err, sigv4.ErrMalformedAuthorization),
		errors.Is(err, sigv4.ErrInvalidAmzDate):
		return SignatureDoesNotMatch
	}

	var be *backend.Error
	if errors.As(err, &be) {
		switch be.Kind {
		case backend.KindNotFound:
			return NoSuchKey
		case backend.KindThrottled, backend.KindTransient:
			return ServiceUnavailable
		case backend.KindIntegrity:
			return InconsistentReplicas
		}
	}
	return InternalError
}
