package engine

import (
	"errors"
	"fmt"

	"github.com/gidorah/image-processing-service-api/internal/pipeline"
)

// Reason classifies a transformation failure. The job manager only
// retries transient infrastructure errors; every reason below is
// permanent and retrying the same input cannot succeed.
type Reason string

const (
	ReasonUnsupportedOperation Reason = "unsupported_operation"
	ReasonInvalidParameters    Reason = "invalid_parameters"
	ReasonDecodeFailure        Reason = "decode_failure"
	ReasonResourceExceeded     Reason = "resource_exceeded"
	ReasonEncodeFailure        Reason = "encode_failure"
)

// TransformError is a classified, permanent transformation failure.
type TransformError struct {
	Reason Reason
	Err    error
}

func (e *TransformError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func transformErr(reason Reason, format string, args ...interface{}) error {
	return &TransformError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is a classified transformation or
// validation failure that retrying cannot fix. Transient I/O errors
// from storage or the queue are neither and remain retryable.
func IsPermanent(err error) bool {
	var te *TransformError
	if errors.As(err, &te) {
		return true
	}
	var ve *pipeline.ValidationError
	return errors.As(err, &ve)
}
