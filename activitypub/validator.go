package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/mammut/util"
)

// maxURILength bounds federation identifiers; anything longer is junk.
const maxURILength = 2048

// ErrUnknownType marks an activity whose type is outside the supported
// set. Callers acknowledge it without processing; it is not a hard error.
var ErrUnknownType = errors.New("unsupported activity type")

// ValidationError is a malformed-payload rejection. It maps to a 400 at
// the HTTP boundary and never to a retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid activity: " + e.Reason
}

// ValidateActivity structurally validates a raw payload before anything
// trusts it. The size check runs before the full parse to bound memory.
//
// Note: a Page/Note-typed object without a nested "object" field is NOT
// malformed; id+type+actor is sufficient to proceed.
func ValidateActivity(body []byte, maxBytes int64) (*Activity, error) {
	if int64(len(body)) > maxBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf("payload exceeds %d bytes", maxBytes)}
	}
	if len(body) == 0 {
		return nil, &ValidationError{Reason: "empty payload"}
	}

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, &ValidationError{Reason: "not valid JSON"}
	}
	activity.raw = body

	if activity.ID == "" {
		return nil, &ValidationError{Reason: "missing id"}
	}
	if activity.Type == "" {
		return nil, &ValidationError{Reason: "missing type"}
	}
	if activity.Actor == "" {
		return nil, &ValidationError{Reason: "missing actor"}
	}
	if !isAbsoluteURI(activity.ID) {
		return nil, &ValidationError{Reason: "id is not an absolute URI"}
	}
	if !isAbsoluteURI(activity.Actor) {
		return nil, &ValidationError{Reason: "actor is not an absolute URI"}
	}

	if !SupportedType(activity.Type) {
		return &activity, ErrUnknownType
	}

	return &activity, nil
}

func isAbsoluteURI(s string) bool {
	return util.IsAbsoluteHTTPURI(s, maxURILength)
}
