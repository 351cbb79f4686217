package activitypub

import "encoding/json"

const (
	// ActivityStreams context and media types
	ContextURI        = "https://www.w3.org/ns/activitystreams"
	PublicAudience    = "https://www.w3.org/ns/activitystreams#Public"
	ContentType       = "application/activity+json"
	LDJSONContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Activity is the generic inbound envelope. Object stays raw so each
// handler can decode the shape it expects.
type Activity struct {
	Context   interface{}     `json:"@context"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    json.RawMessage `json:"target,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`

	raw []byte
}

// Raw returns the original request body the activity was parsed from.
func (a *Activity) Raw() []byte {
	return a.raw
}

// ObjectURI extracts the object identifier whether the object is a plain
// URI string or an embedded object with an "id" field.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &embedded); err == nil {
		return embedded.ID
	}
	return ""
}

// TargetURI extracts the target identifier (used by Add/Remove) from a
// plain URI or an embedded object.
func (a *Activity) TargetURI() string {
	if len(a.Target) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Target, &uri); err == nil {
		return uri
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Target, &embedded); err == nil {
		return embedded.ID
	}
	return ""
}

// ObjectType returns the embedded object's type, or "" when the object is
// a bare URI reference.
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var embedded struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &embedded); err == nil {
		return embedded.Type
	}
	return ""
}

// supportedTypes is the closed set of activity types the inbox dispatches
// on. Anything else is acknowledged and ignored so evolving peers never
// break the protocol.
var supportedTypes = map[string]bool{
	"Create":   true,
	"Update":   true,
	"Delete":   true,
	"Follow":   true,
	"Accept":   true,
	"Reject":   true,
	"Like":     true,
	"Dislike":  true,
	"Announce": true,
	"Undo":     true,
	"Flag":     true,
	"Add":      true,
	"Remove":   true,
	"Block":    true,
}

// SupportedType reports whether t is in the closed activity-type set.
func SupportedType(t string) bool {
	return supportedTypes[t]
}
