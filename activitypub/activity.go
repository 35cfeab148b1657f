package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Activity is a decoded inbound or outbound activity. The set of variants is closed:
// Follow, Accept, Reject, Undo and Unsupported for every other type.
type Activity interface {
	ActivityID() string
	ActorURI() string
	Type() string
	activity()
}

// Follow asks Object (an actor URI) to accept Actor as a follower
type Follow struct {
	ID     string
	Actor  string
	Object string
}

// Accept answers a Follow positively
type Accept struct {
	ID     string
	Actor  string
	Follow Follow // only ID is guaranteed when the Follow was referenced by URI
}

// Reject answers a Follow negatively
type Reject struct {
	ID     string
	Actor  string
	Follow Follow
}

// Undo withdraws a previous Follow
type Undo struct {
	ID     string
	Actor  string
	Follow Follow
}

// Unsupported is any activity outside the follow handshake. RawType carries the
// received type, qualified with the inner type for Accept/Reject/Undo of non-Follow objects.
type Unsupported struct {
	ID      string
	Actor   string
	RawType string
	Object  string
}

func (a *Follow) ActivityID() string      { return a.ID }
func (a *Accept) ActivityID() string      { return a.ID }
func (a *Reject) ActivityID() string      { return a.ID }
func (a *Undo) ActivityID() string        { return a.ID }
func (a *Unsupported) ActivityID() string { return a.ID }

func (a *Follow) ActorURI() string      { return a.Actor }
func (a *Accept) ActorURI() string      { return a.Actor }
func (a *Reject) ActorURI() string      { return a.Actor }
func (a *Undo) ActorURI() string        { return a.Actor }
func (a *Unsupported) ActorURI() string { return a.Actor }

func (a *Follow) Type() string      { return "Follow" }
func (a *Accept) Type() string      { return "Accept" }
func (a *Reject) Type() string      { return "Reject" }
func (a *Undo) Type() string        { return "Undo" }
func (a *Unsupported) Type() string { return a.RawType }

func (*Follow) activity()      {}
func (*Accept) activity()      {}
func (*Reject) activity()      {}
func (*Undo) activity()        {}
func (*Unsupported) activity() {}

// rawActivity is the wire shape; actor and object may be URIs or embedded objects
type rawActivity struct {
	Context interface{}     `json:"@context,omitempty"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   json.RawMessage `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

type embeddedObject struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  json.RawMessage `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// DecodeActivity decodes an activity once at the boundary into its variant
func DecodeActivity(body []byte) (Activity, error) {
	var raw rawActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrMalformedActivity.With(err, "")
	}
	if raw.Type == "" {
		return nil, ErrMalformedActivity.With(nil, "missing type")
	}
	actor, err := reference(raw.Actor)
	if err != nil || actor == "" {
		return nil, ErrMalformedActivity.With(err, "missing actor")
	}

	switch raw.Type {
	case "Follow":
		object, err := reference(raw.Object)
		if err != nil || object == "" {
			return nil, ErrMalformedActivity.With(err, "follow without object")
		}
		if raw.ID == "" {
			return nil, ErrMalformedActivity.With(nil, "follow without id")
		}
		return &Follow{ID: raw.ID, Actor: actor, Object: object}, nil

	case "Accept", "Reject", "Undo":
		follow, innerType, err := followReference(raw.Object)
		if err != nil {
			return nil, err
		}
		if innerType != "" && innerType != "Follow" {
			object, _ := reference(raw.Object)
			return &Unsupported{ID: raw.ID, Actor: actor, RawType: raw.Type + "(" + innerType + ")", Object: object}, nil
		}
		switch raw.Type {
		case "Accept":
			return &Accept{ID: raw.ID, Actor: actor, Follow: follow}, nil
		case "Reject":
			return &Reject{ID: raw.ID, Actor: actor, Follow: follow}, nil
		default:
			return &Undo{ID: raw.ID, Actor: actor, Follow: follow}, nil
		}
	}

	object, _ := reference(raw.Object)
	return &Unsupported{ID: raw.ID, Actor: actor, RawType: raw.Type, Object: object}, nil
}

// reference returns the URI of a property that is either a string or an object with an id
func reference(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var obj embeddedObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.ID, nil
}

// followReference reads the Follow an Accept/Reject/Undo points to. innerType is
// empty when the Follow was given by URI only.
func followReference(raw json.RawMessage) (Follow, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Follow{}, "", ErrMalformedActivity.With(nil, "missing object")
	}
	if raw[0] == '"' {
		id, err := reference(raw)
		if err != nil || id == "" {
			return Follow{}, "", ErrMalformedActivity.With(err, "invalid object reference")
		}
		return Follow{ID: id}, "", nil
	}

	var obj embeddedObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Follow{}, "", ErrMalformedActivity.With(err, "invalid embedded object")
	}
	actor, err := reference(obj.Actor)
	if err != nil {
		return Follow{}, "", ErrMalformedActivity.With(err, "invalid embedded actor")
	}
	object, err := reference(obj.Object)
	if err != nil {
		return Follow{}, "", ErrMalformedActivity.With(err, "invalid embedded object")
	}
	if obj.Type == "Follow" && obj.ID == "" && (actor == "" || object == "") {
		return Follow{}, "", ErrMalformedActivity.With(nil, "embedded follow cannot be identified")
	}
	return Follow{ID: obj.ID, Actor: actor, Object: object}, obj.Type, nil
}

// EncodeActivity renders an activity as ActivityStreams JSON
func EncodeActivity(a Activity) ([]byte, error) {
	var doc map[string]interface{}
	switch v := a.(type) {
	case *Follow:
		doc = followDocument(v)
	case *Accept:
		doc = responseDocument("Accept", v.ID, v.Actor, v.Follow)
	case *Reject:
		doc = responseDocument("Reject", v.ID, v.Actor, v.Follow)
	case *Undo:
		doc = responseDocument("Undo", v.ID, v.Actor, v.Follow)
	default:
		return nil, fmt.Errorf("cannot encode %s activity", a.Type())
	}
	doc["@context"] = activityStreamsContext
	return json.Marshal(doc)
}

func followDocument(f *Follow) map[string]interface{} {
	return map[string]interface{}{
		"id":     f.ID,
		"type":   "Follow",
		"actor":  f.Actor,
		"object": f.Object,
	}
}

func responseDocument(kind, id, actor string, follow Follow) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"type":   kind,
		"actor":  actor,
		"object": followDocument(&follow),
	}
}
