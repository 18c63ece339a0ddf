// Package envelope implements the shared envelope helpers: default
// header injection, per-call-kind schema validation ("shapers"), and the
// Media-Name grammar used by the media dispatcher.
package envelope

import (
	"strings"

	"github.com/opencall/brokerhub/pkg/brokererr"
)

// Default headers stamped onto every published message.
const (
	AppName    = "brokerhub"
	AppVersion = "1"
)

// Tree is the decoded JSON body of a request or reply envelope.
type Tree = map[string]any

// Kind names one of the four request/reply call kinds; media_req is also
// the kind consumed by C3.
type Kind string

const (
	KindAuthReq   Kind = "auth_req"
	KindRouteReq  Kind = "route_req"
	KindRegQuery  Kind = "reg_query"
	KindMediaReq  Kind = "media_req"
	EventMediaErr      = "media_error"
)

// Default event-category values, one per published exchange family.
const (
	categoryCallManager = "call-manager"
	categoryCallEvent   = "call-event"
)

// WithDefaultHeaders returns a shallow copy of payload with the envelope's
// default headers merged in: application name, application version, event
// category, event name, and (if serverID is non-empty) origin server-id.
// These headers replace any value payload already holds under the same key;
// all other payload fields are copied unchanged.
func WithDefaultHeaders(payload Tree, kind Kind, serverID string) Tree {
	out := make(Tree, len(payload)+6)
	for k, v := range payload {
		out[k] = v
	}
	out["App-Name"] = AppName
	out["App-Version"] = AppVersion
	out["Event-Category"] = eventCategory(kind)
	out["Event-Name"] = string(kind)
	if serverID != "" {
		out["Server-ID"] = serverID
	}
	return out
}

func eventCategory(kind Kind) string {
	if kind == KindMediaReq {
		return categoryCallEvent
	}
	return categoryCallManager
}

// Publisher describes where a call kind's request is routed.
type Publisher struct {
	Exchange    string
	RoutingKey  string
	ContentType string
}

// Routing table for the four call kinds.
var routes = map[Kind]Publisher{
	KindAuthReq:  {Exchange: "call-manager", RoutingKey: "auth_req", ContentType: "application/json"},
	KindRouteReq: {Exchange: "call-manager", RoutingKey: "route_req", ContentType: "application/json"},
	KindRegQuery: {Exchange: "call-manager", RoutingKey: "reg_query", ContentType: "application/json"},
	KindMediaReq: {Exchange: "call-event", RoutingKey: "media_req", ContentType: "application/json"},
}

// RouteFor returns the exchange/routing-key/content-type a call kind
// publishes under.
func RouteFor(kind Kind) Publisher { return routes[kind] }

// Shaper validates that a payload carries the required fields for its call
// kind. It never mutates payload and never publishes anything: validation
// failure is purely local.
type Shaper func(payload Tree) error

// required fields per call kind: auth_req needs ("Msg-ID", "To"),
// route_req additionally needs "From".
// Media-Name is deliberately absent here: an empty or missing Media-Name is
// not an envelope-shape error, it is a not_found media-resolution outcome,
// so ParseMediaName is left to reject it rather than the shaper.
var requiredFields = map[Kind][]string{
	KindAuthReq:  {"Msg-ID", "To"},
	KindRouteReq: {"Msg-ID", "To", "From"},
	KindRegQuery: {"Msg-ID", "To"},
	KindMediaReq: {},
}

// ShaperFor returns the validation shaper for a call kind.
func ShaperFor(kind Kind) Shaper {
	fields := requiredFields[kind]
	return func(payload Tree) error {
		for _, f := range fields {
			v, ok := payload[f]
			if !ok {
				return &brokererr.EnvelopeInvalid{Kind: string(kind), Reason: "missing field " + f}
			}
			if s, isStr := v.(string); isStr && s == "" {
				return &brokererr.EnvelopeInvalid{Kind: string(kind), Reason: "empty field " + f}
			}
		}
		return nil
	}
}

// MediaRef is the (db, doc, attachment) triple a Media-Name resolves to,
// per the grammar:
//
//	[ "/" ] [ db "/" ] doc [ "/" attachment ]
type MediaRef struct {
	DB         string
	Doc        string
	Attachment string // empty means "first declared attachment"
}

// ParseMediaName splits a Media-Name on "/", tolerating a leading slash,
// and resolves it to a MediaRef against the supplied default database.
// An empty name (after stripping a leading slash) is not a valid document
// reference; the caller should treat it as brokererr.NotFound.
func ParseMediaName(name, defaultDB string) (MediaRef, bool) {
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" {
		return MediaRef{}, false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		return MediaRef{DB: defaultDB, Doc: parts[0]}, true
	case 2:
		return MediaRef{DB: parts[0], Doc: parts[1]}, true
	case 3:
		return MediaRef{DB: parts[0], Doc: parts[1], Attachment: parts[2]}, true
	default:
		return MediaRef{}, false
	}
}

// ErrorReply builds the error envelope:
// {Media-Name, Error-Code, Error-Msg?, default-headers(event=media_error)}.
func ErrorReply(mediaName, code, msg string) Tree {
	body := Tree{
		"Media-Name": mediaName,
		"Error-Code": code,
	}
	if msg != "" {
		body["Error-Msg"] = msg
	}
	body["App-Name"] = AppName
	body["App-Version"] = AppVersion
	body["Event-Category"] = categoryCallEvent
	body["Event-Name"] = EventMediaErr
	return body
}
