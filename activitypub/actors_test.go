package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
)

func TestActorResponseUnmarshal(t *testing.T) {
	jsonData := `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://mastodon.social/users/alice",
		"type": "Person",
		"preferredUsername": "alice",
		"name": "Alice Example",
		"inbox": "https://mastodon.social/users/alice/inbox",
		"outbox": "https://mastodon.social/users/alice/outbox",
		"manuallyApprovesFollowers": true,
		"endpoints": {"sharedInbox": "https://mastodon.social/inbox"},
		"publicKey": {
			"id": "https://mastodon.social/users/alice#main-key",
			"owner": "https://mastodon.social/users/alice",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nMIIBIjANBg...\n-----END PUBLIC KEY-----"
		}
	}`

	var actor ActorResponse
	if err := json.Unmarshal([]byte(jsonData), &actor); err != nil {
		t.Fatalf("Failed to unmarshal ActorResponse: %v", err)
	}

	if actor.ID != "https://mastodon.social/users/alice" {
		t.Errorf("Expected ID 'https://mastodon.social/users/alice', got '%s'", actor.ID)
	}
	if actor.Type != "Person" {
		t.Errorf("Expected Type 'Person', got '%s'", actor.Type)
	}
	if actor.PreferredUsername != "alice" {
		t.Errorf("Expected PreferredUsername 'alice', got '%s'", actor.PreferredUsername)
	}
	if actor.Name != "Alice Example" {
		t.Errorf("Expected Name 'Alice Example', got '%s'", actor.Name)
	}
	if actor.Inbox != "https://mastodon.social/users/alice/inbox" {
		t.Errorf("Expected Inbox URL, got '%s'", actor.Inbox)
	}
	if actor.Endpoints.SharedInbox != "https://mastodon.social/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", actor.Endpoints.SharedInbox)
	}
	if !actor.ManuallyApprovesFollowers {
		t.Error("Expected manuallyApprovesFollowers to be true")
	}
	if actor.PublicKey.Owner != actor.ID {
		t.Errorf("Expected key owner '%s', got '%s'", actor.ID, actor.PublicKey.Owner)
	}
	if !strings.Contains(actor.PublicKey.PublicKeyPem, "BEGIN PUBLIC KEY") {
		t.Error("PublicKeyPem should contain PEM header")
	}
}

func TestActorContextVariants(t *testing.T) {
	tests := []struct {
		name        string
		contextJSON string
	}{
		{
			name:        "string context",
			contextJSON: `"https://www.w3.org/ns/activitystreams"`,
		},
		{
			name:        "array context",
			contextJSON: `["https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"]`,
		},
		{
			name:        "complex context",
			contextJSON: `[{"@vocab": "https://www.w3.org/ns/activitystreams"}, "https://w3id.org/security/v1"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonData := `{
				"@context": ` + tt.contextJSON + `,
				"id": "https://example.com/users/test",
				"type": "Person",
				"inbox": "https://example.com/inbox",
				"publicKey": {
					"publicKeyPem": "test"
				}
			}`

			var actor ActorResponse
			if err := json.Unmarshal([]byte(jsonData), &actor); err != nil {
				t.Fatalf("Failed to unmarshal actor with %s: %v", tt.name, err)
			}

			if actor.ID != "https://example.com/users/test" {
				t.Error("Actor fields should be parsed correctly regardless of context format")
			}
		})
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name       string
		actorURI   string
		wantDomain string
		wantError  bool
	}{
		{
			name:       "Mastodon user",
			actorURI:   "https://mastodon.social/users/alice",
			wantDomain: "mastodon.social",
		},
		{
			name:       "Custom port is dropped",
			actorURI:   "https://social.example.com:8080/users/charlie",
			wantDomain: "social.example.com",
		},
		{
			name:       "Upper case host",
			actorURI:   "https://Social.Example.COM/users/erin",
			wantDomain: "social.example.com",
		},
		{
			name:       "Subdomain",
			actorURI:   "https://masto.subdomain.example.com/users/dave",
			wantDomain: "masto.subdomain.example.com",
		},
		{
			name:      "Invalid URI",
			actorURI:  "://invalid",
			wantError: true,
		},
		{
			name:      "No host",
			actorURI:  "/users/alice",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractDomain(tt.actorURI)

			if tt.wantError {
				if !errors.Is(err, ErrInvalidKeyID) {
					t.Errorf("Expected ErrInvalidKeyID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
			if got != tt.wantDomain {
				t.Errorf("Expected domain '%s', got '%s'", tt.wantDomain, got)
			}
		})
	}
}

func TestExtractUsername(t *testing.T) {
	tests := []struct {
		name         string
		uri          string
		wantUsername string
	}{
		{
			name:         "standard users path",
			uri:          "https://mastodon.social/users/alice",
			wantUsername: "alice",
		},
		{
			name:         "@ prefix path",
			uri:          "https://mastodon.social/@bob",
			wantUsername: "bob",
		},
		{
			name:         "trailing slash",
			uri:          "https://example.com/users/carol/",
			wantUsername: "carol",
		},
		{
			name:         "simple path",
			uri:          "https://example.com/dave",
			wantUsername: "dave",
		},
		{
			name:         "empty uri",
			uri:          "",
			wantUsername: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			username := extractUsername(tt.uri)
			if username != tt.wantUsername {
				t.Errorf("Expected username '%s', got '%s'", tt.wantUsername, username)
			}
		})
	}
}

func TestActorFromResponse(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	doc := &ActorResponse{
		ID:    "https://remote.example/users/bob",
		Inbox: "https://remote.example/users/bob/inbox",
	}
	doc.Endpoints.SharedInbox = "https://remote.example/inbox"
	doc.PublicKey.PublicKeyPem = "pem"

	actor, err := actorFromResponse(doc, now)
	if err != nil {
		t.Fatalf("actorFromResponse failed: %v", err)
	}
	if actor.Username != "bob" {
		t.Errorf("Expected username derived from the URI, got '%s'", actor.Username)
	}
	if actor.Domain != "remote.example" || actor.IsLocal {
		t.Errorf("Unexpected domain/locality: %s local=%v", actor.Domain, actor.IsLocal)
	}
	if actor.DeliveryInbox() != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox delivery, got '%s'", actor.DeliveryInbox())
	}
	if !actor.LastFetchedAt.Equal(now) {
		t.Errorf("Expected LastFetchedAt %s, got %s", now, actor.LastFetchedAt)
	}
}

func TestFetchActor(t *testing.T) {
	key := testKey(t, 0)
	var userAgent, accept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		switch r.URL.Path {
		case "/users/bob":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    "https://remote.example/users/bob",
				"inbox": "https://remote.example/users/bob/inbox",
				"publicKey": map[string]string{
					"id":           "https://remote.example/users/bob#main-key",
					"publicKeyPem": publicKeyToPEM(t, &key.PublicKey),
				},
			})
		case "/users/incomplete":
			w.Write([]byte(`{"id": "https://remote.example/users/incomplete"}`))
		case "/users/garbage":
			w.Write([]byte(`<html>`))
		case "/users/gone":
			w.WriteHeader(http.StatusGone)
		case "/users/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/users/broken":
			w.WriteHeader(http.StatusInternalServerError)
		case "/users/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	fetcher := NewHTTPActorFetcher(server.Client(), 0)

	doc, err := fetcher.FetchActor(context.Background(), server.URL+"/users/bob")
	if err != nil {
		t.Fatalf("FetchActor failed: %v", err)
	}
	if doc.ID != "https://remote.example/users/bob" {
		t.Errorf("Unexpected document id %s", doc.ID)
	}
	if userAgent != util.UserAgent() {
		t.Errorf("Expected User-Agent %q, got %q", util.UserAgent(), userAgent)
	}
	if accept != activityJSON {
		t.Errorf("Expected Accept %q, got %q", activityJSON, accept)
	}

	tests := []struct {
		path string
		want *Error
	}{
		{"/users/missing", ErrActorNotFound},
		{"/users/gone", ErrActorNotFound},
		{"/users/forbidden", ErrActorNotFound},
		{"/users/busy", ErrActorUnreachable},
		{"/users/broken", ErrActorUnreachable},
		{"/users/incomplete", ErrMalformedActivity},
		{"/users/garbage", ErrMalformedActivity},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := fetcher.FetchActor(context.Background(), server.URL+tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %s, got %v", tt.want.Code, err)
			}
		})
	}
}

func TestFetchActorUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/users/bob"
	server.Close()

	_, err := NewHTTPActorFetcher(http.DefaultClient, time.Second).FetchActor(context.Background(), url)
	if !errors.Is(err, ErrActorUnreachable) {
		t.Errorf("Expected ErrActorUnreachable, got %v", err)
	}
	if !Retryable(err) {
		t.Error("An unreachable actor should be retryable")
	}
}

func TestActorDocument(t *testing.T) {
	actor := &domain.Actor{
		URI:            "https://local.example/users/alice",
		Username:       "alice",
		InboxURI:       "https://local.example/users/alice/inbox",
		SharedInboxURI: "https://local.example/inbox",
		OutboxURI:      "https://local.example/users/alice/outbox",
		PublicKeyPem:   "pem",
		PrivateKeyPem:  "secret",
	}

	body, err := ActorDocument(actor)
	if err != nil {
		t.Fatalf("ActorDocument failed: %v", err)
	}
	if strings.Contains(string(body), "secret") {
		t.Fatal("Actor document must not contain the private key")
	}

	var doc ActorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("Actor document is not valid JSON: %v", err)
	}
	if doc.ID != actor.URI || doc.Type != "Person" || doc.PreferredUsername != "alice" {
		t.Errorf("Unexpected identity fields %+v", doc)
	}
	if doc.PublicKey.ID != actor.KeyID() || doc.PublicKey.Owner != actor.URI {
		t.Errorf("Unexpected key fields %+v", doc.PublicKey)
	}
	if doc.Endpoints.SharedInbox != actor.SharedInboxURI {
		t.Errorf("Expected shared inbox '%s', got '%s'", actor.SharedInboxURI, doc.Endpoints.SharedInbox)
	}

	actor.SharedInboxURI = ""
	body, _ = ActorDocument(actor)
	if strings.Contains(string(body), "endpoints") {
		t.Error("Actor without shared inbox should not advertise endpoints")
	}
}

func TestNewLocalActor(t *testing.T) {
	actor := NewLocalActor("local.example", "alice", &util.RsaKeyPair{Private: "priv", Public: "pub"}, true)

	if actor.URI != aliceURI || actor.InboxURI != aliceInbox || actor.SharedInboxURI != sharedInbox {
		t.Errorf("Unexpected URIs %+v", actor)
	}
	if actor.OutboxURI != aliceURI+"/outbox" || actor.KeyID() != aliceURI+"#main-key" {
		t.Errorf("Unexpected outbox or key id %+v", actor)
	}
	if !actor.IsLocal || !actor.ManuallyApprovesFollowers || actor.PrivateKeyPem != "priv" {
		t.Errorf("Unexpected flags or keys %+v", actor)
	}
}
