package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
	"github.com/google/uuid"
)

const (
	activityJSON      = "application/activity+json"
	maxActorDocument  = 1 << 20
	actorFetchTimeout = 10 * time.Second
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context                   interface{} `json:"@context"`
	ID                        string      `json:"id"`
	Type                      string      `json:"type"`
	PreferredUsername         string      `json:"preferredUsername"`
	Name                      string      `json:"name"`
	Inbox                     string      `json:"inbox"`
	Outbox                    string      `json:"outbox"`
	ManuallyApprovesFollowers bool        `json:"manuallyApprovesFollowers"`
	Endpoints                 struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// HTTPDoer is the outbound HTTP client; *http.Client satisfies it
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ActorFetcher retrieves actor documents from remote servers
type ActorFetcher interface {
	FetchActor(ctx context.Context, actorURI string) (*ActorResponse, error)
}

// HTTPActorFetcher fetches actor documents over HTTP
type HTTPActorFetcher struct {
	client  HTTPDoer
	timeout time.Duration
}

// NewHTTPActorFetcher creates a fetcher. A zero timeout selects 10s.
func NewHTTPActorFetcher(client HTTPDoer, timeout time.Duration) *HTTPActorFetcher {
	if timeout <= 0 {
		timeout = actorFetchTimeout
	}
	return &HTTPActorFetcher{client: client, timeout: timeout}
}

// FetchActor fetches and validates an actor document.
// Network failures and 5xx/429 are transient; 404/410 mean the actor is gone.
func (f *HTTPActorFetcher) FetchActor(ctx context.Context, actorURI string) (*ActorResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, ErrInvalidKeyID.With(err, "%s", actorURI)
	}
	req.Header.Set("Accept", activityJSON)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrActorUnreachable.With(ErrTimeout, "%s", actorURI)
		}
		return nil, ErrActorUnreachable.With(err, "%s", actorURI)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrActorNotFound.With(nil, "%s (status %d)", actorURI, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, ErrActorUnreachable.With(nil, "%s (status %d)", actorURI, resp.StatusCode)
	default:
		return nil, ErrActorNotFound.With(nil, "%s (status %d)", actorURI, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocument))
	if err != nil {
		return nil, ErrActorUnreachable.With(err, "failed to read %s", actorURI)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, ErrMalformedActivity.With(err, "actor document %s", actorURI)
	}
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, ErrMalformedActivity.With(nil, "actor document %s missing required fields", actorURI)
	}

	return &actor, nil
}

// actorFromResponse converts a fetched document to a domain actor
func actorFromResponse(actor *ActorResponse, now time.Time) (*domain.Actor, error) {
	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	username := actor.PreferredUsername
	if username == "" {
		username = extractUsername(actor.ID)
	}

	return &domain.Actor{
		Id:                        uuid.New(),
		URI:                       actor.ID,
		Username:                  username,
		Domain:                    domainName,
		IsLocal:                   false,
		InboxURI:                  actor.Inbox,
		SharedInboxURI:            actor.Endpoints.SharedInbox,
		OutboxURI:                 actor.Outbox,
		PublicKeyPem:              actor.PublicKey.PublicKeyPem,
		ManuallyApprovesFollowers: actor.ManuallyApprovesFollowers,
		LastFetchedAt:             now,
		CreatedAt:                 now,
	}, nil
}

// extractDomain extracts the host from a URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return "", ErrInvalidKeyID.With(err, "invalid URI %q", uri)
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		return strings.TrimPrefix(username, "@")
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewLocalActor lays out the URIs of a local account on localDomain
func NewLocalActor(localDomain, username string, keys *util.RsaKeyPair, manualApproval bool) *domain.Actor {
	base := fmt.Sprintf("https://%s", localDomain)
	uri := fmt.Sprintf("%s/users/%s", base, username)
	return &domain.Actor{
		URI:                       uri,
		Username:                  username,
		Domain:                    localDomain,
		IsLocal:                   true,
		InboxURI:                  uri + "/inbox",
		SharedInboxURI:            base + "/inbox",
		OutboxURI:                 uri + "/outbox",
		PublicKeyPem:              keys.Public,
		PrivateKeyPem:             keys.Private,
		ManuallyApprovesFollowers: manualApproval,
	}
}

// ActorDocument renders the public ActivityPub document of a local actor
func ActorDocument(actor *domain.Actor) ([]byte, error) {
	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actor.URI,
		"type":                      "Person",
		"preferredUsername":         actor.Username,
		"inbox":                     actor.InboxURI,
		"outbox":                    actor.OutboxURI,
		"followers":                 actor.URI + "/followers",
		"following":                 actor.URI + "/following",
		"manuallyApprovesFollowers": actor.ManuallyApprovesFollowers,
		"publicKey": map[string]string{
			"id":           actor.KeyID(),
			"owner":        actor.URI,
			"publicKeyPem": actor.PublicKeyPem,
		},
	}
	if actor.SharedInboxURI != "" {
		doc["endpoints"] = map[string]string{"sharedInbox": actor.SharedInboxURI}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actor: %w", err)
	}
	return b, nil
}
