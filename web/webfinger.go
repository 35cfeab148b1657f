package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/apfed/util"
)

// ErrNotFound is returned for resources that are not served by this instance
var ErrNotFound = errors.New("not found")

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// webfingerUser extracts the local username from an acct: or actor URI resource
func webfingerUser(resource, sslDomain string) (string, bool) {
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		user, host, found := strings.Cut(acct, "@")
		if !found || user == "" || !strings.EqualFold(host, sslDomain) {
			return "", false
		}
		return user, true
	}
	if user, ok := strings.CutPrefix(resource, fmt.Sprintf("https://%s/users/", sslDomain)); ok && user != "" && !strings.Contains(user, "/") {
		return user, true
	}
	return "", false
}

// GetWebfinger resolves a resource to the JRD document of a local actor
func GetWebfinger(ctx context.Context, store Store, resource string, conf *util.AppConfig) ([]byte, error) {
	user, ok := webfingerUser(resource, conf.Conf.SslDomain)
	if !ok {
		return nil, ErrNotFound
	}
	actor, err := store.ReadLocalActor(ctx, user)
	if err != nil {
		return nil, lookupError(err)
	}

	return json.Marshal(WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", actor.Username, conf.Conf.SslDomain),
		Aliases: []string{actor.URI},
		Links: []WebFingerLink{
			{Rel: "self", Type: activityJSON, Href: actor.URI},
		},
	})
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
