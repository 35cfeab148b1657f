package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/deemkeen/apfed/domain"
)

const itemsPerPage = 20

// Collection names served under /users/:username/
const (
	FollowersCollection = "followers"
	FollowingCollection = "following"
)

// GetCollection returns the followers or following OrderedCollection of a
// local user. Page 0 returns the collection summary, pages start at 1.
// Only accepted relationships are listed.
func GetCollection(ctx context.Context, store Store, username, name string, page int) ([]byte, error) {
	actor, err := store.ReadLocalActor(ctx, username)
	if err != nil {
		return nil, lookupError(err)
	}

	var members []string
	switch name {
	case FollowersCollection:
		follows, err := store.ReadFollowers(ctx, actor.URI)
		if err != nil {
			return nil, err
		}
		for _, f := range follows {
			members = append(members, f.SourceActorURI)
		}
	case FollowingCollection:
		follows, err := store.ReadFollowing(ctx, actor.URI)
		if err != nil {
			return nil, err
		}
		for _, f := range follows {
			if f.State == domain.FollowAccepted {
				members = append(members, f.TargetActorURI)
			}
		}
	default:
		return nil, ErrNotFound
	}

	collectionURL := fmt.Sprintf("%s/%s", actor.URI, name)

	if page == 0 {
		return json.Marshal(map[string]interface{}{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         collectionURL,
			"type":       "OrderedCollection",
			"totalItems": len(members),
			"first":      fmt.Sprintf("%s?page=1", collectionURL),
		})
	}

	offset := (page - 1) * itemsPerPage
	items := []string{}
	if offset < len(members) {
		items = members[offset:min(offset+itemsPerPage, len(members))]
	}

	collectionPage := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", collectionURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURL,
		"totalItems":   len(members),
		"orderedItems": items,
	}
	if offset+itemsPerPage < len(members) {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", collectionURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", collectionURL, page-1)
	}
	return json.Marshal(collectionPage)
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
