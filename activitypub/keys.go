package activitypub

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/kv"
	"github.com/deemkeen/apfed/util"
)

const (
	actorCachePrefix   = "actor:"
	defaultKeyCacheTTL = 5 * time.Minute
)

// KeyResolver supplies key material for signing and verification.
// Remote actor documents are cached in the shared store for a short TTL.
type KeyResolver struct {
	localDomain string
	actors      ActorStore
	fetcher     ActorFetcher
	cache       kv.Store
	ttl         time.Duration
	now         func() time.Time
}

func NewKeyResolver(localDomain string, actors ActorStore, fetcher ActorFetcher, cache kv.Store, ttl time.Duration) *KeyResolver {
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}
	return &KeyResolver{
		localDomain: localDomain,
		actors:      actors,
		fetcher:     fetcher,
		cache:       cache,
		ttl:         ttl,
		now:         time.Now,
	}
}

// ResolveVerificationKey returns the public key referenced by keyID
func (r *KeyResolver) ResolveVerificationKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	_, pub, _, err := r.resolve(ctx, keyID, false)
	return pub, err
}

// ResolveSigningKey returns the private key of a local actor.
// A missing key is never retryable: the caller cannot produce signatures for this actor.
func (r *KeyResolver) ResolveSigningKey(ctx context.Context, localActorURI string) (*rsa.PrivateKey, error) {
	actor, err := r.actors.ReadActorByURI(ctx, localActorURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSigningKeyMissing.With(nil, "no local actor %s", localActorURI)
	}
	if err != nil {
		return nil, ErrStore.With(err, "read actor %s", localActorURI)
	}
	if !actor.IsLocal || actor.PrivateKeyPem == "" {
		return nil, ErrSigningKeyMissing.With(nil, "%s", localActorURI)
	}

	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, ErrSigningKeyMissing.With(err, "%s", localActorURI)
	}
	return key, nil
}

// ResolveActor returns the actor document for uri, from the directory for local
// actors and from the cache or the network for remote ones
func (r *KeyResolver) ResolveActor(ctx context.Context, uri string) (*domain.Actor, error) {
	host, err := extractDomain(uri)
	if err != nil {
		return nil, err
	}
	if host == r.localDomain {
		return r.localActor(ctx, uri)
	}
	actor, _, err := r.remoteActor(ctx, uri, "", false)
	return actor, err
}

// Verify checks the signature on req. When verification fails against a cached
// key the cache entry is dropped and the request is checked once more against
// a freshly fetched document, which covers remote key rotation.
func (r *KeyResolver) Verify(ctx context.Context, codec *SignatureCodec, req *http.Request, body []byte) (*VerifiedRequest, error) {
	var keyID, signer string
	var fromCache bool
	verified, err := codec.Verify(ctx, req, body, func(ctx context.Context, id string) (*rsa.PublicKey, error) {
		keyID = id
		actor, pub, cached, err := r.resolve(ctx, id, false)
		fromCache = cached
		if actor != nil {
			signer = actor.URI
		}
		return pub, err
	})
	if err == nil || !fromCache || !errors.Is(err, ErrSignatureMismatch) {
		return withSigner(verified, signer), err
	}

	log.Printf("KeyResolver: signature mismatch with cached key %s, refetching", keyID)
	r.Invalidate(ctx, keyOwner(keyID))
	verified, err = codec.Verify(ctx, req, body, func(ctx context.Context, id string) (*rsa.PublicKey, error) {
		actor, pub, _, err := r.resolve(ctx, id, true)
		if actor != nil {
			signer = actor.URI
		}
		return pub, err
	})
	return withSigner(verified, signer), err
}

// withSigner names the actor owning the key, which differs from the keyId
// prefix when the key lives at its own URL
func withSigner(verified *VerifiedRequest, actorURI string) *VerifiedRequest {
	if verified != nil && actorURI != "" {
		verified.ActorURI = actorURI
	}
	return verified
}

// Invalidate drops the cached document of a remote actor
func (r *KeyResolver) Invalidate(ctx context.Context, actorURI string) {
	if err := r.cache.Delete(ctx, actorCachePrefix+actorURI); err != nil {
		log.Printf("KeyResolver: failed to invalidate %s: %v", actorURI, err)
	}
}

// resolve returns the actor owning keyID, its key and whether it came from the cache
func (r *KeyResolver) resolve(ctx context.Context, keyID string, refresh bool) (*domain.Actor, *rsa.PublicKey, bool, error) {
	owner := keyOwner(keyID)
	host, err := extractDomain(owner)
	if err != nil {
		return nil, nil, false, ErrInvalidKeyID.With(err, "%q", keyID)
	}

	var actor *domain.Actor
	cached := false
	if host == r.localDomain {
		actor, err = r.localActor(ctx, owner)
	} else {
		actor, cached, err = r.remoteActor(ctx, owner, keyID, refresh)
	}
	if err != nil {
		return nil, nil, false, err
	}

	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		if cached {
			r.Invalidate(ctx, owner)
		}
		return nil, nil, false, ErrInvalidKey.With(err, "%s", keyID)
	}
	return actor, pub, cached, nil
}

func (r *KeyResolver) localActor(ctx context.Context, uri string) (*domain.Actor, error) {
	actor, err := r.actors.ReadActorByURI(ctx, uri)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !actor.IsLocal) {
		return nil, ErrActorNotFound.With(nil, "%s", uri)
	}
	if err != nil {
		return nil, ErrStore.With(err, "read actor %s", uri)
	}
	return actor, nil
}

// remoteActor returns the remote actor at uri. When keyID is given the fetched
// document must publish exactly that key.
func (r *KeyResolver) remoteActor(ctx context.Context, uri, keyID string, refresh bool) (*domain.Actor, bool, error) {
	if !refresh {
		if actor := r.cachedActor(ctx, uri); actor != nil {
			return actor, true, nil
		}
	}

	doc, err := r.fetcher.FetchActor(ctx, uri)
	if err != nil {
		return nil, false, err
	}

	// The document must describe the actor that owns the key, so a third
	// party cannot answer for somebody else's keyId
	if doc.ID != uri {
		if doc, err = r.keyOwnerDocument(ctx, doc, uri, keyID); err != nil {
			return nil, false, err
		}
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID {
		return nil, false, ErrKeyOwnerMismatch.With(nil, "key owned by %s, document is %s", doc.PublicKey.Owner, doc.ID)
	}
	if keyID != "" && doc.PublicKey.ID != "" && doc.PublicKey.ID != keyID {
		return nil, false, ErrKeyOwnerMismatch.With(nil, "document publishes %s, signature used %s", doc.PublicKey.ID, keyID)
	}

	actor, err := actorFromResponse(doc, r.now())
	if err != nil {
		return nil, false, err
	}

	if pub, err := ParsePublicKey(actor.PublicKeyPem); err == nil {
		log.Printf("KeyResolver: fetched %s key %s", actor.URI, util.KeyFingerprint(pub))
	}

	if err := r.actors.UpsertRemoteActor(ctx, actor); err != nil {
		log.Printf("KeyResolver: failed to store remote actor %s: %v", actor.URI, err)
	}
	if encoded, err := json.Marshal(actor); err == nil {
		if err := r.cache.Set(ctx, actorCachePrefix+uri, string(encoded), r.ttl); err != nil {
			log.Printf("KeyResolver: failed to cache %s: %v", uri, err)
		}
	}
	return actor, false, nil
}

// keyOwnerDocument follows a keyId that names a key document rather than a
// fragment of the actor, e.g. https://example.com/users/alice/main-key. The
// owner's own document must publish the same key id.
func (r *KeyResolver) keyOwnerDocument(ctx context.Context, keyDoc *ActorResponse, uri, keyID string) (*ActorResponse, error) {
	if keyID == "" || keyDoc.PublicKey.ID != keyID || keyDoc.PublicKey.Owner == "" || keyDoc.PublicKey.Owner == uri {
		return nil, ErrKeyOwnerMismatch.With(nil, "document %s served for %s", keyDoc.ID, uri)
	}
	owner, err := r.fetcher.FetchActor(ctx, keyDoc.PublicKey.Owner)
	if err != nil {
		return nil, err
	}
	if owner.ID != keyDoc.PublicKey.Owner || owner.PublicKey.ID != keyID {
		return nil, ErrKeyOwnerMismatch.With(nil, "%s does not publish key %s", keyDoc.PublicKey.Owner, keyID)
	}
	return owner, nil
}

func (r *KeyResolver) cachedActor(ctx context.Context, uri string) *domain.Actor {
	value, ok, err := r.cache.Get(ctx, actorCachePrefix+uri)
	if err != nil {
		log.Printf("KeyResolver: cache read for %s failed: %v", uri, err)
		return nil
	}
	if !ok {
		return nil
	}
	var actor domain.Actor
	if err := json.Unmarshal([]byte(value), &actor); err != nil {
		log.Printf("KeyResolver: dropping undecodable cache entry for %s: %v", uri, err)
		r.Invalidate(ctx, uri)
		return nil
	}
	return &actor
}
