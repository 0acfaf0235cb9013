package identity

import (
	"context"
	"crypto"
	"fmt"
	"time"
)

// DIDDocument is the slice of a resolved DID document the verifier needs:
// the subject DID and its verification methods keyed by fragment id.
type DIDDocument struct {
	DID                 string
	VerificationMethods map[string]crypto.PublicKey
}

// KeyFor returns the public key for a verification method fragment. An empty
// fragment selects the document's sole method, failing when the document is
// ambiguous.
func (d *DIDDocument) KeyFor(fragment string) (crypto.PublicKey, error) {
	if fragment != "" {
		key, ok := d.VerificationMethods[fragment]
		if !ok {
			return nil, fmt.Errorf("no verification method %q in document for %s", fragment, d.DID)
		}
		return key, nil
	}
	if len(d.VerificationMethods) != 1 {
		return nil, fmt.Errorf("document for %s has %d verification methods, key id required",
			d.DID, len(d.VerificationMethods))
	}
	for _, key := range d.VerificationMethods {
		return key, nil
	}
	return nil, fmt.Errorf("document for %s has no verification methods", d.DID)
}

// Resolver resolves a DID to its document. Resolution is an external
// collaborator (PLC directory, did:web fetch); implementations must honor the
// context deadline.
type Resolver interface {
	ResolveDID(ctx context.Context, did string) (*DIDDocument, error)
}

// CachingResolver wraps a Resolver with a bounded TTL cache so hot issuers
// are not re-resolved on every request.
type CachingResolver struct {
	inner Resolver
	cache *TTLCache[*DIDDocument]
}

// NewCachingResolver creates a caching resolver with the given TTL and
// maximum entry count.
func NewCachingResolver(inner Resolver, ttl time.Duration, maxSize int) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		cache: NewTTLCache[*DIDDocument](ttl, maxSize),
	}
}

// ResolveDID returns the cached document or resolves and caches it.
func (r *CachingResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	if doc, ok := r.cache.Get(did); ok {
		return doc, nil
	}
	doc, err := r.inner.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	r.cache.Set(did, doc)
	return doc, nil
}

// Invalidate drops a cached document, forcing re-resolution on next use.
func (r *CachingResolver) Invalidate(did string) {
	r.cache.Invalidate(did)
}
