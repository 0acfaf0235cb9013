package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPResolver fetches DID documents from an external resolver service
// (a PLC directory mirror or a universal-resolver deployment). Resolution is
// an external collaborator; this client only parses the document's
// verification methods into usable public keys.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPResolver creates a resolver against the given base endpoint.
func NewHTTPResolver(endpoint string) *HTTPResolver {
	return &HTTPResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// didDocument is the subset of a W3C DID document the verifier consumes.
type didDocument struct {
	ID                 string               `json:"id"`
	VerificationMethod []verificationMethod `json:"verificationMethod"`
}

type verificationMethod struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	PublicKeyJwk json.RawMessage `json:"publicKeyJwk"`
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// ResolveDID implements Resolver.
func (r *HTTPResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.endpoint+"/"+url.PathEscape(did), nil)
	if err != nil {
		return nil, fmt.Errorf("building resolution request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("DID %s not found", did)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver returned %d for %s", resp.StatusCode, did)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document for %s: %w", did, err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("document subject %s does not match %s", doc.ID, did)
	}

	methods := make(map[string]crypto.PublicKey, len(doc.VerificationMethod))
	for _, vm := range doc.VerificationMethod {
		key, err := parseJWK(vm.PublicKeyJwk)
		if err != nil {
			// Skip methods with unsupported key types; the verifier fails
			// later if the token's key id names one of them.
			continue
		}
		methods[fragmentOf(vm.ID)] = key
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("document for %s has no usable verification methods", did)
	}

	return &DIDDocument{DID: did, VerificationMethods: methods}, nil
}

// fragmentOf returns the part after '#', or the whole id without one.
func fragmentOf(id string) string {
	if i := strings.LastIndex(id, "#"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// parseJWK converts a JWK into a crypto.PublicKey. Supported: OKP/Ed25519
// and EC P-256/P-384, matching the verifier's algorithm allow-list.
func parseJWK(raw json.RawMessage) (crypto.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no JWK present")
	}
	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("decoding JWK: %w", err)
	}

	switch k.Kty {
	case "OKP":
		if k.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported OKP curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decoding Ed25519 x: %w", err)
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("Ed25519 key has %d bytes", len(x))
		}
		return ed25519.PublicKey(x), nil

	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported EC curve %q", k.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decoding EC x: %w", err)
		}
		yb, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decoding EC y: %w", err)
		}
		pub := &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}
		if !curve.IsOnCurve(pub.X, pub.Y) {
			return nil, fmt.Errorf("EC point is not on %s", k.Crv)
		}
		return pub, nil

	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}
