package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func serveDocument(t *testing.T, did string, pub ed25519.PublicKey) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		escaped, _ := url.PathUnescape(r.URL.Path)
		if escaped != "/"+did {
			http.NotFound(w, r)
			return
		}
		doc := map[string]interface{}{
			"id": did,
			"verificationMethod": []map[string]interface{}{
				{
					"id":   did + "#atproto",
					"type": "JsonWebKey2020",
					"publicKeyJwk": map[string]string{
						"kty": "OKP",
						"crv": "Ed25519",
						"x":   base64.RawURLEncoding.EncodeToString(pub),
					},
				},
			},
		}
		json.NewEncoder(w).Encode(doc)
	}))
}

func TestHTTPResolverParsesEd25519(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	const did = "did:plc:abc123"
	srv := serveDocument(t, did, pub)
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	doc, err := r.ResolveDID(context.Background(), did)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	key, err := doc.KeyFor("atproto")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := key.(ed25519.PublicKey)
	if !ok || !got.Equal(pub) {
		t.Error("resolved key does not match the published one")
	}
}

func TestHTTPResolverUnknownDID(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	if _, err := r.ResolveDID(context.Background(), "did:plc:ghost"); err == nil {
		t.Fatal("unknown DID must fail")
	}
}

func TestHTTPResolverRejectsSubjectMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"did:plc:other","verificationMethod":[]}`)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL)
	if _, err := r.ResolveDID(context.Background(), "did:plc:abc"); err == nil {
		t.Fatal("subject mismatch must fail")
	}
}

func TestParseJWKRejectsUnsupported(t *testing.T) {
	cases := []string{
		`{"kty":"RSA","n":"...","e":"AQAB"}`,
		`{"kty":"OKP","crv":"X25519","x":"AA"}`,
		`{"kty":"EC","crv":"secp256k1","x":"AA","y":"AA"}`,
		``,
	}
	for _, c := range cases {
		if _, err := parseJWK(json.RawMessage(c)); err == nil {
			t.Errorf("parseJWK(%q) should fail", c)
		}
	}
}
