package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	RequestTarget      = "(request-target)"

	// DefaultSignatureWindow is how far a Date header may drift from our clock in either direction
	DefaultSignatureWindow = 300 * time.Second
)

// DefaultSignedHeaders is the minimum header list; digest is appended when a body is present
var DefaultSignedHeaders = []string{RequestTarget, "host", "date"}

// SignedRequest describes the signature attached to one outgoing request. It is never persisted.
type SignedRequest struct {
	Method    string
	Path      string
	Headers   []string // header names in signing order
	Digest    string   // "SHA-256=<base64>", empty without a body
	KeyID     string
	Algorithm string
	Signature []byte
	Date      string
}

// VerifiedRequest is the result of a successful verification
type VerifiedRequest struct {
	KeyID     string
	ActorURI  string // keyId without fragment
	Algorithm string
	Headers   []string
	Date      time.Time
}

// KeyResolveFunc supplies the public key for a keyId
type KeyResolveFunc func(ctx context.Context, keyID string) (*rsa.PublicKey, error)

// SignatureCodec builds and verifies HTTP message signatures
type SignatureCodec struct {
	headers    []string
	algorithms map[string]bool
	window     time.Duration
	now        func() time.Time
}

// NewSignatureCodec creates a codec. Empty arguments select the defaults:
// the minimum header list, {rsa-sha256} and a ±300s date window.
func NewSignatureCodec(headers []string, algorithms []string, window time.Duration) *SignatureCodec {
	if len(headers) == 0 {
		headers = DefaultSignedHeaders
	}
	if len(algorithms) == 0 {
		algorithms = []string{AlgorithmRSASHA256}
	}
	if window <= 0 {
		window = DefaultSignatureWindow
	}

	c := &SignatureCodec{
		algorithms: make(map[string]bool, len(algorithms)),
		window:     window,
		now:        time.Now,
	}
	for _, h := range headers {
		c.headers = append(c.headers, strings.ToLower(strings.TrimSpace(h)))
	}
	// The minimum set is always signed, whatever the configuration says
	for _, required := range DefaultSignedHeaders {
		if !containsHeader(c.headers, required) {
			c.headers = append(c.headers, required)
		}
	}
	for _, a := range algorithms {
		c.algorithms[strings.ToLower(a)] = true
	}
	return c
}

// Window returns the date acceptance window
func (c *SignatureCodec) Window() time.Duration {
	return c.window
}

// SetClock replaces the time source, used for the date window and for Date headers we set
func (c *SignatureCodec) SetClock(now func() time.Time) {
	c.now = now
}

// Sign signs req with privateKey and sets the Signature header.
// Date and Host headers are added when missing. With a body the Digest header is
// recomputed and signed.
func (c *SignatureCodec) Sign(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyID string) (*SignedRequest, error) {
	if privateKey == nil {
		return nil, ErrSigningKeyMissing.With(nil, "%s", keyID)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		host := req.Host
		if host == "" {
			host = req.URL.Host
		}
		req.Header.Set("Host", host)
	}

	headers := make([]string, 0, len(c.headers)+1)
	for _, h := range c.headers {
		if h != "digest" || len(body) > 0 {
			headers = append(headers, h)
		}
	}
	var digestBody []byte
	if len(body) > 0 {
		digestBody = body
		if !containsHeader(headers, "digest") {
			headers = append(headers, "digest")
		}
	}
	// The signer writes both headers itself and refuses an existing Digest
	req.Header.Del("Digest")
	req.Header.Del("Signature")

	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(privateKey, keyID, req, digestBody); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	params, err := parseSignatureHeader(req)
	if err != nil {
		return nil, err
	}
	return &SignedRequest{
		Method:    req.Method,
		Path:      requestPath(req),
		Headers:   params.headers,
		Digest:    req.Header.Get("Digest"),
		KeyID:     params.keyID,
		Algorithm: strings.ToLower(params.algorithm),
		Signature: params.signature,
		Date:      req.Header.Get("Date"),
	}, nil
}

// Verify checks the signature on an incoming request. All protocol checks run
// before resolve is called, so a malformed request never triggers key fetches.
func (c *SignatureCodec) Verify(ctx context.Context, req *http.Request, body []byte, resolve KeyResolveFunc) (*VerifiedRequest, error) {
	params, err := parseSignatureHeader(req)
	if err != nil {
		return nil, err
	}

	algorithm := strings.ToLower(params.algorithm)
	algo, known := signatureAlgorithms[algorithm]
	if !known || !c.algorithms[algorithm] {
		return nil, ErrUnsupportedAlgorithm.With(nil, "%q", params.algorithm)
	}

	for _, required := range DefaultSignedHeaders {
		if !containsHeader(params.headers, required) {
			return nil, ErrRequiredHeaderUnsigned.With(nil, "%s", required)
		}
	}
	if len(body) > 0 && !containsHeader(params.headers, "digest") {
		return nil, ErrRequiredHeaderUnsigned.With(nil, "digest")
	}
	if err := checkSignedHeaders(req, params.headers); err != nil {
		return nil, err
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return nil, ErrInvalidDate.With(err, "")
	}
	// Date has one second resolution
	skew := c.now().Truncate(time.Second).Sub(date)
	if skew > c.window || skew < -c.window {
		return nil, ErrDateOutOfWindow.With(nil, "skew %s exceeds %s", skew, c.window)
	}

	if digestHeader := req.Header.Get("Digest"); digestHeader != "" {
		if err := verifyDigest(digestHeader, body); err != nil {
			return nil, err
		}
	}

	pub, err := resolve(ctx, params.keyID)
	if err != nil {
		return nil, err
	}
	if err := verifySignature(req, pub, algo); err != nil {
		return nil, err
	}

	return &VerifiedRequest{
		KeyID:     params.keyID,
		ActorURI:  keyOwner(params.keyID),
		Algorithm: algorithm,
		Headers:   params.headers,
		Date:      date,
	}, nil
}

// signatureAlgorithms maps the algorithm parameter to the verifier's algorithm
var signatureAlgorithms = map[string]httpsig.Algorithm{
	AlgorithmRSASHA256: httpsig.RSA_SHA256,
	"rsa-sha512":       httpsig.RSA_SHA512,
}

// verifySignature checks the signature over the headers named in the Signature header
func verifySignature(req *http.Request, pub *rsa.PublicKey, algo httpsig.Algorithm) error {
	signed := req
	if signed.Header.Get("Host") == "" {
		// Servers move Host out of the header map
		signed = req.Clone(req.Context())
		signed.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(signed)
	if err != nil {
		return ErrMalformedSignature.With(err, "")
	}
	if err := verifier.Verify(pub, algo); err != nil {
		return ErrSignatureMismatch.With(err, "keyId %s", verifier.KeyId())
	}
	return nil
}

type signatureParams struct {
	keyID     string
	algorithm string
	headers   []string
	signature []byte
}

// parseSignatureHeader reads the Signature header, or an Authorization header using the Signature scheme
func parseSignatureHeader(req *http.Request) (*signatureParams, error) {
	raw := req.Header.Get("Signature")
	if raw == "" {
		if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			raw = strings.TrimPrefix(auth, "Signature ")
		}
	}
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingSignature
	}

	values := make(map[string]string)
	for _, part := range splitParams(raw) {
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, ErrMalformedSignature.With(nil, "parameter %q", part)
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.TrimSuffix(strings.TrimPrefix(val, `"`), `"`)
		values[key] = val
	}

	params := &signatureParams{
		keyID:     values["keyId"],
		algorithm: values["algorithm"],
	}
	if params.keyID == "" {
		return nil, ErrMalformedSignature.With(nil, "missing keyId")
	}

	headerList, ok := values["headers"]
	if !ok || strings.TrimSpace(headerList) == "" {
		return nil, ErrMissingSignedHeaders
	}
	for _, h := range strings.Fields(headerList) {
		params.headers = append(params.headers, strings.ToLower(h))
	}

	sig := values["signature"]
	if sig == "" {
		return nil, ErrMalformedSignature.With(nil, "missing signature value")
	}
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, ErrMalformedSignature.With(err, "signature is not base64")
	}
	params.signature = decoded
	return params, nil
}

// splitParams splits on commas outside of quoted strings
func splitParams(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			if p := strings.TrimSpace(b.String()); p != "" {
				parts = append(parts, p)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if p := strings.TrimSpace(b.String()); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// checkSignedHeaders requires a value for every signed header
func checkSignedHeaders(req *http.Request, headers []string) error {
	for _, h := range headers {
		switch {
		case strings.HasPrefix(h, "("):
		case h == "host":
			if req.Header.Get("Host") == "" && req.Host == "" {
				return ErrMissingHeaderValue.With(nil, "host")
			}
		case len(req.Header.Values(h)) == 0:
			return ErrMissingHeaderValue.With(nil, "%s", h)
		}
	}
	return nil
}

func requestPath(req *http.Request) string {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	return path
}

func computeDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// verifyDigest checks the SHA-256 entry of a Digest header against body
func verifyDigest(header string, body []byte) error {
	expected := computeDigest(body)
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		eq := strings.IndexByte(entry, '=')
		if eq <= 0 {
			continue
		}
		if strings.EqualFold(entry[:eq], "SHA-256") {
			if "SHA-256="+entry[eq+1:] == expected {
				return nil
			}
			return ErrBadDigest
		}
	}
	return ErrBadDigest.With(nil, "no SHA-256 digest in %q", header)
}

func containsHeader(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}

// keyOwner strips the fragment from a keyId
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func keyOwner(keyID string) string {
	return strings.Split(keyID, "#")[0]
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey (PKCS#1 or PKCS#8)
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey (PKIX or PKCS#1)
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return pub, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
