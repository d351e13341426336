package whitebit

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/coachpo/whitebit-connector/config"
	"github.com/coachpo/whitebit-connector/errs"
)

// Private-call authentication headers.
const (
	headerAPIKey    = "X-TXC-APIKEY"
	headerPayload   = "X-TXC-PAYLOAD"
	headerSignature = "X-TXC-SIGNATURE"
)

// SignedRequest carries one authenticated request. Body holds the exact
// JSON bytes to transmit; SignatureHex covers PayloadBase64, which is the
// base64 encoding of those same bytes.
type SignedRequest struct {
	EndpointPath  string
	Nonce         int64
	PayloadBase64 string
	SignatureHex  string
	Body          []byte
}

// Headers returns the authentication headers for the request.
func (r SignedRequest) Headers(publicKey string) map[string]string {
	return map[string]string{
		headerAPIKey:    publicKey,
		headerPayload:   r.PayloadBase64,
		headerSignature: r.SignatureHex,
	}
}

// Signer produces signed request envelopes for private calls. It is a pure
// function of its inputs plus the one nonce consumed per call.
type Signer struct {
	creds  config.Credentials
	nonces *NonceSource
}

// NewSigner constructs a signer bound to one credential and nonce source.
func NewSigner(creds config.Credentials, nonces *NonceSource) *Signer {
	if nonces == nil {
		nonces = NewNonceSource(nil)
	}
	return &Signer{creds: creds, nonces: nonces}
}

// Sign consumes one nonce and builds the signed envelope for endpointPath.
// The body object carries the full API path under "request", the nonce,
// a nonceWindow flag, and the caller params. A missing secret is a fatal
// configuration error, never a retryable one.
func (s *Signer) Sign(endpointPath string, params map[string]any) (SignedRequest, error) {
	if !s.creds.Configured() {
		return SignedRequest{}, errs.New(whitebitMetadata.identifier, errs.CodeAuthConfig,
			errs.WithMessage("api credentials not configured"),
			errs.WithEndpoint(endpointPath))
	}
	if !strings.HasPrefix(endpointPath, "/") {
		return SignedRequest{}, errs.New(whitebitMetadata.identifier, errs.CodeAuthConfig,
			errs.WithMessage(fmt.Sprintf("endpoint path %q must be absolute", endpointPath)))
	}

	nonce := s.nonces.Next()

	body := make(map[string]any, len(params)+3)
	for k, v := range params {
		body[k] = v
	}
	body["request"] = endpointPath
	body["nonce"] = nonce
	body["nonceWindow"] = true

	// Map keys marshal in sorted order, so identical inputs always yield
	// identical bytes and therefore identical signatures.
	raw, err := json.Marshal(body)
	if err != nil {
		return SignedRequest{}, errs.New(whitebitMetadata.identifier, errs.CodeAuthConfig,
			errs.WithMessage("encode request body"),
			errs.WithCause(err))
	}

	payload := base64.StdEncoding.EncodeToString(raw)
	mac := hmac.New(sha512.New, []byte(s.creds.SecretKey))
	_, _ = mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	return SignedRequest{
		EndpointPath:  endpointPath,
		Nonce:         nonce,
		PayloadBase64: payload,
		SignatureHex:  signature,
		Body:          raw,
	}, nil
}
