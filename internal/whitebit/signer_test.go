package whitebit

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/whitebit-connector/config"
	"github.com/coachpo/whitebit-connector/errs"
)

func fixedSigner(secret string) *Signer {
	frozen := time.UnixMilli(1700000000000)
	nonces := NewNonceSource(func() time.Time { return frozen })
	creds := config.Credentials{PublicKey: "pub-key", SecretKey: secret}
	return NewSigner(creds, nonces)
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	signer := fixedSigner("top-secret")

	signed, err := signer.Sign("/api/v4/order/new", map[string]any{
		"market": "BTC_USDT",
		"side":   "buy",
		"amount": "0.01",
		"price":  "50000",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if signed.PayloadBase64 != base64.StdEncoding.EncodeToString(signed.Body) {
		t.Fatal("payload is not the base64 encoding of the transmitted body bytes")
	}

	mac := hmac.New(sha512.New, []byte("top-secret"))
	mac.Write([]byte(signed.PayloadBase64))
	want := hex.EncodeToString(mac.Sum(nil))
	if signed.SignatureHex != want {
		t.Fatalf("signature = %s, want %s", signed.SignatureHex, want)
	}
	if len(signed.SignatureHex) != 128 {
		t.Fatalf("signature length = %d hex chars, want 128", len(signed.SignatureHex))
	}
}

func TestSignBodyCarriesRequestNonceAndWindow(t *testing.T) {
	signer := fixedSigner("top-secret")

	signed, err := signer.Sign("/api/v4/trade-account/balance", map[string]any{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(signed.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["request"] != "/api/v4/trade-account/balance" {
		t.Fatalf("request field = %v", body["request"])
	}
	if body["nonceWindow"] != true {
		t.Fatalf("nonceWindow field = %v", body["nonceWindow"])
	}
	if nonce, ok := body["nonce"].(float64); !ok || int64(nonce) != signed.Nonce {
		t.Fatalf("nonce field = %v, want %d", body["nonce"], signed.Nonce)
	}
}

func TestSignIsDeterministicForIdenticalInputs(t *testing.T) {
	frozen := time.UnixMilli(1700000000000)
	params := map[string]any{"market": "ETH_USDT", "side": "sell", "amount": "2"}

	first, err := NewSigner(config.Credentials{PublicKey: "p", SecretKey: "s"},
		NewNonceSource(func() time.Time { return frozen })).Sign("/api/v4/order/market", params)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := NewSigner(config.Credentials{PublicKey: "p", SecretKey: "s"},
		NewNonceSource(func() time.Time { return frozen })).Sign("/api/v4/order/market", params)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if string(first.Body) != string(second.Body) {
		t.Fatalf("bodies differ:\n%s\n%s", first.Body, second.Body)
	}
	if first.SignatureHex != second.SignatureHex {
		t.Fatal("signatures differ for identical inputs")
	}
}

func TestSignConsumesOneNoncePerCall(t *testing.T) {
	signer := fixedSigner("s")

	first, err := signer.Sign("/api/v4/orders", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := signer.Sign("/api/v4/orders", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if second.Nonce != first.Nonce+1 {
		t.Fatalf("nonces %d, %d: want consecutive", first.Nonce, second.Nonce)
	}
}

func TestSignWithoutCredentialsIsFatalConfigError(t *testing.T) {
	signer := NewSigner(config.Credentials{}, NewNonceSource(nil))

	_, err := signer.Sign("/api/v4/order/new", nil)
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	if errs.CodeOf(err) != errs.CodeAuthConfig {
		t.Fatalf("code = %s, want %s", errs.CodeOf(err), errs.CodeAuthConfig)
	}
	if errs.Retryable(err) {
		t.Fatal("auth config errors must not be retryable")
	}
}

func TestSignHeadersCarryKeyPayloadSignature(t *testing.T) {
	signer := fixedSigner("s")

	signed, err := signer.Sign("/api/v4/orders", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := signed.Headers("pub-key")
	if headers[headerAPIKey] != "pub-key" {
		t.Fatalf("api key header = %q", headers[headerAPIKey])
	}
	if headers[headerPayload] != signed.PayloadBase64 {
		t.Fatal("payload header does not match payload")
	}
	if headers[headerSignature] != signed.SignatureHex {
		t.Fatal("signature header does not match signature")
	}
}
