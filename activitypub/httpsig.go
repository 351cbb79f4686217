package activitypub

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// SigningError means the local key is absent or malformed. It is a
// configuration fault, not a peer fault, and aborts the affected task.
type SigningError struct {
	cause error
}

func (e *SigningError) Error() string {
	return "signing failed: " + e.cause.Error()
}

func (e *SigningError) Unwrap() error {
	return e.cause
}

// ErrKeyUnresolvable means the claimed key owner could not be fetched, so
// the signature could be neither confirmed nor denied.
var ErrKeyUnresolvable = errors.New("signature key unresolvable")

// SignRequest signs an outgoing HTTP request with the given private key.
// The signature covers the request target, host, date and body digest.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKeyPem string, keyId string, body []byte) error {
	privateKey, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return &SigningError{cause: err}
	}

	// net/http carries the host on req.Host, not in the header map, but the
	// signed header set covers "host"
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return &SigningError{cause: err}
	}

	if err := signer.SignRequest(privateKey, keyId, req, body); err != nil {
		return &SigningError{cause: err}
	}
	return nil
}

// KeyLookup resolves a keyId to the owner's public key PEM. The resolver
// backs this with its actor cache, fetching on a miss.
type KeyLookup func(keyId string) (string, error)

// VerifyRequest verifies the HTTP signature on an incoming request.
// Signature comparison inside the library is constant-time. The Date
// header must fall within the clock-skew window; stale requests are
// replayable and rejected.
// Returns the verified actor URI.
func VerifyRequest(req *http.Request, lookup KeyLookup, clockSkew time.Duration) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", fmt.Errorf("missing signature header")
	}

	if err := checkDate(req, clockSkew); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	keyId := verifier.KeyId()
	publicKeyPem, err := lookup(keyId)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrKeyUnresolvable, keyId)
	}

	publicKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}

	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// keyId is usually "https://example.com/users/alice#main-key";
	// the owner URI is everything before the fragment.
	return strings.Split(keyId, "#")[0], nil
}

func checkDate(req *http.Request, clockSkew time.Duration) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return fmt.Errorf("missing date header")
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("unparseable date header: %w", err)
	}
	drift := time.Since(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > clockSkew {
		return fmt.Errorf("date header outside clock-skew window (%s)", drift)
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
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
