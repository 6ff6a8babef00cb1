package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	// DefaultPubkeyURL is the control plane's key-distribution endpoint.
	DefaultPubkeyURL = "https://run.vast.ai/pubkey/"

	pubkeyFetchAttempts = 5
	pubkeyRetryDelay    = 15 * time.Second
	pubkeyFetchTimeout  = 10 * time.Second
)

// FetchPublicKey downloads and parses the control plane's RSA public key.
// It retries up to 5 times at 15-second spacing and returns nil when the
// retry budget is exhausted or ctx is cancelled — callers then construct a
// fail-closed Verifier.
func FetchPublicKey(ctx context.Context, url string, log *slog.Logger) *rsa.PublicKey {
	if log == nil {
		log = slog.Default()
	}
	client := &fasthttp.Client{}

	for attempt := 1; attempt <= pubkeyFetchAttempts; attempt++ {
		key, err := fetchOnce(client, url)
		if err == nil {
			log.Info("public key fetched", slog.String("url", url))
			return key
		}
		log.Warn("public key fetch failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == pubkeyFetchAttempts {
			break
		}
		select {
		case <-time.After(pubkeyRetryDelay):
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func fetchOnce(client *fasthttp.Client, url string) (*rsa.PublicKey, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := client.DoTimeout(req, resp, pubkeyFetchTimeout); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode())
	}
	return ParsePublicKeyPEM(resp.Body())
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key in either PKIX
// ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC KEY") form.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", pub)
	}
	return rsaKey, nil
}
