package auth

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"sync"
)

// MsgHistoryLen bounds both the replay FIFO and the reqnum staleness window.
const MsgHistoryLen = 100

// Reject reasons returned by Verify, used as metric labels.
const (
	RejectStaleReqnum  = "stale_reqnum"
	RejectReplay       = "replay"
	RejectNoKey        = "no_key"
	RejectBadEncoding  = "bad_encoding"
	RejectBadSignature = "signature"
)

// Verifier checks auth envelopes against the control plane's public key and
// a process-wide replay window. It is safe for concurrent use; verification
// is CPU-only and never blocks.
//
// A Verifier with a nil key fails closed: every envelope is rejected.
type Verifier struct {
	mu            sync.Mutex
	key           *rsa.PublicKey
	highestReqnum int64
	history       [][]byte // canonical messages, oldest first

	log *slog.Logger
}

// NewVerifier creates a Verifier for the given public key. key may be nil
// when the startup fetch failed; the worker then rejects all requests but
// keeps running to surface logs and metrics.
func NewVerifier(key *rsa.PublicKey, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		key:           key,
		highestReqnum: -1,
		log:           log,
	}
}

// Verify reports whether the envelope is authentic and fresh, and on
// rejection which check failed (one of the Reject constants). Checks run in
// order: reqnum staleness, replay membership over the canonical bytes, then
// the RSA-PKCS#1v1.5/SHA-256 signature. Only an accepted envelope mutates
// the replay state.
func (v *Verifier) Verify(a AuthData) (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if a.Reqnum < v.highestReqnum-MsgHistoryLen {
		v.log.Debug("auth rejected: stale reqnum",
			slog.Int64("reqnum", a.Reqnum),
			slog.Int64("highest_reqnum", v.highestReqnum),
		)
		return false, RejectStaleReqnum
	}

	canonical := a.CanonicalMessage()
	for _, seen := range v.history {
		if bytes.Equal(seen, canonical) {
			v.log.Debug("auth rejected: replayed message", slog.Int64("reqnum", a.Reqnum))
			return false, RejectReplay
		}
	}

	if v.key == nil {
		v.log.Debug("auth rejected: no public key")
		return false, RejectNoKey
	}

	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		v.log.Debug("auth rejected: signature is not base64", slog.Int64("reqnum", a.Reqnum))
		return false, RejectBadEncoding
	}

	sum := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, sum[:], sig); err != nil {
		v.log.Debug("auth rejected: signature mismatch", slog.Int64("reqnum", a.Reqnum))
		return false, RejectBadSignature
	}

	if a.Reqnum > v.highestReqnum {
		v.highestReqnum = a.Reqnum
	}
	v.history = append(v.history, canonical)
	if len(v.history) > MsgHistoryLen {
		v.history = v.history[len(v.history)-MsgHistoryLen:]
	}
	return true, ""
}

// HasKey reports whether a public key was installed (used by health probes).
func (v *Verifier) HasKey() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key != nil
}
