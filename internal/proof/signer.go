package proof

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

const (
	KindResponse = "response"
	KindShared   = "shared"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("signature expired")
)

// Signer issues and checks download URLs for proof files. The signature is a
// keyed BLAKE3 MAC over kind, id and expiry, so verification needs no state.
type Signer struct {
	key      [32]byte
	ttl      time.Duration
	basePath string
	now      func() time.Time
}

// NewSigner derives the MAC key from secret. basePath prefixes issued URLs.
func NewSigner(secret string, ttl time.Duration, basePath string) Signer {
	return Signer{
		key:      blake3.Sum256([]byte("dealerdesk proof url v1|" + secret)),
		ttl:      ttl,
		basePath: basePath,
		now:      time.Now,
	}
}

// WithClock returns a copy using now as its time source.
func (s Signer) WithClock(now func() time.Time) Signer {
	s.now = now
	return s
}

func (s Signer) mac(kind, id string, expires int64) []byte {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("proof: keyed blake3: " + err.Error())
	}
	fmt.Fprintf(h, "%s|%s|%d", kind, id, expires)
	return h.Sum(nil)
}

// URL returns a signed download URL valid for the signer's TTL.
func (s Signer) URL(kind, id string) string {
	expires := s.now().Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", hex.EncodeToString(s.mac(kind, id, expires)))
	return fmt.Sprintf("%s/proofs/%s/%s/download?%s", s.basePath, kind, id, q.Encode())
}

// Verify checks a signature against the current time.
func (s Signer) Verify(kind, id, expires, signature string) error {
	return s.VerifyAt(kind, id, expires, signature, s.now())
}

// VerifyAt checks a signature against now.
func (s Signer) VerifyAt(kind, id, expires, signature string, now time.Time) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(got, s.mac(kind, id, exp)) != 1 {
		return ErrInvalidSignature
	}
	if now.Unix() > exp {
		return ErrExpired
	}
	return nil
}
