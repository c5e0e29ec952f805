package payment

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

func TestVerifyHMAC(t *testing.T) {
	t.Parallel()

	secret := []byte("whsec")
	raw := []byte(`{"event":"payment.succeeded","object":{"id":"p-1"}}`)
	sig := Sign(secret, raw)

	tests := []struct {
		name    string
		secret  []byte
		raw     []byte
		sig     string
		wantErr bool
	}{
		{name: "valid", secret: secret, raw: raw, sig: sig},
		{name: "valid_prefixed", secret: secret, raw: raw, sig: SignaturePrefix + sig},
		{name: "wrong_secret", secret: []byte("other"), raw: raw, sig: sig, wantErr: true},
		{name: "tampered_body", secret: secret, raw: []byte(`{"event":"payment.succeeded","object":{"id":"p-2"}}`), sig: sig, wantErr: true},
		{name: "missing_signature", secret: secret, raw: raw, sig: "", wantErr: true},
		{name: "not_hex", secret: secret, raw: raw, sig: "zz", wantErr: true},
		{name: "no_secret", secret: nil, raw: raw, sig: sig, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := VerifyHMAC(tt.secret, tt.raw, tt.sig)
			if tt.wantErr && !errors.Is(err, apperr.ErrInvalidSignature) {
				t.Fatalf("expected %v, got %v", apperr.ErrInvalidSignature, err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestTamperedPayloadAlwaysRejected flips one random byte of a signed body
// and expects verification to fail every time.
func TestTamperedPayloadAlwaysRejected(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	secret := []byte("whsec")
	raw := []byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"p-1","metadata":{"order_id":"o-1"}}}`)
	sig := Sign(secret, raw)

	for i := 0; i < 1000; i++ {
		tampered := append([]byte(nil), raw...)
		pos := rng.Intn(len(tampered))
		tampered[pos] ^= byte(1 + rng.Intn(255))
		if err := VerifyHMAC(secret, tampered, sig); !errors.Is(err, apperr.ErrInvalidSignature) {
			t.Fatalf("tampered byte %d accepted", pos)
		}
	}
}
