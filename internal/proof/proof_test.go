package proof_test

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/config"
	"dealerdesk/internal/proof"
)

func rules() proof.Rules {
	return proof.RulesFrom(config.Default().Proofs)
}

func TestCheckNormalisesMime(t *testing.T) {
	a, err := rules().Check(proof.Upload{Filename: "IMG_1.JPG", MimeType: "application/octet-stream", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", a.MimeType)
	assert.Equal(t, "jpg", a.Ext)
	assert.Equal(t, proof.Image, a.Family)

	a, err = rules().Check(proof.Upload{Filename: "scan.pdf", MimeType: "application/pdf; charset=binary", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", a.MimeType)
}

func TestCheckRejects(t *testing.T) {
	cases := map[string]proof.Upload{
		"unknown extension": {Filename: "virus.exe", Size: 10},
		"mime mismatch":     {Filename: "photo.png", MimeType: "video/mp4", Size: 10},
		"image too large":   {Filename: "photo.png", MimeType: "image/png", Size: 5<<20 + 1},
		"empty":             {Filename: "photo.png", Size: 0},
	}
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rules().Check(u)
			var ie proof.InvalidFileError
			require.ErrorAs(t, err, &ie)
		})
	}
}

func TestVideoLimitIsSeparate(t *testing.T) {
	_, err := rules().Check(proof.Upload{Filename: "walkaround.mp4", Size: 50 << 20})
	assert.NoError(t, err)
}

func TestMaxBatchBytes(t *testing.T) {
	r := proof.Rules{MaxFiles: 3, MaxImageBytes: 10, MaxDocumentBytes: 40, MaxVideoBytes: 20}
	assert.Equal(t, int64(120), r.MaxBatchBytes())
}

func TestCheckBatchCap(t *testing.T) {
	five := make([]proof.Upload, 5)
	for i := range five {
		five[i] = proof.Upload{Filename: "p.png", Size: 1}
	}
	got, err := rules().CheckBatch(0, five)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	_, err = rules().CheckBatch(0, append(five, proof.Upload{Filename: "p.png", Size: 1}))
	assert.Error(t, err)

	_, err = rules().CheckBatch(3, five[:3])
	assert.Error(t, err, "existing files count toward the cap")
}

func TestStoragePath(t *testing.T) {
	d := "d1"
	p := proof.StoragePath(&d, "t1", "png")
	assert.True(t, strings.HasPrefix(p, "dealerships/d1/tasks/t1/"))
	assert.True(t, strings.HasSuffix(p, ".png"))
	assert.True(t, strings.HasPrefix(proof.StoragePath(nil, "t1", "pdf"), "dealerships/global/tasks/t1/"))
}

func TestSignerRoundTrip(t *testing.T) {
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := proof.NewSigner("secret", time.Hour, "/v1").WithClock(func() time.Time { return issued })
	raw := s.URL(proof.KindResponse, "p1")
	require.True(t, strings.HasPrefix(raw, "/v1/proofs/response/p1/download?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	exp, sig := u.Query().Get("expires"), u.Query().Get("signature")

	assert.NoError(t, s.VerifyAt(proof.KindResponse, "p1", exp, sig, issued.Add(59*time.Minute)))
	assert.ErrorIs(t, s.VerifyAt(proof.KindResponse, "p1", exp, sig, issued.Add(61*time.Minute)), proof.ErrExpired)
	assert.ErrorIs(t, s.VerifyAt(proof.KindResponse, "p2", exp, sig, issued), proof.ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyAt(proof.KindShared, "p1", exp, sig, issued), proof.ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyAt(proof.KindResponse, "p1", exp+"0", sig, issued), proof.ErrInvalidSignature)

	other := proof.NewSigner("other", time.Hour, "/v1")
	assert.ErrorIs(t, other.VerifyAt(proof.KindResponse, "p1", exp, sig, issued), proof.ErrInvalidSignature)
}
