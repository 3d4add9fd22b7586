package signature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func notifyParams() map[string]string {
	return map[string]string{
		"app_id":       "2021000000000001",
		"out_trade_no": "O-1001",
		"trade_no":     "2026101422001400000000000001",
		"trade_status": "TRADE_SUCCESS",
		"total_amount": "29.00",
		"notify_time":  "2026-10-14 10:00:00",
		"sign_type":    SignTypeRSA2,
	}
}

func TestCanonicalize(t *testing.T) {
	params := map[string]string{
		"b":         "2",
		"a":         "1",
		"sign":      "ignored",
		"sign_type": "RSA2",
		"empty":     "",
		"c":         "x=y",
	}
	assert.Equal(t, "a=1&b=2&c=x=y", Canonicalize(params))
	assert.Equal(t, "", Canonicalize(nil))
}

func TestCanonicalizeOrderInvariant(t *testing.T) {
	want := Canonicalize(notifyParams())
	for i := 0; i < 50; i++ {
		rebuilt := map[string]string{}
		for k, v := range notifyParams() {
			rebuilt[k] = v
		}
		require.Equal(t, want, Canonicalize(rebuilt))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	k := key(t)
	params := notifyParams()

	sig, err := Sign(Canonicalize(params), k)
	require.NoError(t, err)
	params["sign"] = sig

	assert.True(t, Verify(params, sig, &k.PublicKey))
}

func TestVerifyRejectsSingleFieldTamper(t *testing.T) {
	k := key(t)
	base := notifyParams()
	sig, err := Sign(Canonicalize(base), k)
	require.NoError(t, err)

	for field := range base {
		field := field
		t.Run(field, func(t *testing.T) {
			tampered := notifyParams()
			tampered[field] = tampered[field] + "0"
			assert.False(t, Verify(tampered, sig, &k.PublicKey))
		})
	}

	t.Run("added field", func(t *testing.T) {
		tampered := notifyParams()
		tampered["buyer_id"] = "2088000000000000"
		assert.False(t, Verify(tampered, sig, &k.PublicKey))
	})
}

func TestVerifyFailsClosed(t *testing.T) {
	k := key(t)
	params := notifyParams()
	sig, err := Sign(Canonicalize(params), k)
	require.NoError(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	assert.False(t, Verify(params, sig, nil), "nil key")
	assert.False(t, Verify(params, "", &k.PublicKey), "empty signature")
	assert.False(t, Verify(params, "%%%not-base64", &k.PublicKey), "bad base64")
	assert.False(t, Verify(params, base64.StdEncoding.EncodeToString([]byte("short")), &k.PublicKey), "garbage signature")
	assert.False(t, Verify(params, sig, &other.PublicKey), "wrong key")

	params["sign_type"] = "RSA"
	assert.False(t, Verify(params, sig, &k.PublicKey), "unsupported sign type")
}

func TestSignNilKey(t *testing.T) {
	_, err := Sign("a=1", nil)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestParseKeys(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)

	sig, err := Sign("a=1", priv)
	require.NoError(t, err)
	assert.True(t, VerifyBytes([]byte("a=1"), sig, pub))

	t.Run("bare base64 der", func(t *testing.T) {
		k := key(t)
		pkcs1 := base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(k))
		parsed, err := ParsePrivateKey(pkcs1)
		require.NoError(t, err)
		assert.True(t, parsed.Equal(k))

		pkix, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
		require.NoError(t, err)
		parsedPub, err := ParsePublicKey(base64.StdEncoding.EncodeToString(pkix))
		require.NoError(t, err)
		assert.True(t, parsedPub.Equal(&k.PublicKey))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParsePrivateKey("not a key")
		assert.ErrorIs(t, err, ErrKeyFormat)
		_, err = ParsePublicKey("")
		assert.ErrorIs(t, err, ErrKeyFormat)
	})
}
