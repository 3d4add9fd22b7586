package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"sort"
	"strings"
)

// SignTypeRSA2 is RSA PKCS#1 v1.5 over a SHA-256 digest.
const SignTypeRSA2 = "RSA2"

var (
	ErrNoPrivateKey = errors.New("private key is nil")
	ErrKeyFormat    = errors.New("unrecognized key format")
	ErrNotRSAKey    = errors.New("key is not an RSA key")
)

// Canonicalize serializes params as the byte sequence that is signed: keys
// sorted, sign/sign_type and empty values dropped, joined as k=v with '&'.
func Canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func Sign(canonical string, key *rsa.PrivateKey) (string, error) {
	return SignBytes([]byte(canonical), key)
}

func SignBytes(data []byte, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", ErrNoPrivateKey
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify recomputes the canonical string of params and checks signatureBase64
// against key. Any malformed input yields false.
func Verify(params map[string]string, signatureBase64 string, key *rsa.PublicKey) bool {
	if st, ok := params["sign_type"]; ok && st != "" && st != SignTypeRSA2 {
		return false
	}
	return VerifyBytes([]byte(Canonicalize(params)), signatureBase64, key)
}

func VerifyBytes(data []byte, signatureBase64 string, key *rsa.PublicKey) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if key == nil || signatureBase64 == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// ParsePrivateKey accepts PEM (PKCS#1 or PKCS#8) or the bare base64 DER body
// gateways hand out in their consoles.
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	der, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, ErrKeyFormat
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rk, nil
}

// ParsePublicKey accepts PEM (PKIX or PKCS#1) or bare base64 DER.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKIXPublicKey(der); err == nil {
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSAKey
		}
		return rk, nil
	}
	k, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, ErrKeyFormat
	}
	return k, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrKeyFormat
	}
	if block, _ := pem.Decode([]byte(s)); block != nil {
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, ErrKeyFormat
	}
	return der, nil
}

// GenerateKeyPair returns a new key pair PEM-encoded as PKCS#8 and PKIX.
func GenerateKeyPair(bits int) (privPEM, pubPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM, nil
}
