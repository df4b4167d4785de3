package keypair

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

// PublicKeyJSON is the registration payload: n as unpadded base64url of
// exactly Size() big-endian bytes, e as a number.
type PublicKeyJSON struct {
	N string `json:"n"`
	E int    `json:"e"`
}

// EncodePublic converts pub to its registration form.
func EncodePublic(pub *PublicKey) PublicKeyJSON {
	return PublicKeyJSON{
		N: base64.RawURLEncoding.EncodeToString(pub.N.FillBytes(make([]byte, pub.Size()))),
		E: pub.E,
	}
}

// DecodePublic parses and validates a registration payload.
func DecodePublic(in PublicKeyJSON) (*PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(in.N)
	if err != nil {
		return nil, fmt.Errorf("%w: modulus encoding: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) == 0 || raw[0] == 0 {
		return nil, fmt.Errorf("%w: modulus has leading zero byte", ErrInvalidPublicKey)
	}
	pub := &PublicKey{N: new(big.Int).SetBytes(raw), E: in.E}
	if err := pub.Validate(); err != nil {
		return nil, err
	}
	return pub, nil
}

// MarshalPublic encodes pub as JSON.
func MarshalPublic(pub *PublicKey) ([]byte, error) {
	return json.Marshal(EncodePublic(pub))
}

// ParsePublic decodes JSON produced by MarshalPublic.
func ParsePublic(data []byte) (*PublicKey, error) {
	var in PublicKeyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return DecodePublic(in)
}

// Fingerprint returns the OpenSSH SHA-256 fingerprint of pub, used as the
// key ID in logs and audit records.
func Fingerprint(pub *PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(&rsa.PublicKey{N: pub.N, E: pub.E})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}

// Equal reports whether pub and other are the same key.
func (pub *PublicKey) Equal(other *PublicKey) bool {
	if pub == nil || other == nil {
		return pub == other
	}
	return pub.E == other.E && pub.N.Cmp(other.N) == 0
}
