package keypair

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"silentauth/internal/security"
)

// KeyFileVersion is the current key file format.
const KeyFileVersion = 1

// maxKeyFileSize bounds the key file read by Load.
const maxKeyFileSize = 64 * 1024

// ErrKeyFile reports a malformed or unsupported key file.
var ErrKeyFile = errors.New("keypair: invalid key file")

// keyFile is the on-disk form written by Save. It is plain JSON with mode
// 0600 and is not a substitute for platform key storage.
type keyFile struct {
	Version   int       `json:"version"`
	Identity  string    `json:"identity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	N         string    `json:"n"`
	E         int       `json:"e"`
	D         string    `json:"d"`
}

// Save writes kp to path with owner-only permissions.
func Save(path, identity string, kp *KeyPair) error {
	k := kp.Size()
	dBytes := kp.D.FillBytes(make([]byte, k))
	defer security.Wipe(dBytes)

	kf := keyFile{
		Version:   KeyFileVersion,
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
		N:         base64.RawURLEncoding.EncodeToString(kp.N.FillBytes(make([]byte, k))),
		E:         kp.E,
		D:         base64.RawURLEncoding.EncodeToString(dBytes),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	defer security.Wipe(data)

	if err := security.WriteSecretFile(path, data); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load reads a key file written by Save and returns the key and the
// identity it was saved under.
func Load(path string) (*KeyPair, string, error) {
	data, err := security.ReadSecretFile(path, maxKeyFileSize)
	if err != nil {
		return nil, "", fmt.Errorf("read key file: %w", err)
	}
	defer security.Wipe(data)

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrKeyFile, err)
	}
	if kf.Version != KeyFileVersion {
		return nil, "", fmt.Errorf("%w: unsupported version %d", ErrKeyFile, kf.Version)
	}

	pub, err := DecodePublic(PublicKeyJSON{N: kf.N, E: kf.E})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrKeyFile, err)
	}

	dBytes, err := base64.RawURLEncoding.DecodeString(kf.D)
	if err != nil {
		return nil, "", fmt.Errorf("%w: private exponent encoding", ErrKeyFile)
	}
	defer security.Wipe(dBytes)

	d := new(big.Int).SetBytes(dBytes)
	if d.Sign() == 0 || d.Cmp(pub.N) >= 0 {
		return nil, "", fmt.Errorf("%w: private exponent out of range", ErrKeyFile)
	}

	return &KeyPair{N: pub.N, E: pub.E, D: d}, kf.Identity, nil
}
