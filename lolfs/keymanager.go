package lolfs

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is used when FormatOptions.KDFIterations is zero.
const DefaultKDFIterations = 210000

// EncryptionStatus is the §4.4 status query result.
type EncryptionStatus struct {
	Enabled   bool
	Algorithm uint8
	Unlocked  bool
}

// keyManager holds the lock/unlock state machine of §4.4: a newly
// opened encrypted image is locked; a newly formatted one is implicitly
// unlocked by its creator. The in-memory master key lives only here,
// encapsulated in the handle rather than a process global (§9).
type keyManager struct {
	mu sync.Mutex

	enabled    bool
	algorithm  uint8
	kdfAlgo    uint8
	iterations uint32
	salt       [32]byte
	wrapped    [32]byte

	unlocked  bool
	masterKey [32]byte
}

func newKeyManager(sb *superblock) *keyManager {
	return &keyManager{
		enabled:    sb.encryptionEnabled,
		algorithm:  sb.encryptionAlgo,
		kdfAlgo:    sb.kdfAlgo,
		iterations: sb.kdfIterations,
		salt:       sb.salt,
		wrapped:    sb.wrappedMasterKey,
	}
}

// deriveUserKey implements the §4.4 KDF: PBKDF2-HMAC-SHA256 with the
// superblock's iteration count and salt, producing a 32-byte user key.
func deriveUserKey(password string, salt [32]byte, iterations uint32) [32]byte {
	derived := pbkdf2.Key([]byte(password), salt[:], int(iterations), 32, sha256.New)
	var out [32]byte
	copy(out[:], derived)
	return out
}

// wrapMasterKey and unwrapMasterKey implement the §4.4 master-key wrap:
// AES-256-ECB applied independently to the master key's two 16-byte
// halves under the user key, matching spec's wire format exactly (ECB
// is two independent block-cipher operations, which is all two blocks
// need).
func wrapMasterKey(userKey, masterKey [32]byte) ([32]byte, error) {
	block, err := aes.NewCipher(userKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("aes key wrap: %w", err)
	}
	var out [32]byte
	block.Encrypt(out[0:16], masterKey[0:16])
	block.Encrypt(out[16:32], masterKey[16:32])
	return out, nil
}

func unwrapMasterKey(userKey, wrapped [32]byte) ([32]byte, error) {
	block, err := aes.NewCipher(userKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("aes key unwrap: %w", err)
	}
	var out [32]byte
	block.Decrypt(out[0:16], wrapped[0:16])
	block.Decrypt(out[16:32], wrapped[16:32])
	return out, nil
}

// generateMasterKey and generateSalt supply the random material Format
// needs to seed a newly encrypted image (§4.10).
func generateMasterKey() ([32]byte, error) {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generate master key: %w", err)
	}
	return k, nil
}

func generateSalt() ([32]byte, error) {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("generate salt: %w", err)
	}
	return s, nil
}

// unlock derives the user key from password, unwraps the master key, and
// stores the plaintext master key only in memory (§4.4). Calling unlock
// twice with the correct password is idempotent: the status is left
// unchanged and the key is simply re-derived.
func (km *keyManager) unlock(password string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if !km.enabled {
		return nil
	}
	userKey := deriveUserKey(password, km.salt, km.iterations)
	master, err := unwrapMasterKey(userKey, km.wrapped)
	if err != nil {
		return err
	}
	km.masterKey = master
	km.unlocked = true
	return nil
}

// lock zeros the in-memory master key and clears the unlocked flag.
func (km *keyManager) lock() {
	km.mu.Lock()
	defer km.mu.Unlock()
	for i := range km.masterKey {
		km.masterKey[i] = 0
	}
	km.unlocked = false
}

// key returns the in-memory master key, re-reading the unlocked flag
// under the same mutex that publishes it (§5 ordering guarantee #3).
func (km *keyManager) key() ([32]byte, bool) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if !km.enabled {
		return [32]byte{}, true
	}
	if !km.unlocked {
		return [32]byte{}, false
	}
	return km.masterKey, true
}

func (km *keyManager) status() EncryptionStatus {
	km.mu.Lock()
	defer km.mu.Unlock()
	return EncryptionStatus{
		Enabled:   km.enabled,
		Algorithm: km.algorithm,
		Unlocked:  km.unlocked,
	}
}
