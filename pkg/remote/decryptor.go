package remote

import (
	"fmt"

	"github.com/haven-hvn/vidcache/internal/core"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	xchachaKeySize   = 32
	xchachaNonceSize = 24
	xchachaSaltSize  = 16
)

// PassphraseDecryptor is the reference Decryptor: it derives a per-entity
// XChaCha20-Poly1305 key from a shared passphrase and the entity's own
// EncryptionMetadata (used as the Argon2id salt), then opens the
// ciphertext produced by a matching encrypter. This is a reference
// implementation for tests and the CLI's demo mode — production
// deployments plug in their own Decryptor over whatever key-management
// scheme the content provider uses.
type PassphraseDecryptor struct {
	passphrase []byte
}

func NewPassphraseDecryptor(passphrase string) *PassphraseDecryptor {
	return &PassphraseDecryptor{passphrase: []byte(passphrase)}
}

func (d *PassphraseDecryptor) Decrypt(entity core.WireEntity, ciphertext []byte) ([]byte, error) {
	if !entity.Encrypted {
		return ciphertext, nil
	}
	if len(entity.EncryptionMetadata) < xchachaSaltSize {
		return nil, fmt.Errorf("remote: encryption metadata too short for entity %s", entity.ID)
	}
	salt := entity.EncryptionMetadata[:xchachaSaltSize]
	key := argon2.IDKey(d.passphrase, salt, 3, 64*1024, 2, xchachaKeySize)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("remote: build aead: %w", err)
	}
	if len(ciphertext) < xchachaNonceSize {
		return nil, fmt.Errorf("remote: ciphertext too short for entity %s", entity.ID)
	}
	nonce, sealed := ciphertext[:xchachaNonceSize], ciphertext[xchachaNonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(entity.ID))
	if err != nil {
		return nil, fmt.Errorf("remote: decrypt failed for entity %s: %w", entity.ID, err)
	}
	return plaintext, nil
}
