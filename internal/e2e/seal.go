package e2e

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const envelopeVersion = 1

var (
	// ErrNotForUs means the envelope has no content key for our key.
	ErrNotForUs = errors.New("e2e: not encrypted for this key")
	// ErrMalformed means the envelope could not be parsed.
	ErrMalformed = errors.New("e2e: malformed envelope")
	// ErrDecrypt means authentication of the key or body failed.
	ErrDecrypt = errors.New("e2e: decryption failed")
)

type envelope struct {
	Version    int               `json:"v"`
	Sender     []byte            `json:"sender"`
	Keys       map[string][]byte `json:"keys"`
	Nonce      []byte            `json:"nonce"`
	Ciphertext []byte            `json:"ct"`
}

// Seal encrypts plaintext for recipients. The sender's own key is always
// added so the sender can read its sent copies.
func Seal(plaintext []byte, sender *KeyPair, recipients [][]byte) ([]byte, error) {
	var contentKey [chacha20poly1305.KeySize]byte
	if _, err := rand.Read(contentKey[:]); err != nil {
		return nil, err
	}
	env := envelope{
		Version: envelopeVersion,
		Sender:  append([]byte(nil), sender.Public[:]...),
		Keys:    make(map[string][]byte, len(recipients)+1),
	}

	for _, r := range append([][]byte{sender.Public[:]}, recipients...) {
		if len(r) != KeySize {
			return nil, fmt.Errorf("seal: recipient key length %d", len(r))
		}
		fp := Fingerprint(r)
		if _, ok := env.Keys[fp]; ok {
			continue
		}
		var peer [KeySize]byte
		copy(peer[:], r)
		var nonce [24]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, err
		}
		env.Keys[fp] = box.Seal(nonce[:], contentKey[:], &nonce, &peer, &sender.Private)
	}

	aead, err := chacha20poly1305.NewX(contentKey[:])
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, env.Sender)
	return json.Marshal(env)
}

// Open decrypts an envelope addressed to self and returns the plaintext and
// the sender's public key. The sender key is authenticated: only its holder
// could have wrapped the content key.
func Open(sealed []byte, self *KeyPair) ([]byte, []byte, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != envelopeVersion || len(env.Sender) != KeySize {
		return nil, nil, ErrMalformed
	}
	wrapped, ok := env.Keys[self.Fingerprint()]
	if !ok {
		return nil, nil, ErrNotForUs
	}
	if len(wrapped) < 24 {
		return nil, nil, ErrMalformed
	}
	var nonce [24]byte
	copy(nonce[:], wrapped[:24])
	var senderPub [KeySize]byte
	copy(senderPub[:], env.Sender)

	contentKey, ok := box.Open(nil, wrapped[24:], &nonce, &senderPub, &self.Private)
	if !ok {
		return nil, nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, nil, ErrDecrypt
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, nil, ErrMalformed
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.Sender)
	if err != nil {
		return nil, nil, ErrDecrypt
	}
	return plaintext, env.Sender, nil
}

// Recipients lists the fingerprints an envelope was sealed for.
func Recipients(sealed []byte) ([]string, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fps := make([]string, 0, len(env.Keys))
	for fp := range env.Keys {
		fps = append(fps, fp)
	}
	return fps, nil
}
