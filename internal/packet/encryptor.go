package packet

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "meshcore-packet-encryptor-v1"

// Encryptor applies or removes in-place payload protection on a ZCPacket.
// Implementations must tolerate concurrent calls from multiple goroutines,
// since the same Encryptor instance is shared by every Peer Connection.
type Encryptor interface {
	// Encrypt replaces p's payload with its encrypted form and sets
	// FlagEncrypted on the header. p must have been obtained via
	// CloneForMutation.
	Encrypt(p *ZCPacket) error
	// Decrypt reverses Encrypt. It is a no-op, returning nil, if
	// FlagEncrypted is not set.
	Decrypt(p *ZCPacket) error
}

// NullEncryptor leaves packets untouched; it is selected when the mesh
// runs without encryption.
type NullEncryptor struct{}

// Encrypt implements Encryptor by doing nothing.
func (NullEncryptor) Encrypt(*ZCPacket) error { return nil }

// Decrypt implements Encryptor by doing nothing.
func (NullEncryptor) Decrypt(*ZCPacket) error { return nil }

// ChaChaEncryptor implements Encryptor with ChaCha20-Poly1305 AEAD, keyed
// from a 128-bit pre-shared network secret stretched to a full key via
// HKDF-SHA256. A monotonic counter seeds the nonce so the same packet
// encrypted twice never reuses a nonce under the same key.
type ChaChaEncryptor struct {
	key     [chacha20poly1305.KeySize]byte
	counter atomic.Uint64
}

// NewChaChaEncryptor derives session key material from a 128-bit secret.
func NewChaChaEncryptor(secret [16]byte) (*ChaChaEncryptor, error) {
	reader := hkdf.New(sha256.New, secret[:], nil, []byte(hkdfInfo))
	e := &ChaChaEncryptor{}
	if _, err := io.ReadFull(reader, e.key[:]); err != nil {
		return nil, fmt.Errorf("derive packet encryption key: %w", err)
	}
	return e, nil
}

func (e *ChaChaEncryptor) nonce() [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := rand.Read(nonce[:4]); err != nil {
		panic(fmt.Sprintf("packet encryptor: read random nonce prefix: %v", err))
	}
	n := e.counter.Add(1)
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(n >> (8 * i))
	}
	return nonce
}

// Encrypt seals p's payload in place and sets FlagEncrypted.
func (e *ChaChaEncryptor) Encrypt(p *ZCPacket) error {
	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	header, err := p.Header()
	if err != nil {
		return err
	}

	nonce := e.nonce()
	sealed := aead.Seal(nil, nonce[:], p.Payload(), nil)

	out := make([]byte, chacha20poly1305.NonceSize+len(sealed))
	copy(out, nonce[:])
	copy(out[chacha20poly1305.NonceSize:], sealed)
	p.SetPayload(out)

	header.Flags |= FlagEncrypted
	return p.SetHeader(header)
}

// Decrypt opens p's payload in place and clears FlagEncrypted. Returns nil
// without modifying p if FlagEncrypted was not set.
func (e *ChaChaEncryptor) Decrypt(p *ZCPacket) error {
	header, err := p.Header()
	if err != nil {
		return err
	}
	if !header.HasFlag(FlagEncrypted) {
		return nil
	}

	payload := p.Payload()
	if len(payload) < chacha20poly1305.NonceSize {
		return fmt.Errorf("encrypted payload shorter than nonce")
	}

	aead, err := chacha20poly1305.New(e.key[:])
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	nonce := payload[:chacha20poly1305.NonceSize]
	opened, err := aead.Open(nil, nonce, payload[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return fmt.Errorf("decrypt packet: %w", err)
	}

	p.SetPayload(opened)
	header.Flags &^= FlagEncrypted
	return p.SetHeader(header)
}
