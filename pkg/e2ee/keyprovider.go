package e2ee

import (
	"crypto/sha256"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultKeyRingSize bounds the key index space per participant.
	DefaultKeyRingSize = 16
	// DefaultRatchetWindowSize caps forward-ratchet attempts on a failed
	// decryption before the frame counts as a decryption failure.
	DefaultRatchetWindowSize = 8
	// DefaultFailureTolerance is the number of consecutive decryption
	// failures tolerated before the cryptor flags the track.
	DefaultFailureTolerance = 10

	derivedKeyLength  = 32
	ratchetIterations = 256
)

var (
	ErrKeyIndexOutOfRange = errors.New("key index out of range")
	ErrMissingKey         = errors.New("no key for participant and index")
)

type KeyProviderOptions struct {
	// SharedKey binds the entire room to one ratcheting key instead of
	// per-participant material.
	SharedKey         bool
	RatchetSalt       []byte
	RatchetWindowSize int
	FailureTolerance  int
	KeyRingSize       int
}

func DefaultKeyProviderOptions() KeyProviderOptions {
	return KeyProviderOptions{
		RatchetSalt:       []byte("LKFrameEncryptionKey"),
		RatchetWindowSize: DefaultRatchetWindowSize,
		FailureTolerance:  DefaultFailureTolerance,
		KeyRingSize:       DefaultKeyRingSize,
	}
}

// the shared-key bucket lives under the empty identity
const sharedKeyIdentity = ""

type keySnapshot struct {
	keys map[string][][]byte
}

func (s *keySnapshot) clone() *keySnapshot {
	next := &keySnapshot{keys: make(map[string][][]byte, len(s.keys))}
	for identity, ring := range s.keys {
		cloned := make([][]byte, len(ring))
		copy(cloned, ring)
		next.keys[identity] = cloned
	}
	return next
}

// KeyProvider maps (participant identity, key index) to key material. Reads
// are lock-free against an immutable snapshot; writes swap the snapshot
// atomically, so cryptors on media threads never block a key update.
type KeyProvider struct {
	options KeyProviderOptions

	mu         sync.Mutex // serializes writers
	snapshot   atomic.Pointer[keySnapshot]
	sifTrailer atomic.Pointer[[]byte]
}

func NewKeyProvider(options KeyProviderOptions) *KeyProvider {
	if options.KeyRingSize <= 0 || options.KeyRingSize > 255 {
		options.KeyRingSize = DefaultKeyRingSize
	}
	if options.RatchetWindowSize <= 0 {
		options.RatchetWindowSize = DefaultRatchetWindowSize
	}
	p := &KeyProvider{
		options: options,
	}
	p.snapshot.Store(&keySnapshot{keys: map[string][][]byte{}})
	return p
}

// NewSharedKeyProvider is the convenience constructor for rooms that share
// one passphrase-derived key.
func NewSharedKeyProvider(passphrase string) *KeyProvider {
	options := DefaultKeyProviderOptions()
	options.SharedKey = true
	p := NewKeyProvider(options)
	p.SetSharedKey(0, pbkdf2.Key([]byte(passphrase), options.RatchetSalt, ratchetIterations, derivedKeyLength, sha256.New))
	return p
}

func (p *KeyProvider) Options() KeyProviderOptions { return p.options }

func (p *KeyProvider) SetSharedKey(index int, key []byte) error {
	return p.SetKey(sharedKeyIdentity, index, key)
}

func (p *KeyProvider) SetKey(identity string, index int, key []byte) error {
	if index < 0 || index >= p.options.KeyRingSize {
		return ErrKeyIndexOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.snapshot.Load().clone()
	ring := next.keys[identity]
	if len(ring) < p.options.KeyRingSize {
		grown := make([][]byte, p.options.KeyRingSize)
		copy(grown, ring)
		ring = grown
	}
	ring[index] = key
	next.keys[identity] = ring
	p.snapshot.Store(next)
	return nil
}

func (p *KeyProvider) Key(identity string, index int) ([]byte, bool) {
	if index < 0 || index >= p.options.KeyRingSize {
		return nil, false
	}
	snap := p.snapshot.Load()
	if ring, ok := snap.keys[identity]; ok && index < len(ring) && ring[index] != nil {
		return ring[index], true
	}
	if p.options.SharedKey && identity != sharedKeyIdentity {
		if ring, ok := snap.keys[sharedKeyIdentity]; ok && index < len(ring) && ring[index] != nil {
			return ring[index], true
		}
	}
	return nil, false
}

// DeriveNextKey computes the successor of a key in its ratchet chain
// without storing anything.
func (p *KeyProvider) DeriveNextKey(key []byte) []byte {
	return pbkdf2.Key(key, p.options.RatchetSalt, ratchetIterations, derivedKeyLength, sha256.New)
}

// RatchetKey derives the next key in the chain for (identity, index),
// stores it and returns it.
func (p *KeyProvider) RatchetKey(identity string, index int) ([]byte, error) {
	key, ok := p.Key(identity, index)
	if !ok {
		return nil, ErrMissingKey
	}
	next := p.DeriveNextKey(key)
	if err := p.CommitRatchetedKey(identity, index, next); err != nil {
		return nil, err
	}
	return next, nil
}

// CommitRatchetedKey stores a key a cryptor confirmed by decrypting with it.
func (p *KeyProvider) CommitRatchetedKey(identity string, index int, key []byte) error {
	target := identity
	if p.options.SharedKey {
		target = sharedKeyIdentity
	}
	return p.SetKey(target, index, key)
}

// SetSifTrailer stores the byte sequence marking server-injected frames.
// Taken from JoinResponse.
func (p *KeyProvider) SetSifTrailer(trailer []byte) {
	cloned := make([]byte, len(trailer))
	copy(cloned, trailer)
	p.sifTrailer.Store(&cloned)
}

func (p *KeyProvider) SifTrailer() []byte {
	if t := p.sifTrailer.Load(); t != nil {
		return *t
	}
	return nil
}
