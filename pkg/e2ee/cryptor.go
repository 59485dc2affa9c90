package e2ee

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

type CryptorState int

const (
	CryptorStateNew CryptorState = iota
	CryptorStateOk
	CryptorStateEncryptionFailure
	CryptorStateDecryptionFailure
	CryptorStateMissingKey
	CryptorStateKeyRatcheted
	CryptorStateInternalError
)

func (s CryptorState) String() string {
	switch s {
	case CryptorStateNew:
		return "new"
	case CryptorStateOk:
		return "ok"
	case CryptorStateEncryptionFailure:
		return "encryption_failure"
	case CryptorStateDecryptionFailure:
		return "decryption_failure"
	case CryptorStateMissingKey:
		return "missing_key"
	case CryptorStateKeyRatcheted:
		return "key_ratcheted"
	case CryptorStateInternalError:
		return "internal_error"
	}
	return "unknown"
}

// CryptorObserver is notified on every cryptor state transition.
type CryptorObserver interface {
	OnCryptorStateChanged(identity, trackID string, state CryptorState)
}

var (
	ErrFrameTooShort    = errors.New("frame too short to carry encryption trailer")
	ErrDecryptionFailed = errors.New("frame decryption failed")
)

const ivLength = 12

// FrameCryptor encrypts or decrypts full media frames for one
// (participant identity, track) pair. Frames are laid out as
// [iv | ciphertext | ivLen(1) | keyIndex(1)]; frames ending with the SIF
// trailer are server-injected and bypass decryption.
type FrameCryptor struct {
	identity string
	trackID  string
	provider *KeyProvider

	keyIndex atomic.Int32
	enabled  atomic.Bool
	failures atomic.Int32

	stateMu  sync.Mutex
	state    CryptorState
	observer CryptorObserver
}

func NewFrameCryptor(identity, trackID string, provider *KeyProvider, observer CryptorObserver) *FrameCryptor {
	c := &FrameCryptor{
		identity: identity,
		trackID:  trackID,
		provider: provider,
		state:    CryptorStateNew,
		observer: observer,
	}
	c.enabled.Store(true)
	return c
}

func (c *FrameCryptor) Identity() string { return c.identity }
func (c *FrameCryptor) TrackID() string  { return c.trackID }

func (c *FrameCryptor) SetEnabled(enabled bool) { c.enabled.Store(enabled) }
func (c *FrameCryptor) Enabled() bool           { return c.enabled.Load() }

// SetKeyIndex selects the key used for subsequent encryption.
func (c *FrameCryptor) SetKeyIndex(index int32) { c.keyIndex.Store(index) }
func (c *FrameCryptor) KeyIndex() int32         { return c.keyIndex.Load() }

func (c *FrameCryptor) State() CryptorState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *FrameCryptor) setState(state CryptorState) {
	c.stateMu.Lock()
	changed := c.state != state
	c.state = state
	observer := c.observer
	c.stateMu.Unlock()
	if changed && observer != nil {
		observer.OnCryptorStateChanged(c.identity, c.trackID, state)
	}
}

func (c *FrameCryptor) gcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLength)
}

// EncryptFrame seals one frame with the current key index.
func (c *FrameCryptor) EncryptFrame(frame []byte) ([]byte, error) {
	if !c.enabled.Load() {
		return frame, nil
	}
	index := int(c.keyIndex.Load())
	key, ok := c.provider.Key(c.identity, index)
	if !ok {
		c.setState(CryptorStateMissingKey)
		return nil, fmt.Errorf("%w: identity %q index %d", ErrMissingKey, c.identity, index)
	}
	aead, err := c.gcm(key)
	if err != nil {
		c.setState(CryptorStateInternalError)
		return nil, err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		c.setState(CryptorStateInternalError)
		return nil, err
	}
	sealed := aead.Seal(nil, iv, frame, nil)

	out := make([]byte, 0, ivLength+len(sealed)+2)
	out = append(out, iv...)
	out = append(out, sealed...)
	out = append(out, byte(ivLength), byte(index))
	c.setState(CryptorStateOk)
	return out, nil
}

// DecryptFrame opens one frame. Server-injected frames (SIF trailer) pass
// through unmodified minus the trailer. On a stale key the cryptor ratchets
// forward up to the provider's window before giving up.
func (c *FrameCryptor) DecryptFrame(frame []byte) ([]byte, error) {
	if !c.enabled.Load() {
		return frame, nil
	}
	if trailer := c.provider.SifTrailer(); len(trailer) > 0 && bytes.HasSuffix(frame, trailer) {
		return frame[:len(frame)-len(trailer)], nil
	}
	if len(frame) < 2 {
		return nil, ErrFrameTooShort
	}
	index := int(frame[len(frame)-1])
	ivLen := int(frame[len(frame)-2])
	if ivLen != ivLength || len(frame) < ivLen+2 {
		return nil, ErrFrameTooShort
	}
	iv := frame[:ivLen]
	sealed := frame[ivLen : len(frame)-2]

	key, ok := c.provider.Key(c.identity, index)
	if !ok {
		c.setState(CryptorStateMissingKey)
		return nil, fmt.Errorf("%w: identity %q index %d", ErrMissingKey, c.identity, index)
	}

	if plain, err := c.open(key, iv, sealed); err == nil {
		c.failures.Store(0)
		c.setState(CryptorStateOk)
		return plain, nil
	}

	// the sender may have ratcheted ahead of us; probe forward without
	// touching the stored key until a candidate actually decrypts
	candidate := key
	for attempt := 0; attempt < c.provider.Options().RatchetWindowSize; attempt++ {
		candidate = c.provider.DeriveNextKey(candidate)
		if plain, err := c.open(candidate, iv, sealed); err == nil {
			if err := c.provider.CommitRatchetedKey(c.identity, index, candidate); err != nil {
				c.setState(CryptorStateInternalError)
				return nil, err
			}
			c.failures.Store(0)
			c.setState(CryptorStateKeyRatcheted)
			return plain, nil
		}
	}

	if int(c.failures.Inc()) > c.provider.Options().FailureTolerance {
		c.setState(CryptorStateDecryptionFailure)
	}
	return nil, ErrDecryptionFailed
}

func (c *FrameCryptor) open(key, iv, sealed []byte) ([]byte, error) {
	aead, err := c.gcm(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, iv, sealed, nil)
}
