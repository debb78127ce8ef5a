// Package signer holds wallet key material and produces signatures for hub
// requests. Key derivation follows mnemonic -> seed -> HKDF -> ed25519; the
// mnemonic rests encrypted under the wallet password in the state container.
// Locking drops the derived keys from memory and flips the persisted session
// state that the lock observer watches.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/lockwatch"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/securestore"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	keystoreKey     = "wallet/keystore"
	hkdfInfoSigning = "vynos/signing/v1"
)

var (
	ErrLocked          = errors.New("wallet is locked")
	ErrNoKeystore      = errors.New("wallet is not initialized")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrBadPassword     = errors.New("invalid password")
)

type keystore struct {
	Version  int    `json:"version"`
	Mnemonic []byte `json:"mnemonic"` // securestore envelope
}

type Signer struct {
	store  *statestore.Store
	logger *slog.Logger

	mu      sync.Mutex
	priv    ed25519.PrivateKey
	address string
}

func New(store *statestore.Store, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{store: store, logger: logger}
}

// Generate creates a fresh wallet and leaves it unlocked. The mnemonic is
// returned once for the user to back up and is never stored in clear.
func (s *Signer) Generate(password string) (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	if err := s.Initialize(mnemonic, password); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// Initialize imports a mnemonic, seals it under the password and unlocks.
func (s *Signer) Initialize(mnemonic, password string) error {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	if strings.TrimSpace(password) == "" {
		return ErrBadPassword
	}
	sealed, err := securestore.Seal(password, []byte(mnemonic))
	if err != nil {
		return err
	}
	if err := s.store.Put(keystoreKey, keystore{Version: 1, Mnemonic: sealed}); err != nil {
		return err
	}
	return s.unlockMnemonic(mnemonic)
}

// Unlock decrypts the stored mnemonic and brings key material back into
// memory, rotating the session auth token.
func (s *Signer) Unlock(password string) error {
	var ks keystore
	ok, err := s.store.Get(keystoreKey, &ks)
	if err != nil {
		return err
	}
	if !ok || ks.Version != 1 {
		return ErrNoKeystore
	}
	mnemonic, err := securestore.Open(password, ks.Mnemonic)
	if err != nil {
		if errors.Is(err, securestore.ErrAuthFailed) {
			return ErrBadPassword
		}
		return err
	}
	return s.unlockMnemonic(string(mnemonic))
}

// Lock drops key material and records the locked session state.
func (s *Signer) Lock() error {
	s.mu.Lock()
	for i := range s.priv {
		s.priv[i] = 0
	}
	s.priv = nil
	address := s.address
	s.mu.Unlock()

	s.logger.Info("wallet locked", "address", address)
	return s.store.Put(lockwatch.SessionKey, models.SessionState{
		Unlocked:  false,
		Address:   address,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *Signer) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priv == nil
}

func (s *Signer) Address() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return "", ErrLocked
	}
	return s.address, nil
}

func (s *Signer) Sign(message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return nil, ErrLocked
	}
	return ed25519.Sign(s.priv, message), nil
}

func (s *Signer) unlockMnemonic(mnemonic string) error {
	seed := bip39.NewSeed(mnemonic, "")
	signingSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(hkdfInfoSigning)), signingSeed); err != nil {
		return err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	address := deriveAddress(priv.Public().(ed25519.PublicKey))

	token, err := newAuthToken()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.priv = priv
	s.address = address
	s.mu.Unlock()

	s.logger.Info("wallet unlocked", "address", address)
	return s.store.Put(lockwatch.SessionKey, models.SessionState{
		Unlocked:  true,
		AuthToken: token,
		Address:   address,
		UpdatedAt: time.Now().UTC(),
	})
}

func deriveAddress(pub ed25519.PublicKey) string {
	digest := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(digest[:20])
}

func newAuthToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ses_" + hex.EncodeToString(buf), nil
}
