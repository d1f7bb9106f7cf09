// Package walletenc implements WalletVault (C12): transparent envelope
// decryption of wallets.json and Bitcoin address derivation for each wallet
// entry. Actual PSBT signing is an external collaborator (§4.12); this
// package only proves ownership via address derivation and exposes an
// opaque signing-key handle.
package walletenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	keyLenBytes      = 32
)

// KeyHandle wraps a private key so it is never accidentally serialized or
// logged: it has no exported fields and no String()/MarshalJSON method that
// would expose key material.
type KeyHandle struct {
	priv *btcec.PrivateKey
}

// PublicKey exposes the handle's public key, needed for address derivation
// and for building PSBT inputs in the external signer.
func (h KeyHandle) PublicKey() *btcec.PublicKey {
	return h.priv.PubKey()
}

// WalletEntry is one decrypted wallet, with addresses already derived.
type WalletEntry struct {
	Label          string
	PaymentAddress string // segwit v0 (P2WPKH)
	ReceiveAddress string // taproot (P2TR)
	Key            KeyHandle
}

// rawWallet is the plaintext wallets.json shape (§6): one WIF private key
// per entry, optionally grouped.
type rawWallet struct {
	Label string `json:"label"`
	WIF   string `json:"wif"`
	Group string `json:"group,omitempty"`
}

type rawWalletFile struct {
	Wallets []rawWallet `json:"wallets"`
}

// Decrypt turns an encrypted envelope into the plaintext wallets.json bytes
// using PBKDF2-SHA256 (100 000 iterations, 32-byte key) + AES-256-GCM (§3.1).
func Decrypt(env bidbot.WalletFileEnvelope, passphrase string) ([]byte, error) {
	key := pbkdf2.Key([]byte(passphrase), env.Salt, pbkdf2Iterations, keyLenBytes, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("walletenc: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(env.IV))
	if err != nil {
		return nil, fmt.Errorf("walletenc: new gcm: %w", err)
	}

	ciphertext := append(append([]byte{}, env.Encrypted...), env.AuthTag...)
	plaintext, err := gcm.Open(nil, env.IV, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("walletenc: decrypt: %w", err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext into a WalletFileEnvelope, the dual of Decrypt.
// Operators use this once, offline, to produce an encrypted wallets.json;
// the running bot only ever calls Decrypt.
func Encrypt(plaintext []byte, passphrase string) (bidbot.WalletFileEnvelope, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return bidbot.WalletFileEnvelope{}, fmt.Errorf("walletenc: generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLenBytes, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return bidbot.WalletFileEnvelope{}, fmt.Errorf("walletenc: new cipher: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return bidbot.WalletFileEnvelope{}, fmt.Errorf("walletenc: generate iv: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return bidbot.WalletFileEnvelope{}, fmt.Errorf("walletenc: new gcm: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	return bidbot.WalletFileEnvelope{
		Salt:      salt,
		IV:        iv,
		AuthTag:   sealed[tagStart:],
		Encrypted: sealed[:tagStart],
	}, nil
}

// Load parses plaintext wallets.json bytes (already decrypted by Decrypt, if
// the source file was an envelope) into WalletEntry values with derived
// addresses.
func Load(plaintext []byte, params *chaincfg.Params) ([]WalletEntry, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	var file rawWalletFile
	if err := json.Unmarshal(plaintext, &file); err != nil {
		return nil, fmt.Errorf("walletenc: unmarshal wallets file: %w", err)
	}

	out := make([]WalletEntry, 0, len(file.Wallets))
	for _, w := range file.Wallets {
		priv, pub, err := decodeWIF(w.WIF, params)
		if err != nil {
			return nil, fmt.Errorf("walletenc: wallet %q: %w", w.Label, err)
		}

		payment, err := derivePaymentAddress(pub, params)
		if err != nil {
			return nil, fmt.Errorf("walletenc: wallet %q: derive payment address: %w", w.Label, err)
		}
		receive, err := deriveReceiveAddress(pub, params)
		if err != nil {
			return nil, fmt.Errorf("walletenc: wallet %q: derive receive address: %w", w.Label, err)
		}

		out = append(out, WalletEntry{
			Label:          w.Label,
			PaymentAddress: payment,
			ReceiveAddress: receive,
			Key:            KeyHandle{priv: priv},
		})
	}
	return out, nil
}

func decodeWIF(wif string, params *chaincfg.Params) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	w, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, nil, fmt.Errorf("decode WIF: %w", err)
	}
	if !w.IsForNet(params) {
		return nil, nil, fmt.Errorf("WIF key is not valid for the configured network")
	}
	priv, pub := btcec.PrivKeyFromBytes(w.PrivKey.Serialize())
	return priv, pub, nil
}

// derivePaymentAddress derives a segwit v0 (P2WPKH) address from pub (§4.12).
func derivePaymentAddress(pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// deriveReceiveAddress derives a taproot (P2TR) address from pub, assuming no
// script-path spending (key-path only), per §4.12.
func deriveReceiveAddress(pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	outputKey := txscript.ComputeTaprootKeyNoScript(pub)
	addr, err := btcutil.NewAddressTaproot(outputKey.SerializeCompressed()[1:], params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
