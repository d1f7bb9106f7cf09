package walletenc

import (
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWIF(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wif, err := btcutil.NewWIF((*btcec.PrivateKey)(priv), &chaincfg.MainNetParams, true)
	require.NoError(t, err)
	return wif.String()
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	plaintext, err := json.Marshal(rawWalletFile{Wallets: []rawWallet{{Label: "w0", WIF: testWIF(t)}}})
	require.NoError(t, err)

	env, err := Encrypt(plaintext, "correct horse battery staple")
	require.NoError(t, err)

	got, err := Decrypt(env, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_WrongPassphraseFails(t *testing.T) {
	plaintext := []byte(`{"wallets":[]}`)
	env, err := Encrypt(plaintext, "right-passphrase")
	require.NoError(t, err)

	_, err = Decrypt(env, "wrong-passphrase")
	assert.Error(t, err)
}

func TestLoad_DerivesDistinctAddresses(t *testing.T) {
	wif := testWIF(t)
	plaintext, err := json.Marshal(rawWalletFile{Wallets: []rawWallet{{Label: "main", WIF: wif}}})
	require.NoError(t, err)

	wallets, err := Load(plaintext, nil)
	require.NoError(t, err)
	require.Len(t, wallets, 1)

	w := wallets[0]
	assert.Equal(t, "main", w.Label)
	assert.NotEmpty(t, w.PaymentAddress)
	assert.NotEmpty(t, w.ReceiveAddress)
	assert.NotEqual(t, w.PaymentAddress, w.ReceiveAddress, "payment (segwit v0) and receive (taproot) addresses must differ")
}

func TestLoad_RejectsInvalidWIF(t *testing.T) {
	plaintext, err := json.Marshal(rawWalletFile{Wallets: []rawWallet{{Label: "bad", WIF: "not-a-wif"}}})
	require.NoError(t, err)

	_, err = Load(plaintext, nil)
	assert.Error(t, err)
}
