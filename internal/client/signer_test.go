package client

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSigner struct {
	calls []common.Address
}

func (r *recordingSigner) Sign(_ context.Context, address common.Address, _ []byte) ([]byte, error) {
	r.calls = append(r.calls, address)
	return []byte{1}, nil
}

func TestKeySignerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	s, err := NewKeySigner(nil, "0x"+hexKey)
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	data := []byte(`{"n":1,"u":"0x01","v":[{"d":1,"i":"a"}]}`)
	sig, err := s.Sign(context.Background(), addr, data)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	assert.Contains(t, []byte{27, 28}, sig[crypto.RecoveryIDOffset])

	got, err := RecoverSigner(data, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	other, err := RecoverSigner([]byte("tampered"), sig)
	if err == nil {
		assert.NotEqual(t, addr, other)
	}
}

func TestKeySignerFallback(t *testing.T) {
	fallback := &recordingSigner{}
	s, err := NewKeySigner(fallback)
	require.NoError(t, err)

	unknown := common.HexToAddress("0x0000000000000000000000000000000000000042")
	_, err = s.Sign(context.Background(), unknown, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []common.Address{unknown}, fallback.calls)

	_, err = NewKeySigner(nil, "not-a-key")
	assert.Error(t, err)

	bare, err := NewKeySigner(nil)
	require.NoError(t, err)
	_, err = bare.Sign(context.Background(), unknown, []byte("x"))
	assert.Error(t, err)
}

func TestRecoverSignerRejectsShortSignature(t *testing.T) {
	_, err := RecoverSigner([]byte("x"), []byte{1, 2, 3})
	assert.Error(t, err)
}
