package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKey_TwoPartiesAgree(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	k1, err := DeriveSessionKey(alice, bob.PublicKey(), "conv-1")
	require.NoError(t, err)
	k2, err := DeriveSessionKey(bob, alice.PublicKey(), "conv-1")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, sessionKeySize)
}

func TestDeriveSessionKey_BoundToConversation(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	k1, err := DeriveSessionKey(alice, bob.PublicKey(), "conv-1")
	require.NoError(t, err)
	k2, err := DeriveSessionKey(alice, bob.PublicKey(), "conv-2")
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	key, err := DeriveSessionKey(alice, bob.PublicKey(), "conv-1")
	require.NoError(t, err)

	ct, nonce, err := Encrypt(key, []byte("секретное сообщение"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("секретное сообщение"), ct)

	pt, err := Decrypt(key, ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, "секретное сообщение", string(pt))
}

func TestDecrypt_WrongKeyFailsCleanly(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	mallory, _ := GenerateKeyPair()

	good, _ := DeriveSessionKey(alice, bob.PublicKey(), "conv-1")
	bad, _ := DeriveSessionKey(mallory, bob.PublicKey(), "conv-1")

	ct, nonce, err := Encrypt(good, []byte("hi"))
	require.NoError(t, err)

	_, err = Decrypt(bad, ct, nonce)
	assert.Error(t, err)
}

func TestDecrypt_InvalidInputs(t *testing.T) {
	key := make([]byte, sessionKeySize)

	_, err := Decrypt(key, nil, make([]byte, 12))
	assert.Error(t, err)

	_, err = Decrypt(key, []byte("ct"), []byte("short"))
	assert.Error(t, err)

	_, err = Decrypt(make([]byte, 5), []byte("ct"), make([]byte, 12))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestParsePublicKey_RejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey("not base64 !!!")
	assert.Error(t, err)

	_, err = ParsePublicKey("c2hvcnQ=") // valid base64, wrong length
	assert.Error(t, err)
}

func TestEncryptFile_FreshKeyPerFile(t *testing.T) {
	f1, err := EncryptFile([]byte("attachment"), "image/png")
	require.NoError(t, err)
	f2, err := EncryptFile([]byte("attachment"), "image/png")
	require.NoError(t, err)

	assert.NotEqual(t, f1.FileKey, f2.FileKey)
	assert.Equal(t, int64(len("attachment")), f1.Size)

	pt, err := Decrypt(f1.FileKey, f1.Blob, f1.Nonce)
	require.NoError(t, err)
	assert.Equal(t, "attachment", string(pt))
}

// --- Service ---

func TestService_InitIsIdempotent(t *testing.T) {
	s := NewService()
	assert.False(t, s.IsInitialized())

	require.NoError(t, s.Init())
	pub1, err := s.PublicKey()
	require.NoError(t, err)

	require.NoError(t, s.Init())
	pub2, err := s.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)
}

func TestService_EndToEndMessageExchange(t *testing.T) {
	alice := NewService()
	bob := NewService()
	require.NoError(t, alice.Init())
	require.NoError(t, bob.Init())

	alicePub, err := alice.PublicKey()
	require.NoError(t, err)
	bobPub, err := bob.PublicKey()
	require.NoError(t, err)

	require.NoError(t, alice.EstablishSession("conv-1", bobPub))
	require.NoError(t, bob.EstablishSession("conv-1", alicePub))
	assert.True(t, alice.HasSession("conv-1"))

	ct, nonce, err := alice.EncryptMessage("conv-1", "hello bob")
	require.NoError(t, err)

	pt, err := bob.DecryptMessage("conv-1", ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", pt)
}

func TestService_NoSessionErrors(t *testing.T) {
	s := NewService()
	require.NoError(t, s.Init())

	_, _, err := s.EncryptMessage("conv-x", "hi")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = s.DecryptMessage("conv-x", "Y3Q=", "bm9uY2U=")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestService_ResetDropsKeys(t *testing.T) {
	alice := NewService()
	bob := NewService()
	require.NoError(t, alice.Init())
	require.NoError(t, bob.Init())
	bobPub, _ := bob.PublicKey()
	require.NoError(t, alice.EstablishSession("conv-1", bobPub))

	alice.Reset()

	assert.False(t, alice.IsInitialized())
	assert.False(t, alice.HasSession("conv-1"))
	_, err := alice.PublicKey()
	assert.ErrorIs(t, err, ErrNoKey)
}
