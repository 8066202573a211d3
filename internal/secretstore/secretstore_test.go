package secretstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := DeriveFromReplicaID("P_1/R_2")

	ciphertext, err := s.Encrypt([]byte("super-secret-connection-string"))
	require.NoError(t, err)

	plaintext, err := s.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "super-secret-connection-string", string(plaintext))
}

func TestDecryptConnectionStringPassesThroughPlainValues(t *testing.T) {
	s := DeriveFromReplicaID("P_1/R_2")

	got, err := s.DecryptConnectionString("postgres://localhost/db")
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/db", got)
}

func TestDecryptConnectionStringDecryptsEncryptedValues(t *testing.T) {
	s := DeriveFromReplicaID("P_1/R_2")

	ciphertext, err := s.Encrypt([]byte("postgres://localhost/db"))
	require.NoError(t, err)

	got, err := s.DecryptConnectionString("enc:" + string(ciphertext))
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/db", got)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	require.Error(t, err)
}
