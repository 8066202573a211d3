package migration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/internal/secretstore"
)

func TestConnectionStringSourceResolvesInPriorityOrder(t *testing.T) {
	cfg := map[string]string{
		"migration.sql": "postgres://localhost/db",
	}
	src := &ConnectionStringSource{
		Sections: []string{"migration.azure", "migration.sql"},
		Lookup: func(section string) (string, bool) {
			v, ok := cfg[section]
			return v, ok
		},
	}

	got, err := src.Resolve()
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/db", got)
}

func TestConnectionStringSourceDecryptsEncryptedValues(t *testing.T) {
	secrets := secretstore.DeriveFromReplicaID("P_1/R_1")
	ciphertext, err := secrets.Encrypt([]byte("postgres://localhost/db"))
	require.NoError(t, err)

	cfg := map[string]string{
		"migration.sql": "enc:" + string(ciphertext),
	}
	src := &ConnectionStringSource{
		Sections: []string{"migration.sql"},
		Lookup: func(section string) (string, bool) {
			v, ok := cfg[section]
			return v, ok
		},
		Secrets: secrets,
	}

	got, err := src.Resolve()
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/db", got)
}

func TestConnectionStringSourceFailsWhenNothingConfigured(t *testing.T) {
	src := &ConnectionStringSource{
		Sections: []string{"migration.azure"},
		Lookup:   func(section string) (string, bool) { return "", false },
	}
	_, err := src.Resolve()
	require.Error(t, err)
}
