package ledger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
)

func TestCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	k, err := ledger.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, ledger.SaveCredential(path, k))

	loaded, err := ledger.LoadCredential(path)
	require.NoError(t, err)
	assert.Equal(t, k.Address(), loaded.Address())

	other := ledger.KeyFromSeed("other")
	bad := `{"address":"` + other.Address() + `","privateKey":"` + k.Hex() + `"}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0600))
	_, err = ledger.LoadCredential(path)
	assert.Error(t, err)
}
