package accounts

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccountsFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sampleAccounts = `
accounts:
  - name: user1
    token: '111111'
    reuse: false
    routes: ['127.0.0.1:8888']
    allowedIps: ['127.0.0.1', '172.16.0.0/16']
  - name: user2
    token: '222222'
    reuse: true
    routes: ['127.0.0.1:9999']
    allowedIps: ['0.0.0.0/0']
`

func TestAuthenticateTotality(t *testing.T) {
	path := writeAccountsFile(t, sampleAccounts)
	store, err := Load(path, zerolog.Nop())
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		route string
		ip    string
		want  bool
	}{
		{"matches", "111111", "127.0.0.1:8888", "127.0.0.1", true},
		{"cidr match", "111111", "127.0.0.1:8888", "172.16.5.9", true},
		{"unknown token", "no-such-token", "127.0.0.1:8888", "127.0.0.1", false},
		{"wrong route", "111111", "127.0.0.1:9999", "127.0.0.1", false},
		{"disallowed ip", "111111", "127.0.0.1:8888", "10.0.0.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acc := store.Authenticate(tc.token, tc.route, netip.MustParseAddr(tc.ip))
			assert.Equal(t, tc.want, acc != nil)
		})
	}
}

func TestLeaseExclusion(t *testing.T) {
	path := writeAccountsFile(t, sampleAccounts)
	store, err := Load(path, zerolog.Nop())
	require.NoError(t, err)

	acc := store.Authenticate("111111", "127.0.0.1:8888", netip.MustParseAddr("127.0.0.1"))
	require.NotNil(t, acc)

	assert.True(t, store.Lease(acc))
	assert.False(t, store.Lease(acc), "reuse=false must reject a second concurrent lease")
	assert.True(t, store.Release(acc))
	assert.True(t, store.Lease(acc), "lease should succeed again after release")
}

func TestLeaseReuseAllowsMultiple(t *testing.T) {
	path := writeAccountsFile(t, sampleAccounts)
	store, err := Load(path, zerolog.Nop())
	require.NoError(t, err)

	acc := store.Authenticate("222222", "127.0.0.1:9999", netip.MustParseAddr("8.8.8.8"))
	require.NotNil(t, acc)

	assert.True(t, store.Lease(acc))
	assert.True(t, store.Lease(acc))
	assert.True(t, store.Release(acc))
	assert.True(t, store.Release(acc))
	assert.False(t, store.Release(acc))
}

func TestReloadAtomicity(t *testing.T) {
	path := writeAccountsFile(t, sampleAccounts)
	store, err := Load(path, zerolog.Nop())
	require.NoError(t, err)

	acc := store.Authenticate("111111", "127.0.0.1:8888", netip.MustParseAddr("127.0.0.1"))
	require.NotNil(t, acc)
	require.True(t, store.Lease(acc))

	updated := sampleAccounts + `
  - name: user3
    token: '333333'
    reuse: false
    routes: ['127.0.0.1:7777']
    allowedIps: ['127.0.0.1']
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	store.Reload()

	assert.NotNil(t, store.Authenticate("333333", "127.0.0.1:7777", netip.MustParseAddr("127.0.0.1")))
	assert.True(t, store.Release(acc), "the lease from before reload must still be valid")
}

func TestReloadKeepsOldGenerationOnError(t *testing.T) {
	path := writeAccountsFile(t, sampleAccounts)
	store, err := Load(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o600))
	store.Reload()

	assert.NotNil(t, store.Authenticate("111111", "127.0.0.1:8888", netip.MustParseAddr("127.0.0.1")))
}

func TestLoadRejectsDuplicateTokens(t *testing.T) {
	path := writeAccountsFile(t, `
accounts:
  - name: a
    token: dup
    routes: ['127.0.0.1:1']
    allowedIps: ['127.0.0.1']
  - name: b
    token: dup
    routes: ['127.0.0.1:2']
    allowedIps: ['127.0.0.1']
`)
	_, err := Load(path, zerolog.Nop())
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestContainsRoute(t *testing.T) {
	path := writeAccountsFile(t, sampleAccounts)
	store, err := Load(path, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, store.ContainsRoute("127.0.0.1:8888"))
	assert.False(t, store.ContainsRoute("127.0.0.1:1234"))
}
