package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clockAt(t *testing.T, start time.Time) (func() time.Time, func(time.Duration)) {
	t.Helper()
	var nanos atomic.Int64
	nanos.Store(start.UnixNano())
	now := func() time.Time { return time.Unix(0, nanos.Load()) }
	advance := func(d time.Duration) { nanos.Add(int64(d)) }
	return now, advance
}

func TestPairingClaimCycle(t *testing.T) {
	now, _ := clockAt(t, time.Now())
	path := filepath.Join(t.TempDir(), "pairing.json")
	s, err := New(path, now)
	require.NoError(t, err)

	code, _, err := s.StartPairing(RoleOperator)
	require.NoError(t, err)

	rec, err := s.Claim(code)
	require.NoError(t, err)
	require.Equal(t, RoleOperator, rec.Role)
	require.True(t, rec.Enabled)

	role, err := s.Validate(rec.Token)
	require.NoError(t, err)
	require.Equal(t, RoleOperator, role)

	require.FileExists(t, path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestPairingExpiryRejects(t *testing.T) {
	now, advance := clockAt(t, time.Now())
	s, err := New(filepath.Join(t.TempDir(), "pairing.json"), now)
	require.NoError(t, err)

	code, _, err := s.StartPairing(RoleViewer)
	require.NoError(t, err)

	advance(codeTTL + time.Second)

	_, err = s.Claim(code)
	require.ErrorIs(t, err, ErrCodeExpired)

	_, err = s.Claim(code)
	require.ErrorIs(t, err, ErrNoPendingCode, "an expired code is not put back")
}

func TestWrongCodePutsBackPending(t *testing.T) {
	now, _ := clockAt(t, time.Now())
	s, err := New(filepath.Join(t.TempDir(), "pairing.json"), now)
	require.NoError(t, err)

	code, _, err := s.StartPairing(RoleViewer)
	require.NoError(t, err)

	_, err = s.Claim("000000")
	require.ErrorIs(t, err, ErrWrongCode)

	rec, err := s.Claim(code)
	require.NoError(t, err, "a mistyped claim must not burn the legitimate pending code")
	require.Equal(t, RoleViewer, rec.Role)
}

func TestAdminRequestSilentlyDowngradedToEngineer(t *testing.T) {
	now, _ := clockAt(t, time.Now())
	s, err := New(filepath.Join(t.TempDir(), "pairing.json"), now)
	require.NoError(t, err)

	code, _, err := s.StartPairing(RoleAdmin)
	require.NoError(t, err)

	rec, err := s.Claim(code)
	require.NoError(t, err)
	require.Equal(t, RoleEngineer, rec.Role)
}

func TestPairingTokenExpiryDisablesOldToken(t *testing.T) {
	now, advance := clockAt(t, time.Now())
	s, err := New(filepath.Join(t.TempDir(), "pairing.json"), now)
	require.NoError(t, err)

	code, _, err := s.StartPairing(RoleOperator)
	require.NoError(t, err)
	rec, err := s.Claim(code)
	require.NoError(t, err)

	advance(tokenTTL + time.Second)

	_, err = s.Validate(rec.Token)
	require.ErrorIs(t, err, ErrTokenNotFound)

	list := s.List()
	require.Empty(t, list)
}

func TestRevokeAndRevokeAll(t *testing.T) {
	now, _ := clockAt(t, time.Now())
	s, err := New(filepath.Join(t.TempDir(), "pairing.json"), now)
	require.NoError(t, err)

	code, _, err := s.StartPairing(RoleOperator)
	require.NoError(t, err)
	rec, err := s.Claim(code)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(rec.ID))
	_, err = s.Validate(rec.Token)
	require.Error(t, err)

	code2, _, err := s.StartPairing(RoleEngineer)
	require.NoError(t, err)
	rec2, err := s.Claim(code2)
	require.NoError(t, err)

	require.NoError(t, s.RevokeAll())
	_, err = s.Validate(rec2.Token)
	require.Error(t, err)
}

func TestMaxTokensRefusesFurtherClaims(t *testing.T) {
	now, _ := clockAt(t, time.Now())
	s, err := New(filepath.Join(t.TempDir(), "pairing.json"), now)
	require.NoError(t, err)

	for i := 0; i < maxTokens; i++ {
		code, _, err := s.StartPairing(RoleViewer)
		require.NoError(t, err)
		_, err = s.Claim(code)
		require.NoError(t, err)
	}

	code, _, err := s.StartPairing(RoleViewer)
	require.NoError(t, err)
	_, err = s.Claim(code)
	require.ErrorIs(t, err, ErrTokenTableFull)
}

func TestLegacyTokenBackfillsExpiresAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	created := time.Now().Add(-time.Hour)
	legacy := fileFormat{Tokens: []TokenRecord{{
		ID: "legacy-id", Token: "legacy-token", CreatedAt: created, Enabled: true, Role: RoleViewer,
	}}}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	now, _ := clockAt(t, time.Now())
	s, err := New(path, now)
	require.NoError(t, err)

	role, err := s.Validate("legacy-token")
	require.NoError(t, err)
	require.Equal(t, RoleViewer, role)
}
