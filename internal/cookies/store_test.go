package cookies

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/classbot/internal/driver"
)

var fixedNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "cookies"))
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestNewStoreExpandsHome(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	s, err := NewStore("~/.classbot/cookies")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".classbot", "cookies"), s.Dir)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		domain string
		want   string
		err    bool
	}{
		{domain: "api-1a2b3c.duosecurity.com", want: "api-1a2b3c.duosecurity.com.json"},
		{domain: ".FSU.edu", want: "fsu.edu.json"},
		{domain: "evil/../../etc", want: "evil_.._.._etc.json"},
		{domain: "  ", err: true},
		{domain: "..", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			got, err := fileName(tt.domain)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	s := newTestStore(t)
	cookies := []driver.Cookie{
		{Name: "remember", Value: "yes", Domain: "api-1.duosecurity.com", Path: "/", Expires: fixedNow.Add(24 * time.Hour), Secure: true},
		{Name: "sid", Value: "abc", Domain: "api-1.duosecurity.com", Path: "/"},
		{Name: "stale", Value: "old", Domain: "api-1.duosecurity.com", Path: "/", Expires: fixedNow.Add(-time.Hour)},
	}
	require.NoError(t, s.Save("api-1.duosecurity.com", cookies))

	info, err := os.Stat(filepath.Join(s.Dir, "api-1.duosecurity.com.json"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := s.Load("api-1.duosecurity.com")
	require.NoError(t, err)
	require.Len(t, loaded, 2, "expired cookies are dropped")
	assert.Equal(t, "remember", loaded[0].Name)
	assert.True(t, loaded[0].Expires.Equal(cookies[0].Expires))
	assert.True(t, loaded[1].Session())

	leftovers, err := filepath.Glob(filepath.Join(s.Dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSaveReplaces(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("fsu.edu", []driver.Cookie{{Name: "a", Value: "1"}}))
	require.NoError(t, s.Save("fsu.edu", []driver.Cookie{{Name: "b", Value: "2"}}))

	loaded, err := s.Load("fsu.edu")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].Name)
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)

	loaded, err := s.Load("nowhere.edu")
	assert.NoError(t, err)
	assert.Nil(t, loaded)

	all, err := s.LoadAll()
	assert.NoError(t, err)
	assert.Nil(t, all)
}

func TestLoadAll(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("b.example", []driver.Cookie{{Name: "b"}}))
	require.NoError(t, s.Save("a.example", []driver.Cookie{{Name: "a"}}))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "notes.txt"), []byte("ignored"), 0o600))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, "fsu.edu.json"), []byte("{not json"), 0o600))

	_, err := s.Load("fsu.edu")
	assert.ErrorContains(t, err, "fsu.edu.json")
}
