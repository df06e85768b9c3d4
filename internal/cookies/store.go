// Package cookies persists browser cookies between runs so a remembered
// second-factor device survives a restart.
package cookies

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/classbot/internal/driver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const fileExt = ".json"

// Store keeps one JSON file of cookies per domain under Dir.
type Store struct {
	Dir string
	now func() time.Time
}

// NewStore expands a leading "~" in dir.
func NewStore(dir string) (*Store, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("could not resolve cookie directory '%s': %w", dir, err)
	}
	return &Store{Dir: expanded, now: time.Now}, nil
}

// fileName maps a domain to a safe file name.
func fileName(domain string) (string, error) {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return "", errors.New("cookie domain is empty")
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, domain)
	if name == "." || name == ".." {
		return "", fmt.Errorf("invalid cookie domain %q", domain)
	}
	return name + fileExt, nil
}

// Save replaces the stored cookies of domain. The file is written to a
// temporary name and renamed so a crash never leaves a torn file.
func (s *Store) Save(domain string, cookies []driver.Cookie) error {
	name, err := fileName(domain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create cookie directory: %w", err)
	}
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cookie file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod cookie file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cookie file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.Dir, name)); err != nil {
		return fmt.Errorf("rename cookie file: %w", err)
	}
	return nil
}

// Load returns the unexpired cookies stored for domain, or nil when nothing
// is stored.
func (s *Store) Load(domain string) ([]driver.Cookie, error) {
	name, err := fileName(domain)
	if err != nil {
		return nil, err
	}
	return s.read(filepath.Join(s.Dir, name))
}

// LoadAll returns the unexpired cookies of every stored domain, ordered by
// file name. A missing directory yields nil.
func (s *Store) LoadAll() ([]driver.Cookie, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), fileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []driver.Cookie
	for _, n := range names {
		cookies, err := s.read(filepath.Join(s.Dir, n))
		if err != nil {
			return all, err
		}
		all = append(all, cookies...)
	}
	return all, nil
}

func (s *Store) read(path string) ([]driver.Cookie, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var cookies []driver.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie file %s: %w", filepath.Base(path), err)
	}

	now := s.clock()
	live := cookies[:0]
	for _, c := range cookies {
		if !c.Expired(now) {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	return live, nil
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
