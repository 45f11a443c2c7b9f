// Package localstore keeps small, non-authoritative per-user values in one
// JSON document on disk: the most recently used games and the history of
// battle locations. Losing the file only loses convenience.
package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	MaxRecentGames = 3
	MaxLocations   = 10

	keyRecentGames = "recentGames"
	keyLocations   = "locationHistory"
)

type Store struct {
	path string

	mu  sync.Mutex
	doc []byte
}

// Open loads the document at path. A missing or unreadable document starts
// empty. An empty path keeps the document in memory only.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: []byte("{}")}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		logrus.WithError(err).WithField("path", path).Warn("Failed to read local store, starting empty")
	case !gjson.ValidBytes(data):
		logrus.WithField("path", path).Warn("Local store is not valid JSON, starting empty")
	default:
		s.doc = data
	}
	return s, nil
}

func userPath(userID, key string) string {
	return gjson.Escape(userID) + "." + key
}

// Get returns the raw value stored under key for the user.
func (s *Store) Get(userID, key string) gjson.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gjson.GetBytes(s.doc, userPath(userID, gjson.Escape(key)))
}

// Set stores value under key for the user and writes the document.
func (s *Store) Set(userID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(userPath(userID, gjson.Escape(key)), value)
}

// Delete removes everything stored for the user.
func (s *Store) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := sjson.DeleteBytes(s.doc, gjson.Escape(userID))
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", userID, err)
	}
	s.doc = doc
	return s.persist()
}

func (s *Store) set(path string, value any) error {
	doc, err := sjson.SetBytes(s.doc, path, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	s.doc = doc
	return s.persist()
}

// persist replaces the file so a crash never leaves half a document.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, s.doc, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) list(path string) []string {
	out := []string{}
	gjson.GetBytes(s.doc, path).ForEach(func(_, v gjson.Result) bool {
		if str := v.String(); str != "" {
			out = append(out, str)
		}
		return true
	})
	return out
}

// push moves value to the front of the list at path, dropping earlier
// entries that match and anything beyond limit.
func (s *Store) push(path, value string, limit int, same func(a, b string) bool) ([]string, error) {
	list := []string{value}
	for _, v := range s.list(path) {
		if !same(v, value) && len(list) < limit {
			list = append(list, v)
		}
	}
	return list, s.set(path, list)
}

// RecentGames returns the user's most recently used game ids, newest first.
func (s *Store) RecentGames(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userPath(userID, keyRecentGames))
}

// PushRecentGame marks a game as most recently used.
func (s *Store) PushRecentGame(userID, gameID string) ([]string, error) {
	if gameID == "" {
		return s.RecentGames(userID), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(userPath(userID, keyRecentGames), gameID, MaxRecentGames, func(a, b string) bool { return a == b })
}

// Locations returns the user's previously entered battle locations, newest
// first.
func (s *Store) Locations(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(userPath(userID, keyLocations))
}

// AddLocation records a free-text location. Blank input is ignored and a
// location that differs only in case replaces the older entry.
func (s *Store) AddLocation(userID, location string) ([]string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return s.Locations(userID), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(userPath(userID, keyLocations), location, MaxLocations, strings.EqualFold)
}
