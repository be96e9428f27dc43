// Package store persists summaries on disk: one text file per tag under a
// root directory, plus an append-style JSON log of every save.
package store

import (
	"encoding/json"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LogFileName is the JSON log kept at the root of the store.
const LogFileName = "summaries.json"

const maxFilenameLength = 100

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

func newEntryID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Entry is one record in the summary log.
type Entry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Tags      []string `json:"tags"`
	Timestamp string   `json:"timestamp"`
	Files     []string `json:"files"`
}

// Store writes summaries under a root directory. Safe for concurrent use;
// log updates are serialized.
type Store struct {
	root string

	mu sync.Mutex
}

// New creates the root directory if needed and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		root = "summaries"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create summaries directory %s", root)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Save writes content under every tag's directory and appends a log entry.
func (s *Store) Save(title, content string, tags []string) (*Entry, error) {
	if title == "" {
		return nil, errors.New("title required")
	}
	if len(tags) == 0 {
		return nil, errors.New("at least one tag required")
	}

	timestamp := time.Now().Format("20060102150405")
	fileName := SanitizeFilename(title) + "_" + timestamp + ".txt"
	body := "Title: " + title + "\nTags: " + strings.Join(tags, ", ") + "\n\n" + content

	entry := &Entry{
		ID:        newEntryID(),
		Title:     title,
		Tags:      tags,
		Timestamp: timestamp,
	}

	for _, tag := range tags {
		tagDir := filepath.Join(s.root, SanitizeFilename(tag))
		if err := os.MkdirAll(tagDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create tag directory %s", tagDir)
		}
		path := filepath.Join(tagDir, fileName)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return nil, errors.Wrapf(err, "failed to write summary %s", path)
		}
		entry.Files = append(entry.Files, path)
	}

	if err := s.appendLog(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) appendLog(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logPath := filepath.Join(s.root, LogFileName)
	var entries []Entry
	if raw, err := os.ReadFile(logPath); err == nil {
		// A corrupt log is replaced rather than blocking new saves.
		_ = json.Unmarshal(raw, &entries)
	}
	entries = append(entries, *entry)

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary log")
	}
	if err := os.WriteFile(logPath, raw, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write summary log %s", logPath)
	}
	return nil
}

// Entries reads the summary log. A missing log is an empty list.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.root, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read summary log")
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to parse summary log")
	}
	return entries, nil
}

// ListByTag returns the file names saved under tag.
func (s *Store) ListByTag(tag string) ([]string, error) {
	tagDir := filepath.Join(s.root, SanitizeFilename(tag))
	dirEntries, err := os.ReadDir(tagDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("no tag named %q", tag)
		}
		return nil, errors.Wrapf(err, "failed to list tag %q", tag)
	}
	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Search returns the paths of saved summaries whose contents contain
// keyword, case-insensitively. Tag directories are scanned concurrently.
func (s *Store) Search(keyword string) ([]string, error) {
	needle := strings.ToLower(keyword)

	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read summaries directory")
	}

	var mu sync.Mutex
	var matches []string
	var g errgroup.Group
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		tagDir := filepath.Join(s.root, dirEntry.Name())
		g.Go(func() error {
			files, err := os.ReadDir(tagDir)
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", tagDir)
			}
			for _, file := range files {
				if file.IsDir() || !strings.HasSuffix(file.Name(), ".txt") {
					continue
				}
				path := filepath.Join(tagDir, file.Name())
				raw, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				if strings.Contains(strings.ToLower(string(raw)), needle) {
					mu.Lock()
					matches = append(matches, path)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

// SanitizeFilename strips characters that are unsafe in file names and
// bounds the length, mirroring the naming scheme of previously saved
// summaries.
func SanitizeFilename(name string) string {
	if name == "" {
		return "untitled"
	}
	replacer := strings.NewReplacer(
		" ", "_", "<", "_", ">", "_", ":", "_", "\"", "_",
		"/", "_", "\\", "_", "|", "_", "?", "_", "*", "_",
	)
	name = replacer.Replace(name)
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	return name
}
