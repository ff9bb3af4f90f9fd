// Package files keeps references to files the user picked from device
// storage. Files are copied under one directory and served from a public
// base URL, so their URIs can be attached to image and gif messages.
package files

import (
	"context"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/yaml.v3"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/permission"
)

const indexName = "index.yaml"

var (
	ErrUnknownFile = errors.New("unknown file")
	ErrInvalidFile = errors.New("invalid file")
)

type File struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Type      string    `yaml:"type" json:"type"`
	Size      int64     `yaml:"size" json:"size"`
	URI       string    `yaml:"uri" json:"uri"`
	CreatedAt time.Time `yaml:"createdAt" json:"createdAt"`

	stored string
}

// Kind is the message kind a file can be sent as.
func (f File) Kind() (chat.Kind, error) {
	switch {
	case f.Type == "image/gif":
		return chat.KindGIF, nil
	case strings.HasPrefix(f.Type, "image/"):
		return chat.KindImage, nil
	}
	return "", errors.Wrapf(ErrInvalidFile, "%s (%s) is not an image", f.Name, f.Type)
}

type record struct {
	File   `yaml:",inline"`
	Stored string `yaml:"stored"`
}

type index struct {
	Files []record `yaml:"files"`
}

// Store is the permission-gated list of stored files.
type Store struct {
	*permission.Gate

	dir     string
	baseURL string
	now     func() time.Time

	mu     sync.Mutex
	loaded bool
	files  []File
}

// NewStore keeps files under dir and publishes them below baseURL, which
// must be absolute.
func NewStore(dir, baseURL string, prompter permission.Prompter) *Store {
	return &Store{
		Gate:    permission.NewGate("storage", prompter),
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Request obtains permission and reads the index of files stored earlier.
func (s *Store) Request(ctx context.Context) (permission.Status, error) {
	st, err := s.Gate.Request(ctx)
	if err != nil {
		return st, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return st, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return st, errors.Wrapf(err, "creating file storage %s", s.dir)
	}
	list, err := readIndex(filepath.Join(s.dir, indexName))
	if err != nil {
		return st, err
	}
	s.files = list
	s.loaded = true
	return st, nil
}

// Revoke withdraws access. Stored files stay on disk for a later grant.
func (s *Store) Revoke() {
	s.Gate.Revoke()
	s.mu.Lock()
	s.loaded, s.files = false, nil
	s.mu.Unlock()
}

// List returns the stored files, oldest first.
func (s *Store) List() ([]File, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]File(nil), s.files...), nil
}

func (s *Store) Get(id string) (File, error) {
	if err := s.Check(); err != nil {
		return File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.find(id); i >= 0 {
		return s.files[i], nil
	}
	return File{}, errors.Wrapf(ErrUnknownFile, "file %s", id)
}

// Add copies r into storage under a fresh ID. An empty contentType is
// guessed from the name's extension.
func (s *Store) Add(name, contentType string, r io.Reader) (File, error) {
	if err := s.Check(); err != nil {
		return File{}, err
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return File{}, errors.Wrap(ErrInvalidFile, "file needs a name")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return File{}, errors.Wrap(permission.ErrDenied, "storage was not requested")
	}

	id := uuid.NewString()
	stored := id + ext
	path := filepath.Join(s.dir, stored)
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return File{}, errors.Wrapf(err, "creating %s", path)
	}
	size, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return File{}, errors.Wrapf(err, "storing %s", name)
	}

	f := File{
		ID:        id,
		Name:      name,
		Type:      contentType,
		Size:      size,
		URI:       s.baseURL + "/" + url.PathEscape(stored),
		CreatedAt: s.now(),
		stored:    stored,
	}
	s.files = append(s.files, f)
	if err := s.writeIndexLocked(); err != nil {
		s.files = s.files[:len(s.files)-1]
		_ = os.Remove(path)
		return File{}, err
	}
	jww.INFO.Printf("[Files] stored %s as %s (%d bytes)", name, stored, size)
	return f, nil
}

// Delete removes a file from storage. Messages that already carry its URI
// keep it.
func (s *Store) Delete(id string) error {
	if err := s.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return errors.Wrapf(ErrUnknownFile, "file %s", id)
	}
	f := s.files[i]
	s.files = append(s.files[:i:i], s.files[i+1:]...)
	if err := s.writeIndexLocked(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, f.stored)); err != nil && !os.IsNotExist(err) {
		jww.WARN.Printf("[Files] could not remove %s: %v", f.stored, err)
	}
	return nil
}

func (s *Store) find(id string) int {
	for i := range s.files {
		if s.files[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) writeIndexLocked() error {
	idx := index{Files: make([]record, len(s.files))}
	for i, f := range s.files {
		idx.Files[i] = record{File: f, Stored: f.stored}
	}
	raw, err := yaml.Marshal(idx)
	if err != nil {
		return errors.Wrap(err, "encoding file index")
	}
	path := filepath.Join(s.dir, indexName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing file index")
	}
	return errors.Wrap(os.Rename(tmp, path), "replacing file index")
}

func readIndex(path string) ([]File, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var idx index
	if err := yaml.Unmarshal(raw, &idx); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	out := make([]File, 0, len(idx.Files))
	for _, r := range idx.Files {
		f := r.File
		f.stored = r.Stored
		out = append(out, f)
	}
	return out, nil
}
