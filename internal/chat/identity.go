package chat

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultAvatarBase renders initials placeholders for contacts added without
// a picture.
const DefaultAvatarBase = "https://ui-avatars.com/api/"

type Presence uint8

const (
	Offline Presence = iota
	Online
	Away
)

func (p Presence) String() string {
	switch p {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case Away:
		return "away"
	}
	return "invalid"
}

func ParsePresence(s string) (Presence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "away":
		return Away, nil
	case "offline":
		return Offline, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unknown presence %q", s)
}

func (p Presence) MarshalText() ([]byte, error) {
	if p > Away {
		return nil, errors.Errorf("invalid presence %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Presence) UnmarshalText(b []byte) error {
	v, err := ParsePresence(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Avatar    string     `json:"avatar"`
	Presence  Presence   `json:"presence"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (u User) clone() User {
	if u.LastSeen != nil {
		ls := *u.LastSeen
		u.LastSeen = &ls
	}
	return u
}

// IdentityStore owns users. Users are never deleted so that message history
// always resolves its senders.
type IdentityStore struct {
	mu    sync.RWMutex
	users map[string]*User
	order []string

	avatarBase string
	newID      func() string
	now        func() time.Time
	rec        Recorder
}

func newIdentityStore(avatarBase string, newID func() string, now func() time.Time, rec Recorder) *IdentityStore {
	if avatarBase == "" {
		avatarBase = DefaultAvatarBase
	}
	return &IdentityStore{
		users:      map[string]*User{},
		avatarBase: avatarBase,
		newID:      newID,
		now:        now,
		rec:        rec,
	}
}

// DefaultAvatar derives a placeholder picture URI from a display name. The
// same name always yields the same URI.
func (s *IdentityStore) DefaultAvatar(name string) string {
	q := url.Values{}
	q.Set("name", strings.TrimSpace(name))
	q.Set("background", "random")
	return s.avatarBase + "?" + q.Encode()
}

// AddUser creates a user with a fresh ID. Display names need not be unique.
func (s *IdentityStore) AddUser(name, avatarHint string) (User, error) {
	u, err := s.prepare(s.newID(), name, avatarHint)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(u)
	return u.clone(), nil
}

func (s *IdentityStore) prepare(id, name, avatarHint string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "user name is empty")
	}
	avatar := strings.TrimSpace(avatarHint)
	if avatar == "" {
		avatar = s.DefaultAvatar(name)
	}
	return &User{
		ID:        id,
		Name:      name,
		Avatar:    avatar,
		Presence:  Offline,
		CreatedAt: s.now(),
	}, nil
}

// insertLocked must be called with s.mu held for writing.
func (s *IdentityStore) insertLocked(u *User) {
	s.users[u.ID] = u
	s.order = append(s.order, u.ID)
	if err := s.rec.RecordUser(*u); err != nil {
		jww.ERROR.Printf("[Chat] failed to record user %s: %+v", u.ID, err)
	}
	jww.DEBUG.Printf("[Chat] added user %s (%q)", u.ID, u.Name)
}

// UpdatePresence applies a presence change. Applying the same change twice
// leaves the user as after the first.
func (s *IdentityStore) UpdatePresence(id string, state Presence, lastSeen *time.Time) (User, error) {
	if state > Away {
		return User{}, errors.Wrapf(ErrInvalidArgument, "invalid presence %d", uint8(state))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, errors.Wrapf(ErrNotFound, "user %s", id)
	}
	u.Presence = state
	if lastSeen != nil {
		ls := *lastSeen
		u.LastSeen = &ls
	}
	if err := s.rec.RecordUser(*u); err != nil {
		jww.ERROR.Printf("[Chat] failed to record presence of %s: %+v", id, err)
	}
	return u.clone(), nil
}

func (s *IdentityStore) GetUser(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, errors.Wrapf(ErrNotFound, "user %s", id)
	}
	return u.clone(), nil
}

func (s *IdentityStore) ListUsers() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.users[id].clone())
	}
	return out
}

func (s *IdentityStore) existsLocked(id string) bool {
	_, ok := s.users[id]
	return ok
}

func (s *IdentityStore) restore(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u.clone()
	if _, ok := s.users[cp.ID]; !ok {
		s.order = append(s.order, cp.ID)
	}
	s.users[cp.ID] = &cp
}
