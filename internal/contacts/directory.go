// Package contacts imports already-resolved contacts from the device once
// the user grants access to the address book.
package contacts

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/yaml.v3"

	"github.com/pelusa-v/pelusa-chat/internal/permission"
)

var ErrUnknownContact = errors.New("unknown contact")

type Contact struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	PhoneNumber string `yaml:"phone,omitempty" json:"phoneNumber,omitempty"`
	Email       string `yaml:"email,omitempty" json:"email,omitempty"`
	Avatar      string `yaml:"avatar,omitempty" json:"avatar,omitempty"`
}

type file struct {
	Contacts []Contact `yaml:"contacts"`
}

// Directory holds the contacts read after a grant.
type Directory struct {
	*permission.Gate

	path     string
	mu       sync.Mutex
	contacts []Contact
}

func NewDirectory(path string, prompter permission.Prompter) *Directory {
	return &Directory{Gate: permission.NewGate("contacts", prompter), path: path}
}

// Request obtains permission and loads the contacts once granted.
func (d *Directory) Request(ctx context.Context) (permission.Status, error) {
	st, err := d.Gate.Request(ctx)
	if err != nil {
		return st, err
	}
	list, err := Load(d.path)
	if err != nil {
		return st, err
	}
	d.mu.Lock()
	d.contacts = list
	d.mu.Unlock()
	return st, nil
}

// Revoke withdraws access and forgets the loaded contacts. Users imported
// earlier stay in the chat.
func (d *Directory) Revoke() {
	d.Gate.Revoke()
	d.forget()
}

// Reset forgets the previous answer and the loaded contacts.
func (d *Directory) Reset() {
	d.Gate.Reset()
	d.forget()
}

func (d *Directory) forget() {
	d.mu.Lock()
	d.contacts = nil
	d.mu.Unlock()
}

func (d *Directory) Contacts() ([]Contact, error) {
	if err := d.Check(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Contact(nil), d.contacts...), nil
}

func (d *Directory) Lookup(id string) (Contact, error) {
	if err := d.Check(); err != nil {
		return Contact{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return Contact{}, errors.Wrapf(ErrUnknownContact, "contact %s", id)
}

// Load reads a contacts file. Entries without a name are skipped.
func Load(path string) ([]Contact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading contacts file %s", path)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing contacts file %s", path)
	}
	out := make([]Contact, 0, len(f.Contacts))
	seen := map[string]bool{}
	for _, c := range f.Contacts {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			jww.WARN.Printf("[Contacts] skipping entry %q without a name", c.ID)
			continue
		}
		if c.ID == "" || seen[c.ID] {
			return nil, errors.Errorf("contacts file %s: missing or duplicate id %q", path, c.ID)
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}
