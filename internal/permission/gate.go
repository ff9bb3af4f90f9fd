// Package permission tracks the answer to a device capability prompt. The
// engine never prompts by itself; a Prompter does, and a Gate remembers what
// it said.
package permission

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

type Status string

const (
	Granted     Status = "granted"
	Denied      Status = "denied"
	Prompt      Status = "prompt"
	Unavailable Status = "unavailable"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case Granted, Denied, Prompt, Unavailable:
		return st, nil
	}
	return "", errors.Errorf("unknown permission status %q", s)
}

var (
	ErrDenied      = errors.New("permission denied")
	ErrUnavailable = errors.New("unavailable on this device")
)

// Prompter asks the platform for access to one capability.
type Prompter interface {
	Prompt(ctx context.Context) (Status, error)
}

// StaticPrompter answers every prompt with the same status.
type StaticPrompter Status

func (p StaticPrompter) Prompt(context.Context) (Status, error) { return Status(p), nil }

// Gate holds the permission state of one capability. A denial sticks: later
// requests fail without prompting again until Reset.
type Gate struct {
	mu       sync.Mutex
	name     string
	prompter Prompter
	status   Status
}

// NewGate starts undecided. name appears in errors and logs.
func NewGate(name string, prompter Prompter) *Gate {
	return &Gate{name: name, prompter: prompter, status: Prompt}
}

func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Request prompts only while the status is undecided. Concurrent requests
// share one prompt. A failed prompt or an answer that is not a decision
// leaves the status as it was.
func (g *Gate) Request(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == Prompt {
		st, err := g.prompter.Prompt(ctx)
		if err != nil {
			return g.status, errors.Wrapf(err, "prompting for %s permission", g.name)
		}
		if st != Granted && st != Denied && st != Unavailable {
			return g.status, errors.Errorf("%s prompter returned %q", g.name, st)
		}
		g.status = st
		jww.INFO.Printf("[Permission] %s %s", g.name, st)
	}
	return g.status, g.checkLocked()
}

// Check reports whether the capability may be used right now.
func (g *Gate) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkLocked()
}

func (g *Gate) checkLocked() error {
	switch g.status {
	case Granted:
		return nil
	case Unavailable:
		return errors.Wrap(ErrUnavailable, g.name)
	}
	return errors.Wrap(ErrDenied, g.name)
}

// Revoke drops access, as when the user withdraws it in system settings.
func (g *Gate) Revoke() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = Denied
	jww.INFO.Printf("[Permission] %s revoked", g.name)
}

// Reset forgets the previous answer so the next Request prompts again.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = Prompt
}
