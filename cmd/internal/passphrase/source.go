// Package passphrase resolves the authority keystore passphrase for the
// daemon.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrEmpty is returned when the resolved passphrase is blank.
var ErrEmpty = errors.New("passphrase: empty passphrase")

// Prompter reads a secret from an interactive terminal.
type Prompter interface {
	Interactive() bool
	ReadSecret(prompt string) (string, error)
}

type terminal struct {
	fd  int
	out io.Writer
}

func (t terminal) Interactive() bool { return term.IsTerminal(t.fd) }

func (t terminal) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)
	raw, err := term.ReadPassword(t.fd)
	fmt.Fprintln(t.out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Source lazily resolves a passphrase from an environment variable, falling
// back to a terminal prompt. The first result, success or failure, is cached.
type Source struct {
	envVar string
	label  string
	lookup func(string) (string, bool)
	prompt Prompter

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source reading envVar and prompting on stdin.
func NewSource(envVar, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "keystore"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		lookup: os.LookupEnv,
		prompt: terminal{fd: int(os.Stdin.Fd()), out: os.Stderr},
	}
}

// WithPrompter replaces the terminal used for interactive entry.
func (s *Source) WithPrompter(p Prompter) *Source {
	s.prompt = p
	return s
}

// WithLookup replaces the environment lookup.
func (s *Source) WithLookup(fn func(string) (string, bool)) *Source {
	if fn != nil {
		s.lookup = fn
	}
	return s
}

// Get returns the passphrase, resolving it on first use.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%w: %s is set but blank", ErrEmpty, s.envVar)
			}
			return value, nil
		}
	}
	if s.prompt == nil || !s.prompt.Interactive() {
		if s.envVar != "" {
			return "", fmt.Errorf("passphrase: %s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("passphrase: %s passphrase required and no terminal available", s.label)
	}
	value, err := s.prompt.ReadSecret(fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		return "", fmt.Errorf("passphrase: read: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrEmpty
	}
	return value, nil
}
