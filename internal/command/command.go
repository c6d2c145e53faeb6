// Package command builds shell command lines for the sandbox exec channel.
//
// The sandbox only accepts a single command string, which it hands to
// /bin/sh -c. Every argument passes through Quote so callers never build
// quoted strings by hand.
package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Command is a single program invocation with typed arguments
type Command struct {
	Program string
	Args    []string
	Env     map[string]string
	Dir     string

	// Stdout and Stderr redirect the process output to sandbox files.
	// When Stderr equals Stdout both streams share the file.
	Stdout string
	Stderr string

	// Background detaches the process with nohup and echoes its pid.
	Background bool
}

// New starts a command for program
func New(program string, args ...string) *Command {
	return &Command{Program: program, Args: args}
}

// Arg appends plain string arguments
func (c *Command) Arg(args ...string) *Command {
	c.Args = append(c.Args, args...)
	return c
}

// JSONArg serializes v and appends it as one argument
func (c *Command) JSONArg(v any) (*Command, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return c, fmt.Errorf("failed to encode command payload: %w", err)
	}
	c.Args = append(c.Args, string(raw))
	return c, nil
}

// WithEnv sets an environment variable for the process
func (c *Command) WithEnv(key, value string) *Command {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env[key] = value
	return c
}

// InDir runs the process from dir
func (c *Command) InDir(dir string) *Command {
	c.Dir = dir
	return c
}

// LogTo sends stdout and stderr to the same file
func (c *Command) LogTo(path string) *Command {
	c.Stdout = path
	c.Stderr = path
	return c
}

// Detach runs the process in the background
func (c *Command) Detach() *Command {
	c.Background = true
	return c
}

// String renders the command for /bin/sh -c
func (c *Command) String() string {
	var b strings.Builder

	if c.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(Quote(c.Dir))
		b.WriteString(" && ")
	}
	if c.Background {
		b.WriteString("nohup ")
	}
	if len(c.Env) > 0 {
		b.WriteString("env ")
		for _, key := range sortedKeys(c.Env) {
			b.WriteString(Quote(key + "=" + c.Env[key]))
			b.WriteByte(' ')
		}
	}

	b.WriteString(Quote(c.Program))
	for _, arg := range c.Args {
		b.WriteByte(' ')
		b.WriteString(Quote(arg))
	}

	switch {
	case c.Stdout != "" && c.Stdout == c.Stderr:
		b.WriteString(" >")
		b.WriteString(Quote(c.Stdout))
		b.WriteString(" 2>&1")
	default:
		if c.Stdout != "" {
			b.WriteString(" >")
			b.WriteString(Quote(c.Stdout))
		} else if c.Background {
			b.WriteString(" >/dev/null")
		}
		if c.Stderr != "" {
			b.WriteString(" 2>")
			b.WriteString(Quote(c.Stderr))
		} else if c.Background {
			b.WriteString(" 2>&1")
		}
	}

	if c.Background {
		b.WriteString(" </dev/null & echo $!")
	}
	return b.String()
}

// Pipeline joins commands so each runs only if the previous one succeeded
func Pipeline(cmds ...*Command) string {
	parts := make([]string, 0, len(cmds))
	for _, c := range cmds {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, " && ")
}

// Quote returns s as a single POSIX shell word. Words made only of safe
// characters are left bare; everything else is single-quoted with embedded
// single quotes rewritten as '"'"'.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@%+,", r):
		default:
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KillMatching returns a command line that kills every process whose
// command line contains s. The first character is bracketed so the pattern
// does not match the shell running pkill. It always exits 0.
func KillMatching(s string) string {
	pattern := s
	if s != "" {
		pattern = "[" + s[:1] + "]" + s[1:]
	}
	return New("pkill", "-f", pattern).String() + " || true"
}
