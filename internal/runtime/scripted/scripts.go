package scripted

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

//go:embed assets/*.py assets/actions/*.py
var assets embed.FS

// Script names. Each action script is generated from the shared prelude
// and one action body.
const (
	ScriptLauncher     = "launcher"
	ScriptServer       = "command-server"
	ScriptNavigate     = "navigate"
	ScriptClick        = "click"
	ScriptClickAt      = "click-at"
	ScriptScroll       = "scroll"
	ScriptType         = "type"
	ScriptScreenshot   = "screenshot"
	ScriptDownload     = "download"
	ScriptSaveState    = "save-state"
	ScriptRestoreState = "restore-state"
	ScriptExtract      = "extract-content"
)

var actionScripts = []string{
	ScriptNavigate,
	ScriptClick,
	ScriptClickAt,
	ScriptScroll,
	ScriptType,
	ScriptScreenshot,
	ScriptDownload,
	ScriptSaveState,
	ScriptRestoreState,
	ScriptExtract,
}

// serverActions are the bodies the command server routes to. Keep in step
// with ROUTES in assets/server.py.
var serverActions = []string{
	ScriptExtract,
}

// Script is one generated file ready to be written into a sandbox
type Script struct {
	Name    string
	Content []byte
	Digest  string
}

// FileName is the name the script is installed under
func (s Script) FileName() string {
	return s.Name + ".py"
}

// Library holds every generated script
type Library struct {
	scripts map[string]Script
}

// NewLibrary generates all scripts from the embedded assets
func NewLibrary() (*Library, error) {
	prelude, err := assets.ReadFile("assets/prelude.py")
	if err != nil {
		return nil, err
	}

	lib := &Library{scripts: make(map[string]Script)}
	for _, name := range actionScripts {
		body, err := actionBody(name)
		if err != nil {
			return nil, err
		}
		var b bytes.Buffer
		b.Write(prelude)
		b.Write(body)
		fmt.Fprintf(&b, "\n\nif __name__ == \"__main__\":\n    main(%s)\n", functionName(name))
		lib.add(name, b.Bytes())
	}

	var server bytes.Buffer
	server.Write(prelude)
	for _, name := range serverActions {
		body, err := actionBody(name)
		if err != nil {
			return nil, err
		}
		server.Write(body)
	}
	serverMain, err := assets.ReadFile("assets/server.py")
	if err != nil {
		return nil, err
	}
	server.Write(serverMain)
	lib.add(ScriptServer, server.Bytes())

	launcher, err := assets.ReadFile("assets/launcher.py")
	if err != nil {
		return nil, err
	}
	lib.add(ScriptLauncher, launcher)

	return lib, nil
}

func (l *Library) add(name string, content []byte) {
	sum := sha256.Sum256(content)
	l.scripts[name] = Script{
		Name:    name,
		Content: content,
		Digest:  hex.EncodeToString(sum[:8]),
	}
}

// Get returns the script called name
func (l *Library) Get(name string) (Script, bool) {
	s, ok := l.scripts[name]
	return s, ok
}

// Names lists the generated scripts
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func actionBody(name string) ([]byte, error) {
	body, err := assets.ReadFile("assets/actions/" + strings.ReplaceAll(name, "-", "_") + ".py")
	if err != nil {
		return nil, fmt.Errorf("missing body for %s: %w", name, err)
	}
	return body, nil
}

func functionName(name string) string {
	return "action_" + strings.ReplaceAll(name, "-", "_")
}
