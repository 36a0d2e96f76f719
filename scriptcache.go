package kvdb

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ScriptMeta is the persisted identity of a registered script: its
// content digest, and an optional caller-assigned name and description.
type ScriptMeta struct {
	SHA1        string
	Name        string
	Description string
}

// compiledScript pairs a script's metadata with its compiled Lua bytecode.
// Bytecode is never persisted (per §4.9): it only exists for scripts
// registered (or re-registered) in the current process.
type compiledScript struct {
	proto *lua.FunctionProto
	meta  ScriptMeta
}

// ScriptCache holds compiled script handles keyed by SHA-1(source), plus a
// name-to-sha1 map (names unique, case-sensitive). Metadata is mirrored to
// a sidecar file on every register/rename/remove so that script identities
// survive a restart even though bytecode does not.
type ScriptCache struct {
	mu          sync.Mutex
	compiled    map[string]*compiledScript // sha1 -> compiled, only for this process's lifetime
	metas       map[string]ScriptMeta      // sha1 -> metadata, survives restart via sidecar
	byName      map[string]string          // name -> sha1
	sidecarPath string
}

func openScriptCache(sidecarPath string) (*ScriptCache, error) {
	sc := &ScriptCache{
		compiled:    make(map[string]*compiledScript),
		metas:       make(map[string]ScriptMeta),
		byName:      make(map[string]string),
		sidecarPath: sidecarPath,
	}
	f, err := os.Open(sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return sc, nil
		}
		return nil, ioErr("open scripts sidecar", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		meta := ScriptMeta{SHA1: parts[0], Name: parts[1], Description: parts[2]}
		sc.metas[meta.SHA1] = meta
		if meta.Name != "" {
			sc.byName[meta.Name] = meta.SHA1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, ioErr("read scripts sidecar", err)
	}
	return sc, nil
}

// Register compiles source, caches it under sha1(source), and records its
// optional name/description. Re-registering the same source yields the
// same digest; the source is compiled again and replaces the existing
// compiled proto.
func (sc *ScriptCache) Register(source, name, description string) (string, error) {
	sum := sha1.Sum([]byte(source))
	digest := hex.EncodeToString(sum[:])

	chunk, err := parse.Parse(strings.NewReader(source), "<script:"+digest[:8]+">")
	if err != nil {
		return "", &ScriptCompileError{Source: digest, Err: err}
	}
	proto, err := lua.Compile(chunk, "<script:"+digest[:8]+">")
	if err != nil {
		return "", &ScriptCompileError{Source: digest, Err: err}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if name != "" {
		if existingSHA, ok := sc.byName[name]; ok && existingSHA != digest {
			delete(sc.metas, existingSHA)
			delete(sc.compiled, existingSHA)
		}
		sc.byName[name] = digest
	}

	meta := ScriptMeta{SHA1: digest, Name: name, Description: description}
	sc.metas[digest] = meta
	sc.compiled[digest] = &compiledScript{proto: proto, meta: meta}

	if err := sc.persistLocked(); err != nil {
		return "", err
	}
	return digest, nil
}

// List returns the metadata for every known script, compiled or not.
func (sc *ScriptCache) List() []ScriptMeta {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]ScriptMeta, 0, len(sc.metas))
	for _, m := range sc.metas {
		out = append(out, m)
	}
	return out
}

// resolve looks up a compiled script by sha1 digest or registered name.
func (sc *ScriptCache) resolve(shaOrName string) (*compiledScript, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sha := shaOrName
	if _, ok := sc.metas[shaOrName]; !ok {
		if s, ok := sc.byName[shaOrName]; ok {
			sha = s
		} else {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, shaOrName)
		}
	}
	cs, ok := sc.compiled[sha]
	if !ok {
		return nil, fmt.Errorf("%w: %s is known but not loaded in this process, re-register its source", ErrScriptNotFound, sha)
	}
	return cs, nil
}

// Rename re-points name from oldName to newName, leaving the sha1 and
// description unchanged.
func (sc *ScriptCache) Rename(oldName, newName string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sha, ok := sc.byName[oldName]
	if !ok {
		return fmt.Errorf("%w: no script named %q", ErrScriptNotFound, oldName)
	}
	delete(sc.byName, oldName)
	sc.byName[newName] = sha

	meta := sc.metas[sha]
	meta.Name = newName
	sc.metas[sha] = meta
	if cs, ok := sc.compiled[sha]; ok {
		cs.meta = meta
	}
	return sc.persistLocked()
}

// Remove forgets a script, by sha1 digest or name.
func (sc *ScriptCache) Remove(shaOrName string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sha := shaOrName
	if _, ok := sc.metas[shaOrName]; !ok {
		s, ok := sc.byName[shaOrName]
		if !ok {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, shaOrName)
		}
		sha = s
	}
	meta := sc.metas[sha]
	if meta.Name != "" {
		delete(sc.byName, meta.Name)
	}
	delete(sc.metas, sha)
	delete(sc.compiled, sha)
	return sc.persistLocked()
}

// persist rewrites the sidecar file with the current metadata set.
func (sc *ScriptCache) persist() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.persistLocked()
}

func (sc *ScriptCache) persistLocked() error {
	var buf bytes.Buffer
	for _, m := range sc.metas {
		fmt.Fprintf(&buf, "%s\t%s\t%s\n", m.SHA1, m.Name, m.Description)
	}
	if err := atomic.WriteFile(sc.sidecarPath, bytes.NewReader(buf.Bytes())); err != nil {
		return ioErr("write scripts sidecar", err)
	}
	return nil
}

// Close persists metadata one final time. Compiled bytecode is discarded;
// it is never written to disk.
func (sc *ScriptCache) Close() error {
	return sc.persist()
}
