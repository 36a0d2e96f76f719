package kvdb

import (
	lua "github.com/yuin/gopher-lua"
)

// ScriptRegister compiles source and returns its sha1 digest, registering
// it under the given optional name and description.
func (e *Engine) ScriptRegister(source, name, description string) (string, error) {
	return e.scripts.Register(source, name, description)
}

// ScriptList returns the metadata for every known script.
func (e *Engine) ScriptList() []ScriptMeta {
	return e.scripts.List()
}

// ScriptRename re-points a script's name.
func (e *Engine) ScriptRename(oldName, newName string) error {
	return e.scripts.Rename(oldName, newName)
}

// ScriptRemove forgets a script by sha1 digest or name.
func (e *Engine) ScriptRemove(shaOrName string) error {
	return e.scripts.Remove(shaOrName)
}

// ScriptRun executes the script identified by sha1 digest or name to
// completion, with KEYS and ARGV bound as 1-indexed Lua tables, and GET,
// SET, DEL exposed as host functions operating on this engine.
//
// The whole run holds the engine's writer lock (§5, §4.9): no other
// mutator can interleave, so from any other caller's perspective the
// script's writes all appear to happen atomically between the call's
// start and return (P8). Per §4.9, SET/DEL calls made by the script are
// batched and applied through the ordinary write path in a single WAL
// flush when the script returns, rather than one flush per call — an
// optimization, not a separate durability contract.
func (e *Engine) ScriptRun(shaOrName string, keys []string, argv []string) (lua.LValue, error) {
	if e.closed.Load() {
		return lua.LNil, ErrClosed
	}
	cs, err := e.scripts.resolve(shaOrName)
	if err != nil {
		return lua.LNil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	run := &scriptRun{eng: e}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	keysTable := L.NewTable()
	for i, k := range keys {
		keysTable.RawSetInt(i+1, lua.LString(k))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, a := range argv {
		argvTable.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("ARGV", argvTable)

	L.SetGlobal("GET", L.NewFunction(run.luaGet))
	L.SetGlobal("SET", L.NewFunction(run.luaSet))
	L.SetGlobal("DEL", L.NewFunction(run.luaDel))

	lfunc := L.NewFunctionFromProto(cs.proto)
	L.Push(lfunc)
	if err := L.PCall(0, 1, nil); err != nil {
		return lua.LNil, &ScriptRuntimeError{SHA1: cs.meta.SHA1, Err: err}
	}

	if len(run.pending) > 0 {
		if err := e.writeBatchLocked(run.pending); err != nil {
			return lua.LNil, &ScriptRuntimeError{SHA1: cs.meta.SHA1, Err: err}
		}
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// scriptRun holds the state of one in-flight script execution: the
// engine it runs against and the writes it has staged so far. Writes are
// held in pending and only applied (via writeBatchLocked) once the script
// returns without error, so a script that errors out partway through
// never leaves a partial effect (mirrors Batch's all-or-nothing contract,
// extended to script bodies).
type scriptRun struct {
	eng     *Engine
	pending []writeOp
}

// luaGet implements the GET(key) host function. It observes pending
// writes made earlier in the same script before falling back to the
// committed state, so a script that SETs then GETs the same key within
// one run sees its own write.
func (r *scriptRun) luaGet(L *lua.LState) int {
	key := L.CheckString(1)

	for i := len(r.pending) - 1; i >= 0; i-- {
		op := r.pending[i]
		if op.key != key {
			continue
		}
		if op.del {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(op.value))
		return 1
	}

	value, err := r.eng.Get(key)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(value))
	return 1
}

// luaSet implements the SET(key, value) host function.
func (r *scriptRun) luaSet(L *lua.LState) int {
	key := L.CheckString(1)
	value := L.CheckString(2)

	if err := validateKey(key); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	if err := r.eng.serializer.Validate([]byte(value)); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	r.pending = append(r.pending, writeOp{key: key, value: []byte(value)})
	L.Push(lua.LBool(true))
	return 1
}

// luaDel implements the DEL(key) host function.
func (r *scriptRun) luaDel(L *lua.LState) int {
	key := L.CheckString(1)
	if err := validateKey(key); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	r.pending = append(r.pending, writeOp{key: key, del: true})
	L.Push(lua.LBool(true))
	return 1
}
