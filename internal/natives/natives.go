// Package natives is the domain-stack native-function surface: spec.md
// carves "the set of built-in native functions" out of the compiler/VM
// core as an external collaborator, and this package is where the pack's
// third-party dependencies get wired into that seam, registered into the
// VM's globals through the same NativeFunc ABI any embedder would use.
package natives

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"noxy/internal/gc"
	"noxy/internal/value"
)

// registrar is the minimal surface natives needs from the VM: defining a
// global native function. internal/vm.VM satisfies this directly.
type registrar interface {
	DefineNative(name string, arity int, fn value.NativeFunc)
}

// Register installs every native function into vm's globals, allocating
// through mgr so native-produced values (strings, arrays, dicts, errors)
// are ordinary GC-managed objects like anything the compiled program
// itself creates.
func Register(vm registrar, mgr *gc.Manager) {
	dbs := newDBTable()

	vm.DefineNative("clock", 0, func(args []value.Value) value.Value {
		return value.NewNumber(float64(time.Now().UnixNano()) / 1e9)
	})

	vm.DefineNative("uuid", 0, func(args []value.Value) value.Value {
		return value.NewObj(mgr.Intern(uuid.NewString()))
	})

	vm.DefineNative("humanize_bytes", 1, func(args []value.Value) value.Value {
		n, ok := asNumber(args[0])
		if !ok {
			return mgr.NewError("humanize_bytes: argument must be a number")
		}
		return value.NewObj(mgr.Intern(humanize.Bytes(uint64(n))))
	})

	vm.DefineNative("humanize_count", 1, func(args []value.Value) value.Value {
		n, ok := asNumber(args[0])
		if !ok {
			return mgr.NewError("humanize_count: argument must be a number")
		}
		return value.NewObj(mgr.Intern(humanize.Comma(int64(n))))
	})

	vm.DefineNative("db_open", 1, func(args []value.Value) value.Value {
		path, ok := asString(args[0])
		if !ok {
			return mgr.NewError("db_open: argument must be a string")
		}
		handle, err := dbs.open(path)
		if err != nil {
			return mgr.NewError("db_open: " + err.Error())
		}
		return value.NewNumber(float64(handle))
	})

	vm.DefineNative("db_exec", 2, func(args []value.Value) value.Value {
		handle, ok := asNumber(args[0])
		query, ok2 := asString(args[1])
		if !ok || !ok2 {
			return mgr.NewError("db_exec: expected (handle, sql)")
		}
		if err := dbs.exec(int(handle), query); err != nil {
			return mgr.NewError("db_exec: " + err.Error())
		}
		return value.Nihl()
	})

	vm.DefineNative("db_query", 2, func(args []value.Value) value.Value {
		handle, ok := asNumber(args[0])
		query, ok2 := asString(args[1])
		if !ok || !ok2 {
			return mgr.NewError("db_query: expected (handle, sql)")
		}
		rows, err := dbs.query(int(handle), query, mgr)
		if err != nil {
			return mgr.NewError("db_query: " + err.Error())
		}
		return value.NewObj(rows)
	})
}

func asNumber(v value.Value) (float64, bool) {
	if v.Kind != value.KNumber {
		return 0, false
	}
	return v.Num, true
}

func asString(v value.Value) (string, bool) {
	if v.Kind != value.KObj {
		return "", false
	}
	s, ok := v.Obj.(*value.String)
	if !ok {
		return "", false
	}
	return s.Chars, true
}

// dbTable hands out small integer handles for *sql.DB instances, since the
// language's value model has no notion of an opaque foreign pointer.
type dbTable struct {
	conns []*sql.DB
}

func newDBTable() *dbTable { return &dbTable{} }

func (t *dbTable) open(path string) (int, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, err
	}
	if err := db.Ping(); err != nil {
		return 0, err
	}
	t.conns = append(t.conns, db)
	return len(t.conns) - 1, nil
}

func (t *dbTable) get(handle int) (*sql.DB, error) {
	if handle < 0 || handle >= len(t.conns) || t.conns[handle] == nil {
		return nil, fmt.Errorf("invalid database handle %d", handle)
	}
	return t.conns[handle], nil
}

func (t *dbTable) exec(handle int, query string) error {
	db, err := t.get(handle)
	if err != nil {
		return err
	}
	_, err = db.Exec(query)
	return err
}

// query runs a SELECT and marshals the result into the language's own
// Array-of-Dict value shape, exercising gc.Manager.NewArray/NewDict from
// native code exactly as the VM's OP_ARRAY/OP_DICT handlers do.
func (t *dbTable) query(handle int, query string, mgr *gc.Manager) (*value.Array, error) {
	db, err := t.get(handle)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []value.Value
	for rows.Next() {
		scanTargets := make([]interface{}, len(cols))
		scanVals := make([]interface{}, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &scanVals[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		pairs := make([]value.Value, 0, 2*len(cols))
		for i, col := range cols {
			pairs = append(pairs, value.NewObj(mgr.Intern(col)))
			pairs = append(pairs, columnToValue(scanVals[i], mgr))
		}
		out = append(out, value.NewObj(mgr.NewDict(pairs)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mgr.NewArray(out), nil
}

func columnToValue(col interface{}, mgr *gc.Manager) value.Value {
	switch v := col.(type) {
	case nil:
		return value.Nihl()
	case int64:
		return value.NewNumber(float64(v))
	case float64:
		return value.NewNumber(v)
	case bool:
		return value.NewBool(v)
	case string:
		return value.NewObj(mgr.Intern(v))
	case []byte:
		return value.NewObj(mgr.Intern(string(v)))
	default:
		return value.NewObj(mgr.Intern(fmt.Sprintf("%v", v)))
	}
}
