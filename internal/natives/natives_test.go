package natives

import (
	"testing"

	"noxy/internal/gc"
	"noxy/internal/value"
)

// fakeVM is the minimal registrar the package needs: just enough to record
// what Register installs and invoke it the way the VM's OP_CALL would.
type fakeVM struct {
	fns map[string]value.NativeFunc
}

func newFakeVM() *fakeVM { return &fakeVM{fns: map[string]value.NativeFunc{}} }

func (f *fakeVM) DefineNative(name string, arity int, fn value.NativeFunc) {
	f.fns[name] = fn
}

func (f *fakeVM) call(t *testing.T, name string, args ...value.Value) value.Value {
	t.Helper()
	fn, ok := f.fns[name]
	if !ok {
		t.Fatalf("native %q was not registered", name)
	}
	return fn(args)
}

func isError(v value.Value) bool {
	_, ok := v.Obj.(*value.ErrorObj)
	return v.Kind == value.KObj && ok
}

func TestClockReturnsANumber(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	v := vm.call(t, "clock")
	if v.Kind != value.KNumber {
		t.Fatalf("clock() returned kind %v, want KNumber", v.Kind)
	}
	if v.Num <= 0 {
		t.Fatalf("clock() = %v, want a positive unix timestamp", v.Num)
	}
}

func TestUUIDProducesDistinctInternedStrings(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	a := vm.call(t, "uuid")
	b := vm.call(t, "uuid")

	as, ok := a.Obj.(*value.String)
	if !ok {
		t.Fatalf("uuid() did not return a string object")
	}
	bs := b.Obj.(*value.String)
	if as.Chars == bs.Chars {
		t.Fatalf("two calls to uuid() produced the same value")
	}
	if len(as.Chars) != 36 {
		t.Fatalf("uuid() = %q, want canonical 36-character form", as.Chars)
	}
}

func TestHumanizeBytes(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	v := vm.call(t, "humanize_bytes", value.NewNumber(2048))
	s, ok := v.Obj.(*value.String)
	if !ok {
		t.Fatalf("humanize_bytes(2048) did not return a string: %v", v)
	}
	if s.Chars != "2.0 kB" {
		t.Fatalf("humanize_bytes(2048) = %q, want %q", s.Chars, "2.0 kB")
	}
}

func TestHumanizeCount(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	v := vm.call(t, "humanize_count", value.NewNumber(1234567))
	s, ok := v.Obj.(*value.String)
	if !ok {
		t.Fatalf("humanize_count(1234567) did not return a string: %v", v)
	}
	if s.Chars != "1,234,567" {
		t.Fatalf("humanize_count(1234567) = %q, want %q", s.Chars, "1,234,567")
	}
}

func TestHumanizeBytesRejectsNonNumberArgument(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	v := vm.call(t, "humanize_bytes", value.NewObj(mgr.Intern("nope")))
	if !isError(v) {
		t.Fatalf("humanize_bytes(non-number) = %v, want an error value", v)
	}
}

func TestDBOpenExecQueryRoundTrip(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	handle := vm.call(t, "db_open", value.NewObj(mgr.Intern(":memory:")))
	if isError(handle) {
		t.Fatalf("db_open failed: %v", handle)
	}

	create := vm.call(t, "db_exec", handle, value.NewObj(mgr.Intern(
		"create table items (id integer, name text)")))
	if isError(create) {
		t.Fatalf("db_exec(create table) failed: %v", create)
	}

	insert := vm.call(t, "db_exec", handle, value.NewObj(mgr.Intern(
		"insert into items (id, name) values (1, 'first'), (2, 'second')")))
	if isError(insert) {
		t.Fatalf("db_exec(insert) failed: %v", insert)
	}

	result := vm.call(t, "db_query", handle, value.NewObj(mgr.Intern(
		"select id, name from items order by id")))
	if isError(result) {
		t.Fatalf("db_query failed: %v", result)
	}

	arr, ok := result.Obj.(*value.Array)
	if !ok {
		t.Fatalf("db_query did not return an array: %v", result)
	}
	if len(arr.Items) != 2 {
		t.Fatalf("db_query returned %d rows, want 2", len(arr.Items))
	}

	first, ok := arr.Items[0].Obj.(*value.Dict)
	if !ok {
		t.Fatalf("db_query row 0 is not a dict: %v", arr.Items[0])
	}
	name, ok := first.Map.Get(value.NewObj(mgr.Intern("name")))
	if !ok {
		t.Fatalf(`row 0 has no "name" column`)
	}
	nameStr, ok := name.Obj.(*value.String)
	if !ok || nameStr.Chars != "first" {
		t.Fatalf(`row 0 "name" = %v, want "first"`, name)
	}
}

func TestDBExecOnUnknownHandleIsAnError(t *testing.T) {
	mgr := gc.NewManager()
	vm := newFakeVM()
	Register(vm, mgr)

	v := vm.call(t, "db_exec", value.NewNumber(99), value.NewObj(mgr.Intern("select 1")))
	if !isError(v) {
		t.Fatalf("db_exec on an unopened handle should return an error value, got %v", v)
	}
}
