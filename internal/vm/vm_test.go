package vm

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"noxy/internal/chunk"
	"noxy/internal/compiler"
	"noxy/internal/gc"
	"noxy/internal/value"
)

// runProgram compiles and interprets src against a fresh VM, returning
// whatever it printed and any runtime error.
func runProgram(t *testing.T, src string, stress bool) (string, error) {
	t.Helper()
	mgr := gc.NewManager()
	mgr.SetStressMode(stress)
	c := compiler.New(src, mgr)
	fn, err := c.Compile()
	if err != nil {
		t.Fatalf("compile(%q): unexpected error: %v", src, err)
	}
	var buf bytes.Buffer
	machine := New(mgr, &buf)
	_, runErr := machine.Interpret(fn)
	return buf.String(), runErr
}

// The six end-to-end scenarios spec.md §8 names verbatim.

func TestArithmeticPrecedence(t *testing.T) {
	out, err := runProgram(t, `print 1 + 2 * 3;`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "7\n" {
		t.Fatalf("output = %q, want %q", out, "7\n")
	}
}

func TestStringInterningEquality(t *testing.T) {
	out, err := runProgram(t, `let a = "foo"; let b = "foo"; print a == b;`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "true\n" {
		t.Fatalf("output = %q, want %q", out, "true\n")
	}
}

func TestClosureCapturesPersistAcrossCalls(t *testing.T) {
	src := `
		fn make() {
			let x = 0;
			fn inc() {
				x = x + 1;
				return x;
			}
			return inc;
		}
		let f = make();
		print f();
		print f();
		print f();
	`
	out, err := runProgram(t, src, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "1\n2\n3\n" {
		t.Fatalf("output = %q, want %q", out, "1\n2\n3\n")
	}
}

func TestDivisionByZeroIsARuntimeError(t *testing.T) {
	_, err := runProgram(t, `print 1 / 0;`, false)
	if err == nil {
		t.Fatalf("expected a runtime error for division by zero")
	}
	if !strings.Contains(err.Error(), "zero") {
		t.Fatalf("error %q should mention division by zero", err.Error())
	}
	if !strings.Contains(err.Error(), "runtime error") {
		t.Fatalf("error %q should use spec.md §7's runtime-error format", err.Error())
	}
}

func TestWhileLoop(t *testing.T) {
	out, err := runProgram(t, `let i = 0; while (i < 3) { print i; i = i + 1; }`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "0\n1\n2\n" {
		t.Fatalf("output = %q, want %q", out, "0\n1\n2\n")
	}
}

func TestArrayIndexMutation(t *testing.T) {
	out, err := runProgram(t, `let a = [10, 20, 30]; a[1] = 99; print a[1];`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "99\n" {
		t.Fatalf("output = %q, want %q", out, "99\n")
	}
}

// Additional properties from spec.md §8.

func TestArityMismatchIsARuntimeErrorAndLeavesVMReusable(t *testing.T) {
	mgr := gc.NewManager()
	var buf bytes.Buffer
	machine := New(mgr, &buf)
	run := func(src string) error {
		fn, err := compiler.New(src, mgr).Compile()
		if err != nil {
			t.Fatalf("compile(%q): unexpected error: %v", src, err)
		}
		_, runErr := machine.Interpret(fn)
		return runErr
	}

	err := run(`fn needs_two(a, b) { return a + b; } needs_two(1);`)
	if err == nil {
		t.Fatalf("expected a runtime error for a wrong argument count")
	}
	if !strings.Contains(err.Error(), "arguments") {
		t.Fatalf("error %q should mention the arity mismatch", err.Error())
	}

	// The same VM must run the next program cleanly: the failed call above
	// must not have left stale frames or stack slots behind.
	err = run(`print 1 + 1;`)
	if err != nil || buf.String() != "2\n" {
		t.Fatalf("VM should remain usable after an arity error: out=%q err=%v", buf.String(), err)
	}
}

func TestUndefinedGlobalGetIsARuntimeError(t *testing.T) {
	_, err := runProgram(t, `print undefined_name;`, false)
	if err == nil {
		t.Fatalf("expected a runtime error reading an undefined global")
	}
}

func TestGlobalSetOnUndefinedNameDoesNotMutateGlobals(t *testing.T) {
	mgr := gc.NewManager()
	machine := New(mgr, io.Discard)

	c := chunk.New()
	name := mgr.Intern("missing")
	idx := c.AddConstant(value.NewObj(name))

	if err := machine.setGlobal(c, idx, 0); err == nil {
		t.Fatalf("setGlobal on an undefined name should error")
	}
	if _, ok := machine.globals.Get(value.NewObj(name)); ok {
		t.Fatalf("globals map should not contain %q after a failed OP_GLOBAL_SET", "missing")
	}
}

func TestAssignmentExpressionsLeaveValueOnStack(t *testing.T) {
	// spec.md §9's open question: OP_GLOBAL_SET (and LOCAL/UPVALUE/INDEXING
	// set) are expressions, so the assigned value is usable directly.
	out, err := runProgram(t, `let a = 1; print (a = 5) + 1;`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "6\n" {
		t.Fatalf("output = %q, want %q", out, "6\n")
	}
}

func TestGCStressModeProducesSameOutputAsNormal(t *testing.T) {
	src := `
		fn build(n) {
			let acc = [];
			let i = 0;
			while (i < n) {
				acc = [acc, i];
				i = i + 1;
			}
			return acc;
		}
		let r = build(50);
		print r[1];
	`
	normalOut, normalErr := runProgram(t, src, false)
	stressOut, stressErr := runProgram(t, src, true)

	if normalErr != nil || stressErr != nil {
		t.Fatalf("unexpected errors: normal=%v stress=%v", normalErr, stressErr)
	}
	if normalOut != stressOut {
		t.Fatalf("stress-mode GC changed observable output: normal=%q stress=%q", normalOut, stressOut)
	}
}

func TestDictLiteralAndIndexing(t *testing.T) {
	out, err := runProgram(t, `let d = {"a": 1, "b": 2}; print d["b"];`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "2\n" {
		t.Fatalf("output = %q, want %q", out, "2\n")
	}
}

func TestOutOfRangeArrayReadReturnsErrorValueNotAbort(t *testing.T) {
	// An out-of-range read is a recoverable domain outcome (an ErrorObj),
	// not a hard runtime abort — see internal/vm/ops.go's indexGet.
	out, err := runProgram(t, `let a = [1, 2]; print a[5];`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if !strings.HasPrefix(out, "error:") {
		t.Fatalf("output = %q, want an error value string", out)
	}
}

func TestOutOfRangeArrayWriteIsARuntimeError(t *testing.T) {
	_, err := runProgram(t, `let a = [1, 2]; a[5] = 1;`, false)
	if err == nil {
		t.Fatalf("expected a runtime error for an out-of-range array write")
	}
}

func TestConcatenation(t *testing.T) {
	out, err := runProgram(t, `print "foo" .. "bar";`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "foobar\n" {
		t.Fatalf("output = %q, want %q", out, "foobar\n")
	}
}

func TestXorAndShortCircuitLogic(t *testing.T) {
	out, err := runProgram(t, `print true xor false; print false and (1 / 0 == 0);`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error (and's short circuit should have skipped the division): %v", err)
	}
	if out != "true\nfalse\n" {
		t.Fatalf("output = %q, want %q", out, "true\nfalse\n")
	}
}

func TestRecursionUpToFramesMaxOverflows(t *testing.T) {
	_, err := runProgram(t, `
		fn loop() {
			return loop();
		}
		loop();
	`, false)
	if err == nil {
		t.Fatalf("expected a stack-overflow runtime error for unbounded recursion")
	}
	if !strings.Contains(err.Error(), "overflow") {
		t.Fatalf("error %q should mention stack overflow", err.Error())
	}
}

func TestStringIndexingReturnsSingleCharString(t *testing.T) {
	out, err := runProgram(t, `print "abc"[0]; print "abc"[2];`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if out != "a\nc\n" {
		t.Fatalf("output = %q, want %q", out, "a\nc\n")
	}
}

func TestOutOfRangeStringReadReturnsErrorValueNotAbort(t *testing.T) {
	out, err := runProgram(t, `let e = "abc"[9]; print e;`, false)
	if err != nil {
		t.Fatalf("unexpected runtime error: %v", err)
	}
	if !strings.Contains(out, "index out of range") {
		t.Fatalf("output = %q, want it to mention the out-of-range error", out)
	}
}

// Mirrors cmd/noxy's REPL, which interprets successive lines against one
// shared VM: a runtime error on one line must not corrupt the next.
func TestVMIsReusableAfterRuntimeErrorAcrossSeparateInterpretCalls(t *testing.T) {
	mgr := gc.NewManager()
	var buf bytes.Buffer
	machine := New(mgr, &buf)

	compileAndRun := func(src string) error {
		c := compiler.New(src, mgr)
		fn, err := c.Compile()
		if err != nil {
			t.Fatalf("compile(%q): unexpected error: %v", src, err)
		}
		_, runErr := machine.Interpret(fn)
		return runErr
	}

	if err := compileAndRun(`print 1 / 0;`); err == nil {
		t.Fatalf("expected a runtime error from division by zero")
	}

	if err := compileAndRun(`print 2 + 2;`); err != nil {
		t.Fatalf("VM should remain usable after a runtime error on a prior line: %v", err)
	}
	if buf.String() != "4\n" {
		t.Fatalf("output = %q, want %q", buf.String(), "4\n")
	}
}
