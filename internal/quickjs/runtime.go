//go:build !v8

package quickjs

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"modernc.org/quickjs"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/stacktrace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// internalFile names frames that belong to runtime glue.
const internalFile = "ext:webworker/eval.js"

// qjsRuntime implements core.JSRuntime for the QuickJS engine.
type qjsRuntime struct {
	vm *quickjs.VM

	// File names QuickJS gives to code run through vm.Eval and through
	// indirect eval; discovered once by probeFileNames.
	hostFile string
	evalFile string

	scriptName string
}

var _ core.JSRuntime = (*qjsRuntime)(nil)

func newRuntime(vm *quickjs.VM) (*qjsRuntime, error) {
	r := &qjsRuntime{vm: vm}
	if err := r.probeFileNames(); err != nil {
		return nil, err
	}
	return r, nil
}

const probeJS = `(function() { try { throw new Error('probe'); } catch (e) { return String(e.stack); } })()`

func (r *qjsRuntime) probeFileNames() error {
	host, err := r.EvalString(probeJS)
	if err != nil {
		return fmt.Errorf("probing eval file name: %w", err)
	}
	viaEval, err := r.EvalString(fmt.Sprintf("(0, eval)(%q)", probeJS))
	if err != nil {
		return fmt.Errorf("probing indirect eval file name: %w", err)
	}
	r.hostFile = firstFile(host)
	r.evalFile = firstFile(viaEval)
	return nil
}

func firstFile(stack string) string {
	for _, f := range stacktrace.Parse(stack) {
		if f.File != "" {
			return f.File
		}
	}
	return ""
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// runScriptJS runs __scriptSource as a global script and reports an
// uncaught exception as JSON instead of throwing. Interrupts are
// uncatchable and surface as an Eval error.
const runScriptJS = `(function() {
	var src = globalThis.__scriptSource;
	delete globalThis.__scriptSource;
	try {
		(0, eval)(src);
		return '';
	} catch (e) {
		if (e !== null && typeof e === 'object' && 'message' in e) {
			return JSON.stringify({
				name: e.name === undefined ? '' : String(e.name),
				message: String(e.message),
				stack: e.stack === undefined ? '' : String(e.stack),
			});
		}
		var text;
		try { text = String(e); } catch (_) { text = 'exception'; }
		return JSON.stringify({ name: '', message: text, stack: '' });
	}
})()`

type thrown struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// RunScript evaluates code as a classic script attributed to name.
func (r *qjsRuntime) RunScript(name, code string) error {
	if err := r.SetGlobal("__scriptSource", code); err != nil {
		return fmt.Errorf("staging script %s: %w", name, err)
	}
	r.scriptName = name
	out, err := r.EvalString(runScriptJS)
	if err != nil {
		return err
	}
	if out == "" {
		return nil
	}
	var t thrown
	if err := json.UnmarshalFromString(out, &t); err != nil {
		return fmt.Errorf("decoding exception from %s: %w", name, err)
	}
	return core.NewScriptError(t.Name, t.Message, r.NormalizeStack(t.Stack))
}

// NormalizeStack rewrites engine file names in stack: code from the last
// RunScript gets its script name and glue code gets internalFile.
func (r *qjsRuntime) NormalizeStack(stack string) string {
	if stack == "" {
		return stack
	}
	if r.evalFile != "" && r.scriptName != "" {
		stack = renameFile(stack, r.evalFile, r.scriptName)
	}
	if r.hostFile != "" && r.hostFile != r.evalFile {
		stack = renameFile(stack, r.hostFile, internalFile)
	}
	return stack
}

func renameFile(stack, from, to string) string {
	stack = strings.ReplaceAll(stack, "("+from+":", "("+to+":")
	return strings.ReplaceAll(stack, "("+from+")", "("+to+")")
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are automatically unwrapped: on success
// returns T, on error throws a TypeError. This is necessary because the
// QuickJS Go wrapper returns multi-value results as JS arrays.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object.
func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS microtask queue.
func (r *qjsRuntime) RunMicrotasks() {
	executePendingJobs(r.vm)
}
