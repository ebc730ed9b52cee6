package webapi

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
)

// ErrorSink receives exceptions that escaped every script-level handler.
type ErrorSink interface {
	ReportError(err *core.ScriptError)
}

// errorsJS routes exceptions from callbacks (timers, message handlers,
// microtasks) to the worker's error event and, when nothing cancels it,
// to Go. An exception thrown by an error handler replaces the original.
const errorsJS = `
(function() {
var reporting = false;

function describe(e) {
	if (e !== null && typeof e === 'object' && 'message' in e) {
		return {
			name: e.name === undefined ? '' : String(e.name),
			message: String(e.message),
			stack: e.stack === undefined ? '' : String(e.stack),
		};
	}
	var text;
	try { text = String(e); } catch (_) { text = 'exception'; }
	return { name: '', message: text, stack: '' };
}

globalThis.__workerUncaught = function(e) {
	var d = describe(e);
	if (!reporting) {
		reporting = true;
		try {
			var ev = new ErrorEvent('error', { error: e, message: d.message, cancelable: true });
			if (!globalThis.dispatchEvent(ev)) return;
		} catch (inner) {
			d = describe(inner);
		} finally {
			reporting = false;
		}
	}
	__workerReportError(d.name, d.message, d.stack);
};

globalThis.__workerGuard = function(fn, self, args) {
	try {
		return fn.apply(self, args || []);
	} catch (e) {
		__workerUncaught(e);
	}
};

globalThis.reportError = function(e) {
	__workerUncaught(e);
};

globalThis.queueMicrotask = function(fn) {
	if (typeof fn !== 'function') throw new TypeError('queueMicrotask: argument is not a function');
	Promise.resolve().then(function() { __workerGuard(fn, globalThis, []); });
};
})();
`

// SetupErrors installs reportError, queueMicrotask and the callback guard.
// Requires SetupEvents.
func SetupErrors(sink ErrorSink) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__workerReportError", func(name, message, stack string) {
			sink.ReportError(core.NewScriptError(name, message, stack))
		}); err != nil {
			return err
		}
		return rt.Eval(errorsJS)
	}
}
