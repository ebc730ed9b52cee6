package webapi

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// consoleJS builds globalThis.console on top of the Go-backed __console.
const consoleJS = `
(function() {
	function show(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.stack ? String(arg.stack) : String(arg);
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return String(arg); }
		}
		return String(arg);
	}
	var con = {};
	['log', 'info', 'warn', 'error', 'debug', 'trace'].forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var i = 0; i < arguments.length; i++) parts.push(show(arguments[i]));
			__console(lvl, parts.join(' '));
		};
	});
	var counters = {};
	con.count = function(label) {
		var l = label === undefined ? 'default' : String(label);
		counters[l] = (counters[l] || 0) + 1;
		con.info(l + ': ' + counters[l]);
	};
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	con.dir = function(obj) { con.log(obj); };
	globalThis.console = con;
})();
`

// consoleLevel maps a console method to the zap level it logs at.
func consoleLevel(method string) zapcore.Level {
	switch method {
	case "error":
		return zapcore.ErrorLevel
	case "warn":
		return zapcore.WarnLevel
	case "debug", "trace":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetupConsole forwards console output to logger.
func SetupConsole(logger *zap.Logger) SetupFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(level, message string) {
			if ce := logger.Check(consoleLevel(level), message); ce != nil {
				ce.Write(zap.String("source", "console"), zap.String("method", level))
			}
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}
