package webapi

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
)

var errLatin1 = errors.New("string contains characters outside of the Latin1 range")

// globalsJS adds the smaller worker globals on top of events and timers:
// DOMException, CustomEvent, AbortController/AbortSignal, structuredClone,
// atob/btoa and scheduler.
const globalsJS = `
(function() {
class DOMException extends Error {
	constructor(message, name) {
		super(message === undefined ? '' : String(message));
		this.name = name === undefined ? 'Error' : String(name);
	}
}

class CustomEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.detail = init && init.detail !== undefined ? init.detail : null;
	}
}

function fire(signal, reason) {
	if (signal.aborted) return;
	signal.aborted = true;
	signal.reason = reason;
	__workerGuard(signal.dispatchEvent, signal, [new Event('abort')]);
}

class AbortSignal extends EventTarget {
	constructor() {
		super();
		this.aborted = false;
		this.reason = undefined;
		this.onabort = null;
	}
	throwIfAborted() {
		if (this.aborted) throw this.reason;
	}
	static abort(reason) {
		var s = new AbortSignal();
		fire(s, reason !== undefined ? reason : new DOMException('signal is aborted without reason', 'AbortError'));
		return s;
	}
	static timeout(ms) {
		var s = new AbortSignal();
		setTimeout(function() { fire(s, new DOMException('signal timed out', 'TimeoutError')); }, ms);
		return s;
	}
	static any(signals) {
		var s = new AbortSignal();
		for (var i = 0; i < signals.length; i++) {
			if (signals[i].aborted) {
				fire(s, signals[i].reason);
				return s;
			}
		}
		signals.forEach(function(src) {
			src.addEventListener('abort', function() { fire(s, src.reason); });
		});
		return s;
	}
}

class AbortController {
	constructor() { this.signal = new AbortSignal(); }
	abort(reason) {
		fire(this.signal, reason !== undefined ? reason : new DOMException('signal is aborted without reason', 'AbortError'));
	}
}

globalThis.DOMException = DOMException;
globalThis.CustomEvent = CustomEvent;
globalThis.AbortSignal = AbortSignal;
globalThis.AbortController = AbortController;

// structuredClone round-trips through JSON, the same encoding postMessage uses.
globalThis.structuredClone = function(value) {
	if (typeof value === 'function' || typeof value === 'symbol') {
		throw new DOMException('value could not be cloned', 'DataCloneError');
	}
	var s;
	try { s = JSON.stringify(value); } catch (e) {
		throw new DOMException('value could not be cloned: ' + e.message, 'DataCloneError');
	}
	return s === undefined ? undefined : JSON.parse(s);
};

function base64(fn, name) {
	return function(data) {
		if (arguments.length < 1) throw new TypeError(name + ' requires 1 argument');
		try { return fn(String(data)); } catch (e) {
			throw new DOMException(name + ': ' + String(e.message).replace(/^calling [^:]+: /, ''), 'InvalidCharacterError');
		}
	};
}
globalThis.btoa = base64(__workerBtoa, 'btoa');
globalThis.atob = base64(__workerAtob, 'atob');

globalThis.scheduler = {
	wait: function(ms) {
		return new Promise(function(resolve) { setTimeout(resolve, ms || 0); });
	},
	postTask: function(callback, options) {
		var signal = options && options.signal;
		return new Promise(function(resolve, reject) {
			if (signal && signal.aborted) {
				reject(signal.reason);
				return;
			}
			var id = setTimeout(function() {
				try { resolve(callback()); } catch (e) { reject(e); }
			}, (options && options.delay) || 0);
			if (signal) {
				signal.addEventListener('abort', function() {
					clearTimeout(id);
					reject(signal.reason);
				});
			}
		});
	},
};
})();
`

// btoa encodes a Latin1 string. JS strings arrive as UTF-8, so each rune
// must fit in one byte.
func btoa(s string) (string, error) {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return "", errLatin1
		}
		buf = append(buf, byte(r))
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// atob decodes forgiving base64 into a Latin1 string.
func atob(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", errors.New("invalid base64 string")
	}
	var b strings.Builder
	for _, c := range raw {
		b.WriteRune(rune(c))
	}
	return b.String(), nil
}

// SetupGlobals installs the remaining worker globals. Requires SetupEvents,
// SetupErrors and SetupTimers.
func SetupGlobals(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__workerBtoa", btoa); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__workerAtob", atob); err != nil {
		return err
	}
	return rt.Eval(globalsJS)
}
