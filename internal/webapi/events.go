package webapi

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
)

// eventsJS defines Event, EventTarget, MessageEvent and ErrorEvent, and
// turns globalThis into an EventTarget. on<type> handler properties are
// honoured alongside listeners; an error handler returning true cancels
// the event.
const eventsJS = `
(function() {
class Event {
	constructor(type, init) {
		this.type = String(type);
		this.cancelable = !!(init && init.cancelable);
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = Date.now();
		this._stop = false;
	}
	preventDefault() { if (this.cancelable) this.defaultPrevented = true; }
	stopImmediatePropagation() { this._stop = true; }
	stopPropagation() {}
}

class EventTarget {
	constructor() {
		Object.defineProperty(this, '_listeners', { value: {}, writable: true });
	}
	addEventListener(type, callback, options) {
		if (typeof callback !== 'function' && !(callback && typeof callback.handleEvent === 'function')) return;
		var list = this._listeners[type] || (this._listeners[type] = []);
		for (var i = 0; i < list.length; i++) {
			if (list[i].callback === callback) return;
		}
		list.push({ callback: callback, once: !!(options && options.once) });
	}
	removeEventListener(type, callback) {
		var list = this._listeners[type];
		if (!list) return;
		this._listeners[type] = list.filter(function(l) { return l.callback !== callback; });
	}
	hasListeners(type) {
		var list = this._listeners[type];
		return (list && list.length > 0) || typeof this['on' + type] === 'function';
	}
	dispatchEvent(event) {
		event.target = this;
		event.currentTarget = this;
		var handler = this['on' + event.type];
		if (typeof handler === 'function') {
			var ret = handler.call(this, event);
			if (event.type === 'error' && ret === true) event.preventDefault();
		}
		var list = this._listeners[event.type];
		if (list) {
			var copy = list.slice();
			for (var i = 0; i < copy.length && !event._stop; i++) {
				var entry = copy[i];
				if (entry.once) this.removeEventListener(event.type, entry.callback);
				if (typeof entry.callback === 'function') entry.callback.call(this, event);
				else entry.callback.handleEvent(event);
			}
		}
		return !event.defaultPrevented;
	}
}

class MessageEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.data = init && init.data !== undefined ? init.data : null;
		this.ports = (init && init.ports) || [];
		this.origin = '';
		this.lastEventId = '';
	}
}

class ErrorEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.error = init && init.error !== undefined ? init.error : null;
		this.message = (init && init.message) || '';
		this.filename = (init && init.filename) || '';
		this.lineno = (init && init.lineno) || 0;
		this.colno = (init && init.colno) || 0;
	}
}

globalThis.Event = Event;
globalThis.EventTarget = EventTarget;
globalThis.MessageEvent = MessageEvent;
globalThis.ErrorEvent = ErrorEvent;

var scope = new EventTarget();
Object.defineProperty(globalThis, '_listeners', { value: scope._listeners, writable: true });
var proto = EventTarget.prototype;
globalThis.addEventListener = proto.addEventListener.bind(globalThis);
globalThis.removeEventListener = proto.removeEventListener.bind(globalThis);
globalThis.dispatchEvent = proto.dispatchEvent.bind(globalThis);
globalThis.__hasListeners = proto.hasListeners.bind(globalThis);
})();
`

// SetupEvents installs the event classes and makes globalThis an event target.
func SetupEvents(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(eventsJS)
}
