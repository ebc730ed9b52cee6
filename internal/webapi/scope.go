package webapi

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ScopeHost is the Go side of the worker global scope. Port id 0 is the
// worker's own port; other ids name transferred MessagePorts.
type ScopeHost interface {
	PostMessage(portID int, data string, transfer []int) error
	ClosePort(portID int)
	Close()
}

// BootstrapInfo is what __workerBootstrap binds into the global scope.
type BootstrapInfo struct {
	ID         uint32 `json:"id"`
	IDString   string `json:"idString"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	HasPayload bool   `json:"hasPayload"`
	Payload    string `json:"payload"`
	Ports      []int  `json:"ports"`
}

// Marshal encodes the info for __workerBootstrap.
func (b BootstrapInfo) Marshal() (string, error) {
	if b.Ports == nil {
		b.Ports = []int{}
	}
	out, err := json.MarshalToString(b)
	if err != nil {
		return "", fmt.Errorf("encoding bootstrap info: %w", err)
	}
	return out, nil
}

// scopeJS implements self, name, postMessage, onmessage, close and
// MessagePort. Payloads cross the boundary as JSON text.
const scopeJS = `
(function() {
var ports = {};

function encode(data) {
	var s = JSON.stringify(data);
	return s === undefined ? 'null' : s;
}

function decode(raw) {
	try { return JSON.parse(raw); } catch (e) { return raw; }
}

class MessagePort extends EventTarget {
	constructor(id) {
		super();
		Object.defineProperty(this, '__id', { value: id });
		this.onmessage = null;
	}
	postMessage(data, transfer) {
		if (ports[this.__id] !== this) throw new TypeError('MessagePort is closed');
		__workerPostMessage(this.__id, encode(data), transferIDs(transfer));
	}
	start() {}
	close() {
		if (ports[this.__id] !== this) return;
		delete ports[this.__id];
		__workerClosePort(this.__id);
	}
}

function portFor(id) {
	var p = new MessagePort(id);
	ports[id] = p;
	return p;
}

function transferIDs(transfer) {
	if (transfer && !Array.isArray(transfer) && Array.isArray(transfer.transfer)) transfer = transfer.transfer;
	var ids = [];
	if (Array.isArray(transfer)) {
		for (var i = 0; i < transfer.length; i++) {
			var p = transfer[i];
			if (p instanceof MessagePort && ports[p.__id] === p) {
				ids.push(p.__id);
				delete ports[p.__id];
			}
		}
	}
	return JSON.stringify(ids);
}

globalThis.MessagePort = MessagePort;
globalThis.self = globalThis;
globalThis.onmessage = null;
globalThis.onerror = null;

globalThis.postMessage = function(data, transfer) {
	__workerPostMessage(0, encode(data), transferIDs(transfer));
};

globalThis.close = function() {
	__workerClose();
};

globalThis.__workerBootstrap = function() {
	var info = JSON.parse(globalThis.__workerBootstrapInfo);
	delete globalThis.__workerBootstrapInfo;
	delete globalThis.__workerBootstrap;
	globalThis.name = info.name;
	Object.defineProperty(globalThis, 'workerKind', { value: info.kind, enumerable: true });
	Object.defineProperty(globalThis, '__workerId', { value: info.idString });
	if (info.hasPayload) globalThis.workerData = decode(info.payload);
	globalThis.workerPorts = info.ports.map(portFor);
};

globalThis.__workerDispatch = function(portID, newPorts) {
	var raw = globalThis.__workerInbound;
	delete globalThis.__workerInbound;
	var target = portID === 0 ? globalThis : ports[portID];
	if (!target) return;
	var ev = new MessageEvent('message', { data: decode(raw), ports: JSON.parse(newPorts).map(portFor) });
	__workerGuard(target.dispatchEvent, target, [ev]);
};

globalThis.__workerHasMessageListener = function() {
	return globalThis.__hasListeners('message');
};
})();
`

// SetupWorkerScope installs the worker global scope backed by host.
// Requires SetupEvents and SetupErrors.
func SetupWorkerScope(host ScopeHost) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__workerPostMessage", func(portID int, data, transfer string) (int, error) {
			var ids []int
			if err := json.UnmarshalFromString(transfer, &ids); err != nil {
				return 0, fmt.Errorf("decoding transfer list: %w", err)
			}
			if err := host.PostMessage(portID, data, ids); err != nil {
				return 0, err
			}
			return len(ids), nil
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__workerClosePort", func(portID int) {
			host.ClosePort(portID)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__workerClose", func() {
			host.Close()
		}); err != nil {
			return err
		}
		return rt.Eval(scopeJS)
	}
}

// Bootstrap binds info into the global scope. It can run once.
func Bootstrap(rt core.JSRuntime, info BootstrapInfo) error {
	encoded, err := info.Marshal()
	if err != nil {
		return err
	}
	if err := rt.SetGlobal("__workerBootstrapInfo", encoded); err != nil {
		return fmt.Errorf("binding bootstrap info: %w", err)
	}
	return rt.Eval("__workerBootstrap()")
}

// Dispatch delivers one inbound message to the port named portID.
func Dispatch(rt core.JSRuntime, portID int, data string, newPorts []int) error {
	if newPorts == nil {
		newPorts = []int{}
	}
	ids, err := json.MarshalToString(newPorts)
	if err != nil {
		return err
	}
	if err := rt.SetGlobal("__workerInbound", data); err != nil {
		return fmt.Errorf("binding inbound message: %w", err)
	}
	return rt.Eval(fmt.Sprintf("__workerDispatch(%d, %q)", portID, ids))
}

// HasMessageListener reports whether the scope has a message listener or
// an onmessage handler.
func HasMessageListener(rt core.JSRuntime) bool {
	ok, err := rt.EvalBool("__workerHasMessageListener()")
	return err == nil && ok
}
