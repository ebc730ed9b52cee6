package core

import "fmt"

// WorkerKind selects the flavour of global scope a worker gets.
type WorkerKind int

const (
	KindClassic WorkerKind = iota
	KindModule
	KindNode
)

func (k WorkerKind) String() string {
	switch k {
	case KindClassic:
		return "classic"
	case KindModule:
		return "module"
	case KindNode:
		return "node"
	default:
		return fmt.Sprintf("WorkerKind(%d)", int(k))
	}
}

// ParseWorkerKind maps the rendered form back to a WorkerKind.
func ParseWorkerKind(s string) (WorkerKind, error) {
	switch s {
	case "classic":
		return KindClassic, nil
	case "module", "":
		return KindModule, nil
	case "node":
		return KindNode, nil
	default:
		return 0, fmt.Errorf("unknown worker kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k WorkerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so kinds can be read
// from TOML configuration.
func (k *WorkerKind) UnmarshalText(text []byte) error {
	v, err := ParseWorkerKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
