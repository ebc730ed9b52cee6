package stacktrace

import (
	"fmt"
	"sync"

	"github.com/go-sourcemap/sourcemap"
)

// Mapper remaps frames located in bundled output back to their original
// sources. Maps are registered per bundle origin.
type Mapper struct {
	mu   sync.RWMutex
	maps map[string]*sourcemap.Consumer
}

// NewMapper returns an empty Mapper.
func NewMapper() *Mapper {
	return &Mapper{maps: make(map[string]*sourcemap.Consumer)}
}

// Register parses a source map for the bundle served under origin.
func (m *Mapper) Register(origin string, data []byte) error {
	smap, err := sourcemap.Parse(origin, data)
	if err != nil {
		return fmt.Errorf("parsing source map for %s: %w", origin, err)
	}
	m.mu.Lock()
	m.maps[origin] = smap
	m.mu.Unlock()
	return nil
}

// Remap returns frames with bundle locations replaced by original ones.
// Frames without a registered map pass through unchanged.
func (m *Mapper) Remap(frames []Frame) []Frame {
	if m == nil || len(frames) == 0 {
		return frames
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Frame, len(frames))
	for i, f := range frames {
		out[i] = f
		smap, ok := m.maps[f.File]
		if !ok || f.Line <= 0 {
			continue
		}
		col := f.Column - 1
		if col < 0 {
			col = 0
		}
		source, name, line, column, ok := smap.Source(f.Line, col)
		if !ok {
			continue
		}
		out[i].File = source
		out[i].Line = line
		out[i].Column = column + 1
		if name != "" && out[i].Function == "" {
			out[i].Function = name
		}
	}
	return out
}
