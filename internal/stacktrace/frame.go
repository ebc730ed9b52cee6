// Package stacktrace parses script stack traces into frames, remaps bundle
// locations through source maps and picks the first user-visible frame.
package stacktrace

import (
	"strconv"
	"strings"
)

// Frame is one parsed stack frame. Line and Column are 1-based; zero means
// the engine did not report them.
type Frame struct {
	Function string
	File     string
	Line     int
	Column   int
}

// Parse extracts frames from a stack string in the "    at fn (file:line:col)"
// shape shared by V8 and QuickJS. Lines that are not frames are skipped.
func Parse(stack string) []Frame {
	var frames []Frame
	for _, line := range strings.Split(stack, "\n") {
		if f, ok := parseLine(line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func parseLine(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "at ")
	if !ok {
		return Frame{}, false
	}
	rest = strings.TrimSpace(rest)

	var f Frame
	loc := rest
	if strings.HasSuffix(rest, ")") {
		if i := strings.LastIndex(rest, " ("); i >= 0 {
			f.Function = rest[:i]
			loc = rest[i+2 : len(rest)-1]
		} else if strings.HasPrefix(rest, "(") {
			loc = rest[1 : len(rest)-1]
		}
	}
	if loc == "native" || loc == "" {
		return f, true
	}

	f.File, f.Line, f.Column = splitLocation(loc)
	return f, true
}

// splitLocation peels up to two trailing ":<n>" suffixes off loc.
func splitLocation(loc string) (file string, line, col int) {
	file = loc
	var nums []int
	for len(nums) < 2 {
		i := strings.LastIndexByte(file, ':')
		if i < 0 {
			break
		}
		n, err := strconv.Atoi(file[i+1:])
		if err != nil {
			break
		}
		nums = append(nums, n)
		file = file[:i]
	}
	switch len(nums) {
	case 1:
		line = nums[0]
	case 2:
		line, col = nums[1], nums[0]
	}
	return file, line, col
}

// InternalFramePredicate reports whether a frame's file belongs to the
// runtime rather than to user code.
type InternalFramePredicate func(file string) bool

// IsInternalFile is the default predicate. A leading "[" is ignored, then
// names under the "ext:" or "internal:" schemes are internal.
func IsInternalFile(file string) bool {
	file = strings.TrimLeft(file, "[")
	return strings.HasPrefix(file, "ext:") || strings.HasPrefix(file, "internal:")
}

// FirstUserFrame returns the first frame that has a file name the predicate
// does not reject. A nil predicate means IsInternalFile.
func FirstUserFrame(frames []Frame, internal InternalFramePredicate) (Frame, bool) {
	if internal == nil {
		internal = IsInternalFile
	}
	for _, f := range frames {
		if f.File == "" {
			continue
		}
		if internal(f.File) {
			continue
		}
		return f, true
	}
	return Frame{}, false
}
