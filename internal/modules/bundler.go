// Package modules resolves a worker's module graph into a single script
// with esbuild, keeping an external source map for error locations.
package modules

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/webworker/internal/core"
)

// memoryNamespace is the esbuild namespace for in-memory sources.
const memoryNamespace = "worker"

// LoadError is returned when a module graph cannot be resolved.
type LoadError struct {
	Specifier string
	Messages  []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading module %s: %s", e.Specifier, strings.Join(e.Messages, "; "))
}

// Options configures a Bundler.
type Options struct {
	// Root is the directory filesystem specifiers are resolved against.
	// Defaults to the current directory.
	Root string
	// Sources maps specifiers to in-memory module text. Relative imports
	// from an in-memory module are looked up here first.
	Sources map[string]string
	// Platform selects esbuild's resolution conditions. Node workers use
	// esbuild.PlatformNode.
	Platform esbuild.Platform
}

// Bundler implements core.ModuleBundler.
type Bundler struct {
	root     string
	sources  map[string]string
	platform esbuild.Platform
}

var _ core.ModuleBundler = (*Bundler)(nil)

// NewBundler returns a Bundler for opts.
func NewBundler(opts Options) (*Bundler, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving module root: %w", err)
	}
	sources := make(map[string]string, len(opts.Sources))
	for k, v := range opts.Sources {
		sources[cleanSpecifier(k)] = v
	}
	return &Bundler{root: abs, sources: sources, platform: opts.Platform}, nil
}

// Bundle resolves specifier and everything it imports. mode decides the
// value of import.meta.main in the bundle.
func (b *Bundler) Bundle(specifier string, mode core.ModuleMode) (*core.Bundle, error) {
	entry := strings.TrimPrefix(specifier, "file://")
	if _, ok := b.sources[cleanSpecifier(entry)]; ok {
		entry = cleanSpecifier(entry)
	} else if !filepath.IsAbs(entry) {
		entry = filepath.Join(b.root, entry)
	}

	main := "false"
	if mode == core.ModeMain {
		main = "true"
	}

	origin := "bundle:" + cleanSpecifier(specifier)
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entry},
		AbsWorkingDir: b.root,
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Platform:      b.platform,
		Target:        esbuild.ES2022,
		Sourcemap:     esbuild.SourceMapExternal,
		Outfile:       filepath.Join(b.root, "__bundle__.js"),
		Write:         false,
		LogLevel:      esbuild.LogLevelSilent,
		Define: map[string]string{
			"import.meta.main": main,
		},
		Plugins: []esbuild.Plugin{b.memoryPlugin()},
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, formatMessage(e))
		}
		return nil, &LoadError{Specifier: specifier, Messages: msgs}
	}

	out := &core.Bundle{Specifier: specifier, Origin: origin}
	for _, f := range result.OutputFiles {
		if strings.HasSuffix(f.Path, ".map") {
			out.SourceMap = f.Contents
		} else {
			out.Code = string(f.Contents)
		}
	}
	if out.Code == "" {
		return nil, &LoadError{Specifier: specifier, Messages: []string{"bundling produced no output"}}
	}
	return out, nil
}

func (b *Bundler) memoryPlugin() esbuild.Plugin {
	return esbuild.Plugin{
		Name: "webworker-memory",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					p := args.Path
					if args.Namespace == memoryNamespace && isRelative(p) {
						p = path.Join(path.Dir(args.Importer), p)
					}
					p = cleanSpecifier(p)
					if _, ok := b.sources[p]; ok {
						return esbuild.OnResolveResult{Path: p, Namespace: memoryNamespace}, nil
					}
					if args.Namespace == memoryNamespace && isRelative(args.Path) {
						return esbuild.OnResolveResult{Path: filepath.Join(b.root, filepath.FromSlash(p))}, nil
					}
					return esbuild.OnResolveResult{}, nil
				})
			build.OnLoad(esbuild.OnLoadOptions{Filter: ".*", Namespace: memoryNamespace},
				func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
					src, ok := b.sources[args.Path]
					if !ok {
						return esbuild.OnLoadResult{}, fmt.Errorf("module %q not found", args.Path)
					}
					return esbuild.OnLoadResult{
						Contents:   &src,
						Loader:     loaderFor(args.Path),
						ResolveDir: b.root,
					}, nil
				})
		},
	}
}

func loaderFor(p string) esbuild.Loader {
	switch path.Ext(p) {
	case ".ts", ".mts":
		return esbuild.LoaderTS
	case ".json":
		return esbuild.LoaderJSON
	default:
		return esbuild.LoaderJS
	}
}

func isRelative(p string) bool {
	return strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../")
}

func cleanSpecifier(p string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(p, "file://")), "/")
}

func formatMessage(m esbuild.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
}
