// Package languages registers tree-sitter grammars and extraction queries
// for the languages the chunker understands natively. Everything else goes
// through the line-window fallback.
package languages

import "codequery/internal/chunker"

// RegisterAll installs every built-in language into the registry.
func RegisterAll(r *chunker.Registry) {
	RegisterGo(r)
	RegisterPython(r)
	RegisterJavaScript(r)
	RegisterTypeScript(r)
}
