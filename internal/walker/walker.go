package walker

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileInfo holds metadata about a discovered source file.
type FileInfo struct {
	Path    string // absolute path
	RelPath string // slash-separated, relative to the root
	Root    string // absolute root the file was found under
	Size    int64
}

// maxFileSize is the largest file we'll consider (1 MB).
const maxFileSize = 1 << 20

// defaultIgnores are used when no .codequeryignore file exists.
var defaultIgnores = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	"target",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	".idea",
	".vscode",
	".codequery",
	"dist",
	"build",
}

// Options controls which files a walk yields.
type Options struct {
	// IgnoreTests drops files matching common test naming conventions.
	IgnoreTests bool
	// AllowedExts restricts the walk to these extensions (without dot).
	// Empty means any non-binary text file.
	AllowedExts map[string]bool
}

// Walker enumerates candidate source files under a root, honoring
// .gitignore, the project ignore file, and binary detection.
type Walker struct {
	opts Options
}

// New creates a Walker with the given options.
func New(opts Options) *Walker {
	return &Walker{opts: opts}
}

// Walk traverses the directory tree rooted at root and sends discovered
// source files on the returned channel. The error channel receives at most
// one error, after the file channel closes.
func (w *Walker) Walk(root string) (<-chan FileInfo, <-chan error) {
	files := make(chan FileInfo, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(files)
		defer close(errs)

		absRoot, err := filepath.Abs(root)
		if err != nil {
			errs <- err
			return
		}

		ignores := loadIgnorePatterns(absRoot)
		gi := loadGitignore(absRoot)

		err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable entries, keep walking
			}

			rel, _ := filepath.Rel(absRoot, path)
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if path == absRoot {
					return nil
				}
				if matchesIgnore(d.Name(), rel, ignores) {
					return filepath.SkipDir
				}
				if gi != nil && gi.MatchesPath(rel+"/") {
					return filepath.SkipDir
				}
				return nil
			}

			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if matchesIgnore(d.Name(), rel, ignores) {
				return nil
			}
			if gi != nil && gi.MatchesPath(rel) {
				return nil
			}
			if w.opts.IgnoreTests && isTestFile(d.Name()) {
				return nil
			}

			if len(w.opts.AllowedExts) > 0 {
				ext := strings.TrimPrefix(filepath.Ext(path), ".")
				if !w.opts.AllowedExts[ext] {
					return nil
				}
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.Size() > maxFileSize || info.Size() == 0 {
				return nil
			}

			if !w.Eligible(path) {
				return nil
			}

			files <- FileInfo{
				Path:    path,
				RelPath: rel,
				Root:    absRoot,
				Size:    info.Size(),
			}
			return nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return files, errs
}

// Eligible reports whether a single path passes content-level checks
// (binary sniffing). Watch mode uses it for freshly created files.
func (w *Walker) Eligible(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 8192)
	n, _ := f.Read(head)
	if n == 0 {
		return false
	}
	return !enry.IsBinary(head[:n])
}

// Excluded reports whether a path is filtered by ignore rules or test
// exclusion, without touching the file contents.
func (w *Walker) Excluded(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	rel = filepath.ToSlash(rel)

	ignores := loadIgnorePatterns(absRoot)
	for part, rest := "", rel; rest != ""; {
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			part, rest = rest, ""
		} else {
			part, rest = rest[:i], rest[i+1:]
		}
		if matchesIgnore(part, part, ignores) {
			return true
		}
	}
	if matchesIgnore(filepath.Base(path), rel, ignores) {
		return true
	}
	if gi := loadGitignore(absRoot); gi != nil && gi.MatchesPath(rel) {
		return true
	}
	if w.opts.IgnoreTests && isTestFile(filepath.Base(path)) {
		return true
	}
	return false
}

// Language returns the detected language tag for a file, lowercased.
// Detection uses the filename first, then content (covers shebang scripts).
func Language(path string, content []byte) string {
	lang := enry.GetLanguage(filepath.Base(path), content)
	return strings.ToLower(lang)
}

// isTestFile matches common test file naming conventions across languages.
func isTestFile(name string) bool {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "_test.go"),
		strings.HasPrefix(lower, "test_") && strings.HasSuffix(lower, ".py"),
		strings.HasSuffix(lower, "_test.py"),
		strings.HasSuffix(lower, ".test.js"),
		strings.HasSuffix(lower, ".test.ts"),
		strings.HasSuffix(lower, ".spec.js"),
		strings.HasSuffix(lower, ".spec.ts"):
		return true
	}
	return false
}

// loadGitignore parses the root's .gitignore if present.
func loadGitignore(root string) *gitignore.GitIgnore {
	gi, err := gitignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}

// loadIgnorePatterns reads .codequeryignore from the project root.
// If the file doesn't exist, the default patterns are used.
func loadIgnorePatterns(root string) []string {
	f, err := os.Open(filepath.Join(root, ".codequeryignore"))
	if err != nil {
		return defaultIgnores
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if len(patterns) == 0 {
		return defaultIgnores
	}
	return patterns
}

// matchesIgnore checks if a name or relative path matches any ignore pattern.
func matchesIgnore(name, relPath string, patterns []string) bool {
	for _, p := range patterns {
		if name == p {
			return true
		}
		if strings.HasPrefix(relPath, p+"/") || relPath == p {
			return true
		}
		if matched, _ := filepath.Match(p, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(p, name); matched {
			return true
		}
	}
	return false
}
