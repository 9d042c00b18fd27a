package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

// pipNames maps import names to the distribution that provides them.
var pipNames = map[string]string{
	"sklearn":      "scikit-learn",
	"skimage":      "scikit-image",
	"cv2":          "opencv-python",
	"PIL":          "pillow",
	"bs4":          "beautifulsoup4",
	"yaml":         "pyyaml",
	"dateutil":     "python-dateutil",
	"dotenv":       "python-dotenv",
	"docx":         "python-docx",
	"pptx":         "python-pptx",
	"Crypto":       "pycryptodome",
	"jwt":          "PyJWT",
	"serial":       "pyserial",
	"OpenGL":       "PyOpenGL",
	"attr":         "attrs",
	"mpl_toolkits": "matplotlib",
	"wx":           "wxPython",
	"magic":        "python-magic",
}

var unsupportedPackages = map[string]struct{}{
	"ipywidgets": {},
}

var pythonLanguage = tree_sitter.NewLanguage(tree_sitter_python.Language())

// Python 2 forms the grammar still accepts.
var legacyStatements = map[string]string{
	"print_statement": "Missing parentheses in call to 'print'",
	"exec_statement":  "Missing parentheses in call to 'exec'",
}

// DiscoverPackages lists the third party distributions imported by code,
// sorted. Standard library modules and relative imports are skipped. Code
// that does not parse fails with an error wrapping ErrSyntax.
func DiscoverPackages(code string) ([]string, error) {
	src := []byte(unescapeFlattened(code))

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(pythonLanguage); err != nil {
		return nil, fmt.Errorf("python grammar: %w", err)
	}
	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, errors.New("python parser returned no tree")
	}
	defer tree.Close()

	root := tree.RootNode()
	if err := checkSyntax(root, src); err != nil {
		return nil, err
	}

	mods := make(map[string]struct{})
	collectImports(root, src, mods)

	seen := make(map[string]struct{})
	var out []string
	for m := range mods {
		if _, ok := stdlibModules[m]; ok {
			continue
		}
		name := m
		if alias, ok := pipNames[m]; ok {
			name = alias
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// unescapeFlattened expands code that arrived with its newlines escaped, as
// models sometimes return it. Code that already spans lines is left alone.
func unescapeFlattened(code string) string {
	if strings.Contains(code, "\n") || !strings.Contains(code, `\n`) {
		return code
	}
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(code)
}

func syntaxError(n *tree_sitter.Node, msg string) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, n.StartPosition().Row+1, msg)
}

func checkSyntax(root *tree_sitter.Node, src []byte) error {
	if root.HasError() {
		if bad := firstError(root); bad != nil {
			if bad.IsMissing() {
				return syntaxError(bad, fmt.Sprintf("expected '%s'", bad.Kind()))
			}
			return syntaxError(bad, "invalid syntax")
		}
		return syntaxError(root, "invalid syntax")
	}
	if n, msg := firstLegacy(root); n != nil {
		return syntaxError(n, msg)
	}
	return checkIndent(root, src)
}

func firstError(n *tree_sitter.Node) *tree_sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		if bad := firstError(n.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}

func firstLegacy(n *tree_sitter.Node) (*tree_sitter.Node, string) {
	if msg, ok := legacyStatements[n.Kind()]; ok {
		return n, msg
	}
	for i := uint(0); i < n.NamedChildCount(); i++ {
		if bad, msg := firstLegacy(n.NamedChild(i)); bad != nil {
			return bad, msg
		}
	}
	return nil, ""
}

// checkIndent rejects statements that open a line at a column their
// enclosing suite does not use. The grammar folds a stray indent into the
// surrounding block instead of reporting it.
func checkIndent(n *tree_sitter.Node, src []byte) error {
	want := -1
	if n.Kind() == "module" {
		want = 0
	}
	suite := n.Kind() == "module" || n.Kind() == "block"
	for i := uint(0); i < n.NamedChildCount(); i++ {
		child := n.NamedChild(i)
		if suite && child.Kind() != "comment" && child.Kind() != "line_continuation" {
			if col, ok := lineColumn(src, child.StartByte()); ok {
				if want < 0 {
					want = col
				}
				if col != want {
					return syntaxError(child, "unexpected indent")
				}
			}
		}
		if err := checkIndent(child, src); err != nil {
			return err
		}
	}
	return nil
}

// lineColumn reports the indentation of the line holding offset when only
// whitespace precedes offset on that line.
func lineColumn(src []byte, offset uint) (int, bool) {
	start := int(offset)
	for start > 0 && src[start-1] != '\n' {
		start--
	}
	for _, c := range src[start:offset] {
		if c != ' ' && c != '\t' && c != '\f' {
			return 0, false
		}
	}
	return int(offset) - start, true
}

func collectImports(n *tree_sitter.Node, src []byte, mods map[string]struct{}) {
	switch n.Kind() {
	case "import_statement":
		for i := uint(0); i < n.NamedChildCount(); i++ {
			item := n.NamedChild(i)
			if item.Kind() == "aliased_import" {
				item = item.ChildByFieldName("name")
			}
			if item != nil && item.Kind() == "dotted_name" {
				mods[topLevel(item.Utf8Text(src))] = struct{}{}
			}
		}
		return
	case "import_from_statement":
		if mod := n.ChildByFieldName("module_name"); mod != nil && mod.Kind() == "dotted_name" {
			mods[topLevel(mod.Utf8Text(src))] = struct{}{}
		}
		return
	case "future_import_statement", "string", "comment":
		return
	}
	for i := uint(0); i < n.NamedChildCount(); i++ {
		collectImports(n.NamedChild(i), src, mods)
	}
}

func topLevel(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[:i]
	}
	return strings.TrimSpace(path)
}
