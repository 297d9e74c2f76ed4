// Command apileakcheck enforces an API hygiene rule for the public
// packages: exported API surfaces must not reference internal packages in
// their signatures.
//
// Usage:
//
//	apileakcheck [dir ...]
//
// With no arguments the current directory is checked. Selectors are
// checked syntactically, not by type identity, so type aliases remain the
// way to make an internal type nameable.
package main

import (
	"cmp"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// machineryTypes must stay internal even when defined in a public package.
var machineryTypes = map[string]bool{
	"VersionSet": true,
	"TableCache": true,
	"MemTable":   true,
	"Compaction": true,
	"LogWriter":  true,
}

func main() {
	dirs := os.Args[1:]
	if len(dirs) == 0 {
		dirs = []string{"."}
	}

	var leaks []leak
	for _, dir := range dirs {
		found, err := checkDir(dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		leaks = append(leaks, found...)
	}

	if len(leaks) == 0 {
		fmt.Println("No API leaks detected.")
		return
	}
	fmt.Println("API leaks detected:")
	for _, l := range leaks {
		fmt.Println("LEAK:", l)
	}
	os.Exit(1)
}

type leak struct {
	file string
	line int
	msg  string
}

func (l leak) String() string { return fmt.Sprintf("%s:%d: %s", l.file, l.line, l.msg) }

// checker accumulates the leaks of one file.
type checker struct {
	fset    *token.FileSet
	imports map[string]string // local name -> import path
	leaks   []leak
}

func (c *checker) report(pos token.Pos, format string, args ...any) {
	p := c.fset.Position(pos)
	c.leaks = append(c.leaks, leak{
		file: filepath.Base(p.Filename),
		line: p.Line,
		msg:  fmt.Sprintf(format, args...),
	})
}

// checkDir parses the non-test Go files of one package directory and
// returns its leaks sorted by position.
func checkDir(dir string) ([]leak, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	fset := token.NewFileSet()
	var leaks []leak
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") ||
			strings.HasSuffix(name, "_test.go") || strings.HasPrefix(name, ".") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		c := &checker{fset: fset, imports: importNames(f)}
		c.checkFile(f)
		leaks = append(leaks, c.leaks...)
	}

	slices.SortFunc(leaks, func(a, b leak) int {
		return cmp.Or(
			cmp.Compare(a.file, b.file),
			cmp.Compare(a.line, b.line),
			cmp.Compare(a.msg, b.msg),
		)
	})
	return leaks, nil
}

// importNames maps each import's local name to its path.
func importNames(f *ast.File) map[string]string {
	m := make(map[string]string)
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := path.Base(p)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		m[name] = p
	}
	return m
}

func isInternal(importPath string) bool {
	return strings.Contains(importPath, "/internal/") || strings.HasSuffix(importPath, "/internal")
}

func (c *checker) checkFile(f *ast.File) {
	// A dot-import lets internal identifiers appear without a selector.
	for name, p := range c.imports {
		if name == "." && isInternal(p) {
			c.report(f.Package, "dot-import of internal package %q", p)
		}
	}

	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Name.IsExported() && exportedReceiver(d.Recv) {
				c.checkExpr(d.Type, "exported func "+d.Name.Name)
			}
		case *ast.GenDecl:
			for _, s := range d.Specs {
				switch s := s.(type) {
				case *ast.TypeSpec:
					c.checkTypeSpec(s)
				case *ast.ValueSpec:
					c.checkValueSpec(s)
				}
			}
		}
	}
}

// exportedReceiver reports whether a method belongs to the public API.
// Plain functions always do.
func exportedReceiver(recv *ast.FieldList) bool {
	if recv == nil || len(recv.List) == 0 {
		return true
	}
	t := recv.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	switch tt := t.(type) {
	case *ast.IndexExpr:
		t = tt.X
	case *ast.IndexListExpr:
		t = tt.X
	}
	id, ok := t.(*ast.Ident)
	return ok && id.IsExported()
}

func (c *checker) checkTypeSpec(s *ast.TypeSpec) {
	name := s.Name.Name
	if !s.Name.IsExported() {
		return
	}
	if machineryTypes[name] {
		c.report(s.Name.Pos(), "exported machinery type %s must be internal", name)
	}
	// Aliases are the sanctioned bridge to internal types.
	if s.Assign.IsValid() {
		return
	}

	switch t := s.Type.(type) {
	case *ast.StructType:
		c.checkFields(t.Fields, "exported field "+name+".", "exported type "+name+" embedded field")
	case *ast.InterfaceType:
		c.checkFields(t.Methods, "exported interface method "+name+".", "exported interface "+name+" embedded")
	default:
		c.checkExpr(s.Type, "exported type "+name)
	}
}

// checkFields checks the exported members of a struct or interface.
func (c *checker) checkFields(fields *ast.FieldList, namedPrefix, embeddedCtx string) {
	if fields == nil {
		return
	}
	for _, field := range fields.List {
		if len(field.Names) == 0 {
			if exportedTypeExpr(field.Type) {
				c.checkExpr(field.Type, embeddedCtx)
			}
			continue
		}
		for _, n := range field.Names {
			if n.IsExported() {
				c.checkExpr(field.Type, namedPrefix+n.Name)
			}
		}
	}
}

func (c *checker) checkValueSpec(s *ast.ValueSpec) {
	// Inferred types would need the type checker.
	if s.Type == nil {
		return
	}
	for _, n := range s.Names {
		if n.IsExported() {
			c.checkExpr(s.Type, "exported value "+n.Name)
		}
	}
}

func exportedTypeExpr(expr ast.Expr) bool {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.IsExported()
	case *ast.StarExpr:
		return exportedTypeExpr(t.X)
	case *ast.SelectorExpr:
		return t.Sel.IsExported()
	case *ast.IndexExpr:
		return exportedTypeExpr(t.X)
	case *ast.IndexListExpr:
		return exportedTypeExpr(t.X)
	}
	return false
}

// checkExpr reports every pkg.Name selector in expr whose package is
// internal.
func (c *checker) checkExpr(expr ast.Expr, context string) {
	ast.Inspect(expr, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if p, ok := c.imports[pkg.Name]; ok && isInternal(p) {
			c.report(sel.Pos(), "%s references internal package %q (%s.%s)", context, p, pkg.Name, sel.Sel.Name)
		}
		return true
	})
}
