// Package validator performs static analysis of Python source before any
// backend runs it: length and syntax checks, forbidden-module rejection,
// advisory risk warnings, and a cyclomatic complexity ceiling.
//
// The analysis is purely structural. It parses the source into a real Python
// syntax tree (go-python/gpython) and walks it; no code is ever evaluated.
package validator

import (
	"errors"
	"fmt"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"
)

// WarningPrefix marks advisory findings. Callers strip entries carrying this
// prefix before deciding pass/fail.
const WarningPrefix = "Warning: "

// Result is produced once per submission and never mutated afterwards.
type Result struct {
	OK bool
	// Errors are fatal findings, every violation found, in source order.
	Errors []string
	// Warnings are advisory findings (each carries WarningPrefix). They are
	// always reported, whatever the outcome, and never flip OK on their own.
	Warnings []string
}

// Findings returns errors and warnings merged, errors first, the way the
// front door reports them.
func (r Result) Findings() []string {
	out := make([]string, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	return out
}

// Validator holds the policy knobs. It is pure and safe for concurrent use.
type Validator struct {
	forbidden     map[string]struct{}
	maxCodeLength int
	maxComplexity int
}

// New builds a Validator from the configured forbidden-module set and
// ceilings.
func New(forbiddenImports []string, maxCodeLength, maxComplexity int) *Validator {
	forbidden := make(map[string]struct{}, len(forbiddenImports))
	for _, name := range forbiddenImports {
		forbidden[name] = struct{}{}
	}
	return &Validator{
		forbidden:     forbidden,
		maxCodeLength: maxCodeLength,
		maxComplexity: maxComplexity,
	}
}

// Validate runs every check in order, short-circuiting on the first fatal
// stage: length, parse, forbidden imports, then complexity. Advisory
// warnings are collected between the import and complexity stages and are
// included in the result regardless of outcome.
func (v *Validator) Validate(code string) Result {
	if len(code) > v.maxCodeLength {
		return Result{
			Errors: []string{fmt.Sprintf("Code exceeds maximum length of %d characters", v.maxCodeLength)},
		}
	}

	tree, err := parser.ParseString(code, py.ExecMode)
	if err != nil {
		return Result{Errors: []string{syntaxError(err)}}
	}

	if forbidden := v.checkImports(tree); len(forbidden) > 0 {
		errs := make([]string, 0, len(forbidden))
		for _, imp := range forbidden {
			errs = append(errs, "Forbidden import: "+imp)
		}
		return Result{Errors: errs}
	}

	warnings := checkPatterns(tree)

	if complexity := Complexity(tree); complexity > v.maxComplexity {
		return Result{
			Errors:   []string{fmt.Sprintf("Code complexity %d exceeds maximum %d", complexity, v.maxComplexity)},
			Warnings: warnings,
		}
	}

	return Result{OK: true, Warnings: warnings}
}

// syntaxError formats a parse failure, pulling the offending line number out
// of the SyntaxError attributes when the parser recorded one.
func syntaxError(err error) string {
	var exc *py.Exception
	if errors.As(err, &exc) {
		msg := exc.Error()
		if lineno, ok := exc.Dict["lineno"].(py.Int); ok {
			return fmt.Sprintf("Syntax error at line %d: %s", int(lineno), msg)
		}
		return "Syntax error: " + msg
	}
	return fmt.Sprintf("Failed to parse code: %v", err)
}

// checkImports collects every forbidden module reference. A module is
// forbidden when its top-level name (first dotted segment) is in the set;
// the full name as written is reported. Duplicate references collapse to one
// error each.
func (v *Validator) checkImports(tree ast.Ast) []string {
	var found []string
	seen := make(map[string]struct{})

	report := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		found = append(found, name)
	}

	ast.Walk(tree, func(node ast.Ast) bool {
		switch n := node.(type) {
		case *ast.Import:
			for _, alias := range n.Names {
				if v.isForbidden(string(alias.Name)) {
					report(string(alias.Name))
				}
			}
		case *ast.ImportFrom:
			// Module is empty for purely relative imports (from . import x).
			if n.Module != "" && v.isForbidden(string(n.Module)) {
				report(string(n.Module))
			}
		}
		return true
	})
	return found
}

func (v *Validator) isForbidden(module string) bool {
	top := module
	for i := 0; i < len(module); i++ {
		if module[i] == '.' {
			top = module[:i]
			break
		}
	}
	_, ok := v.forbidden[top]
	return ok
}

// checkPatterns collects advisory findings that do not fail validation: an
// unconditional `while True` loop and direct calls to dynamic-evaluation
// builtins.
func checkPatterns(tree ast.Ast) []string {
	var warnings []string

	dynamicBuiltins := map[string]struct{}{
		"eval": {}, "exec": {}, "compile": {}, "__import__": {},
	}

	ast.Walk(tree, func(node ast.Ast) bool {
		switch n := node.(type) {
		case *ast.While:
			if nc, ok := n.Test.(*ast.NameConstant); ok && nc.Value == py.True {
				warnings = append(warnings, WarningPrefix+"Potential infinite loop detected (while True)")
			}
		case *ast.Call:
			if name, ok := n.Func.(*ast.Name); ok {
				if _, risky := dynamicBuiltins[string(name.Id)]; risky {
					warnings = append(warnings, WarningPrefix+"Dangerous builtin usage: "+string(name.Id))
				}
			}
		}
		return true
	})
	return warnings
}

// Complexity computes McCabe cyclomatic complexity: 1 + decision points.
// Conditionals, loops and exception handlers each add one; a boolean-operator
// chain adds branches-1; each comprehension adds its generator count.
func Complexity(tree ast.Ast) int {
	complexity := 1

	ast.Walk(tree, func(node ast.Ast) bool {
		switch n := node.(type) {
		case *ast.If, *ast.While, *ast.For, *ast.ExceptHandler:
			complexity++
		case *ast.BoolOp:
			complexity += len(n.Values) - 1
		case *ast.ListComp:
			complexity += len(n.Generators)
		case *ast.DictComp:
			complexity += len(n.Generators)
		case *ast.SetComp:
			complexity += len(n.Generators)
		}
		return true
	})
	return complexity
}
