package script

import (
	"regexp"
	"strconv"
)

// SymbolTable maps parameter names to the numeric literals assigned to them
// at the top level of a script. It is the only symbol source the restricted
// evaluator consults; nothing in it is ever executed.
type SymbolTable map[string]float64

// Top-level assignments of the form `name = 12.5;`. Expressions on the
// right-hand side are intentionally not captured: a parameter defined in
// terms of another is unresolved as far as the validator is concerned.
var assignmentPattern = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(-?\d+(?:\.\d+)?)\s*;`)

// ExtractSymbols builds a SymbolTable from the script's top-level
// literal assignments. Later assignments to the same name win, matching
// the compiler's own last-definition semantics.
func ExtractSymbols(s Script) SymbolTable {
	table := make(SymbolTable)
	for _, m := range assignmentPattern.FindAllStringSubmatch(s.Text(), -1) {
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		table[m[1]] = value
	}
	return table
}

// Lookup returns the value bound to name, reporting whether it exists
func (t SymbolTable) Lookup(name string) (float64, bool) {
	v, ok := t[name]
	return v, ok
}

// Merge returns a copy of t with the given overrides applied on top.
// Used to layer caller-bound parameters over the script's own defaults.
func (t SymbolTable) Merge(overrides map[string]float64) SymbolTable {
	merged := make(SymbolTable, len(t)+len(overrides))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
