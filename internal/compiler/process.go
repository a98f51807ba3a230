package compiler

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/procflow/internal/model"
)

// CompileProcess parses a CUE value into a validated ProcessModel.
// Uses the CUE SDK's Go API directly.
//
// The value is the process struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`process: order: { nodes: [...] }`)
//	m, err := CompileProcess(v.LookupPath(cue.ParsePath("process.order")))
//
// Structural problems come back as *CompileError; graph problems as
// model.ValidationErrors.
func CompileProcess(v cue.Value) (*model.ProcessModel, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	name := ""
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		name = labels[len(labels)-1].String()
	}
	return compileNamed(name, v)
}

// CompileAll compiles every entry under the top-level "process" field, in
// source order. Errors from all models are collected.
func CompileAll(v cue.Value) ([]*model.ProcessModel, []error) {
	if err := v.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}
	procs := v.LookupPath(cue.ParsePath("process"))
	if !procs.Exists() {
		return nil, nil
	}

	iter, err := procs.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var models []*model.ProcessModel
	var errs []error
	for iter.Next() {
		m, err := compileNamed(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("process %s: %w", iter.Selector(), err))
			continue
		}
		models = append(models, m)
	}
	return models, errs
}

// CompileString compiles CUE source and returns all models it declares.
func CompileString(src, filename string) ([]*model.ProcessModel, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	models, errs := CompileAll(v)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return models, nil
}

var nodeFields = map[string]bool{
	"id": true, "kind": true, "predecessors": true, "defines": true,
	"results": true, "endpoint": true, "scope": true, "branches": true,
	"select": true, "min": true, "max": true, "strict": true, "process": true,
}

func compileNamed(name string, v cue.Value) (*model.ProcessModel, error) {
	nodesVal := v.LookupPath(cue.ParsePath("nodes"))
	if !nodesVal.Exists() {
		return nil, &CompileError{Field: "nodes", Message: "nodes are required", Pos: v.Pos()}
	}
	iter, err := nodesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	b := model.NewBuilder(name)
	for iter.Next() {
		n, err := compileNode(name, iter.Value())
		if err != nil {
			return nil, err
		}
		b.Add(*n)
	}
	return b.Build()
}

func compileNode(modelName string, v cue.Value) (*model.ProcessNode, error) {
	if err := rejectUnknown(v, nodeFields, "node"); err != nil {
		return nil, err
	}

	id, err := requiredString(v, "id")
	if err != nil {
		return nil, err
	}
	kindStr, err := requiredString(v, "kind")
	if err != nil {
		return nil, err
	}
	kind, err := model.ParseNodeKind(kindStr)
	if err != nil {
		return nil, &CompileError{Field: "kind", Message: err.Error(), Pos: v.LookupPath(cue.ParsePath("kind")).Pos()}
	}

	n := &model.ProcessNode{ID: id, Kind: kind}

	if n.Predecessors, err = optionalStrings(v, "predecessors"); err != nil {
		return nil, err
	}
	if n.Results, err = optionalStrings(v, "results"); err != nil {
		return nil, err
	}
	if n.Endpoint, err = optionalString(v, "endpoint"); err != nil {
		return nil, err
	}
	if n.Scope, err = optionalString(v, "scope"); err != nil {
		return nil, err
	}
	if n.Defines, err = parseDefines(v); err != nil {
		return nil, err
	}
	if n.Branches, err = parseBranches(v); err != nil {
		return nil, err
	}
	sel, err := optionalString(v, "select")
	if err != nil {
		return nil, err
	}
	n.Select = model.When(sel)

	minV, err := optionalInt(v, "min")
	if err != nil {
		return nil, err
	}
	maxV, err := optionalInt(v, "max")
	if err != nil {
		return nil, err
	}
	strict, err := optionalBool(v, "strict")
	if err != nil {
		return nil, err
	}
	n.Bounds = model.Bounds{Min: minV, Max: maxV, Strict: strict}

	if child := v.LookupPath(cue.ParsePath("process")); child.Exists() {
		childModel, err := compileNamed(model.ChildRef(modelName, id), child)
		if err != nil {
			var verrs model.ValidationErrors
			if errors.As(err, &verrs) {
				return nil, model.ValidationErrors{{
					Node:    id,
					Field:   "process",
					Message: verrs.Error(),
					Code:    model.ErrChildInvalid,
				}}
			}
			return nil, err
		}
		n.Child = childModel
	}

	return n, nil
}

var defineFields = map[string]bool{"name": true, "from": true, "ref": true, "path": true}

func parseDefines(v cue.Value) ([]model.Define, error) {
	val := v.LookupPath(cue.ParsePath("defines"))
	if !val.Exists() {
		return nil, nil
	}
	iter, err := val.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defines []model.Define
	for iter.Next() {
		dv := iter.Value()
		if err := rejectUnknown(dv, defineFields, "define"); err != nil {
			return nil, err
		}
		from, err := requiredString(dv, "from")
		if err != nil {
			return nil, err
		}
		d := model.Define{From: from}
		if d.Name, err = optionalString(dv, "name"); err != nil {
			return nil, err
		}
		if d.Ref, err = optionalString(dv, "ref"); err != nil {
			return nil, err
		}
		if d.Path, err = optionalString(dv, "path"); err != nil {
			return nil, err
		}
		defines = append(defines, d)
	}
	return defines, nil
}

var branchFields = map[string]bool{"to": true, "when": true, "otherwise": true}

func parseBranches(v cue.Value) ([]model.Branch, error) {
	val := v.LookupPath(cue.ParsePath("branches"))
	if !val.Exists() {
		return nil, nil
	}
	iter, err := val.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var branches []model.Branch
	for iter.Next() {
		bv := iter.Value()
		if err := rejectUnknown(bv, branchFields, "branch"); err != nil {
			return nil, err
		}
		to, err := requiredString(bv, "to")
		if err != nil {
			return nil, err
		}
		when, err := optionalString(bv, "when")
		if err != nil {
			return nil, err
		}
		otherwise, err := optionalBool(bv, "otherwise")
		if err != nil {
			return nil, err
		}
		if otherwise && when != "" {
			return nil, &CompileError{
				Field:   "branches",
				Message: fmt.Sprintf("branch to %q sets both when and otherwise", to),
				Pos:     bv.Pos(),
			}
		}
		branches = append(branches, model.Branch{
			To:   to,
			When: model.Condition{Expr: when, Otherwise: otherwise},
		})
	}
	return branches, nil
}

func rejectUnknown(v cue.Value, allowed map[string]bool, what string) error {
	iter, err := v.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		label := iter.Selector().Unquoted()
		if !allowed[label] {
			return &CompileError{
				Field:   label,
				Message: fmt.Sprintf("unknown %s field %q", what, label),
				Pos:     iter.Value().Pos(),
			}
		}
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalStrings(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalInt(v cue.Value, field string) (int, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, nil
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return int(n), nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}
