package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/procflow/internal/compiler"
	"github.com/roach88/procflow/internal/model"
)

// LoadMode controls how errors are handled while loading models.
type LoadMode int

const (
	// LoadModeFailFast stops at the first model that does not compile.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll compiles every model and reports all problems.
	LoadModeCollectAll
)

// LoadResult contains the process models compiled from a directory.
type LoadResult struct {
	Models    []*model.ProcessModel
	CUEValue  cue.Value
	FileCount int
}

// Registry registers every loaded model.
func (r *LoadResult) Registry() (*model.Registry, error) {
	return model.NewRegistry(r.Models...)
}

// LoadError is a problem found while loading or compiling models.
type LoadError struct {
	Code    string
	Model   string
	Node    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	where := e.Model
	if e.Node != "" {
		where += "." + e.Node
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if where != "" {
		msg = fmt.Sprintf("%s: %s: %s", e.Code, where, e.Message)
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), msg)
	}
	return msg
}

// Line returns the source line of the problem, or 0.
func (e *LoadError) Line() int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// Error codes shared by all commands. Model graph problems keep the M1xx
// codes assigned by the model builder.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeWriteFailed = "E007"
	ErrCodeNoModels    = "E008"
	ErrCodeDuplicate   = "E009"
	ErrCodeCompile     = "E010"
	ErrCodeStore       = "E020"
	ErrCodeInput       = "E021"
	ErrCodeConfig      = "E022"
)

func loadFailure(code, format string, args ...any) []error {
	return []error{&LoadError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// LoadModels loads the CUE package in dir and compiles every entry under
// its top-level "process" field.
func LoadModels(dir string, mode LoadMode) (*LoadResult, []error) {
	switch info, err := os.Stat(dir); {
	case errors.Is(err, fs.ErrNotExist):
		return nil, loadFailure(ErrCodeNotFound, "models directory not found: %s", dir)
	case err != nil:
		return nil, loadFailure(ErrCodeNotFound, "models directory %s: %v", dir, err)
	case !info.IsDir():
		return nil, loadFailure(ErrCodeNotFound, "models path %s is not a directory", dir)
	}

	files, err := FindCUEFiles(dir)
	switch {
	case err != nil:
		return nil, loadFailure(ErrCodeScanError, "scanning %s: %v", dir, err)
	case len(files) == 0:
		return nil, loadFailure(ErrCodeNoFiles, "%s holds no .cue files", dir)
	}

	value, errs := buildPackage(dir)
	if errs != nil {
		return nil, errs
	}
	result := &LoadResult{CUEValue: value, FileCount: len(files)}

	procs := value.LookupPath(cue.ParsePath("process"))
	if !procs.Exists() {
		return result, loadFailure(ErrCodeNoModels, "no process definitions found")
	}
	iter, err := procs.Fields()
	if err != nil {
		return result, loadFailure(ErrCodeGeneric, "reading process definitions: %v", err)
	}

	names := map[string]struct{}{}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		m, cerr := compiler.CompileProcess(iter.Value())
		if cerr != nil {
			errs = append(errs, convertCompileError(cerr, name)...)
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		if _, dup := names[m.Name()]; dup {
			errs = append(errs, &LoadError{Code: ErrCodeDuplicate, Model: name, Message: "model declared twice"})
			continue
		}
		names[m.Name()] = struct{}{}
		result.Models = append(result.Models, m)
	}

	if len(result.Models) == 0 && len(errs) == 0 {
		errs = loadFailure(ErrCodeNoModels, "no process definitions found")
	}
	return result, errs
}

// buildPackage evaluates the single CUE package rooted at dir.
func buildPackage(dir string) (cue.Value, []error) {
	insts := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(insts) == 0 {
		return cue.Value{}, loadFailure(ErrCodeLoadFailed, "no CUE package in %s", dir)
	}
	if err := insts[0].Err; err != nil {
		return cue.Value{}, loadFailure(ErrCodeLoadFailed, "load %s: %v", dir, err)
	}
	v := cuecontext.New().BuildInstance(insts[0])
	if err := v.Err(); err != nil {
		return cue.Value{}, loadFailure(ErrCodeBuildFailed, "evaluate %s: %v", dir, err)
	}
	return v, nil
}

// FindCUEFiles lists the .cue files under dir, recursively.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case !d.IsDir() && strings.HasSuffix(d.Name(), ".cue"):
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError flattens a compiler error into positioned load
// errors. A model that fails graph validation yields one error per problem.
func convertCompileError(err error, modelName string) []error {
	var verrs model.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]error, 0, len(verrs))
		for _, v := range verrs {
			out = append(out, &LoadError{Code: v.Code, Model: modelName, Node: v.Node, Message: v.Message})
		}
		return out
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return []error{&LoadError{
			Code:    ErrCodeCompile,
			Model:   modelName,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}}
	}
	return []error{&LoadError{Code: ErrCodeGeneric, Model: modelName, Message: err.Error()}}
}
