package fleetfile

import (
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type ReadOptions struct {
	// Fleetfile arguments
	Args []string
	// Fleetfile parameters
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

func Read(file string, options ReadOptions) (*Fleetfile, error) {
	workDir := path.Dir(file)
	if !path.IsAbs(workDir) {
		workDir = path.Join(lo.Must(os.Getwd()), workDir)
	}

	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	source, err := evaluateTemplate(string(buf), workDir, options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	fleetfile, err := parse(source, workDir)
	if err != nil {
		return nil, UnmarshalError{err, source}
	}
	return fleetfile, nil
}

func parse(source string, dir string) (*Fleetfile, error) {
	var fleetfile Fleetfile
	decoder := yaml.NewDecoder(strings.NewReader(source))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fleetfile); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	fleetfile.path = dir
	if err := fleetfile.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &fleetfile, nil
}

type TemplateData struct {
	Env    map[string]string
	Args   []string
	Params map[string]string
}

func evaluateTemplate(source string, dir string, options ReadOptions) (string, error) {
	tmpl, err := template.New("fleetfile").Funcs(sprig.TxtFuncMap()).Funcs(template.FuncMap{
		"lines": func(s string) []string {
			return strings.Split(s, "\n")
		},
		"shell": func(script string) (string, error) {
			return shell(script, dir)
		},
	}).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := TemplateData{
		Env:    lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Args:   options.Args,
		Params: lo.Ternary(options.Params != nil, options.Params, map[string]string{}),
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return output.String(), nil
}

func shell(script string, dir string) (string, error) {
	var shell, arg string
	if strings.HasPrefix(script, "#!") {
		shell, script, _ = strings.Cut(script, "\n")
		shell, arg, _ = strings.Cut(strings.TrimPrefix(shell, "#!"), " ")
	} else {
		shell = lo.Must(lo.Coalesce(os.Getenv("SHELL"), "sh"))
	}

	cmd := exec.Command(shell, lo.Ternary(arg != "", []string{arg}, []string{})...)
	cmd.Stdin = strings.NewReader(script)
	cmd.Stderr = os.Stderr
	cmd.Dir = dir

	output, err := cmd.Output()
	return strings.TrimSuffix(string(output), "\n"), err
}
