package fuzz

import (
	"fmt"
	"os"
	"path/filepath"

	"fuzzcore/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExecutorSpec describes one process executor in the executors file:
//
//	executors:
//	  - languages: [javascript, typescript]
//	    command: node --stack-size=2048 {code}
//	    extension: .js
//	    env: [NODE_OPTIONS=--max-old-space-size=1024]
type ExecutorSpec struct {
	Languages []string `yaml:"languages"`
	Command   string   `yaml:"command"`
	Extension string   `yaml:"extension"`
	Env       []string `yaml:"env"`
}

type ExecutorsFile struct {
	Executors []ExecutorSpec `yaml:"executors"`
}

// used when no executors file is configured
var DefaultExecutorSpecs = []ExecutorSpec{
	{Languages: []string{"javascript"}, Command: "node {code}", Extension: ".js"},
	{Languages: []string{"python"}, Command: "python3 {code}", Extension: ".py"},
}

func LoadExecutorSpecs(path string) ([]ExecutorSpec, error) {
	if path == "" {
		return DefaultExecutorSpecs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read executors file: %w", err)
	}
	var file ExecutorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse executors file: %w", err)
	}
	for i, spec := range file.Executors {
		if len(spec.Languages) == 0 || spec.Command == "" {
			return nil, fmt.Errorf("executor %d in %s needs languages and a command", i, path)
		}
	}
	return file.Executors, nil
}

type ProcessExecutorsParams struct {
	fx.In
	Config *config.AppConfig
	Logger *zap.Logger
}

type ProcessExecutorsResult struct {
	fx.Out
	Executors []Executor `group:"executors,flatten"`
}

// NewProcessExecutors builds one ProcessExecutor per entry of the executors file
func NewProcessExecutors(p ProcessExecutorsParams) (ProcessExecutorsResult, error) {
	specs, err := LoadExecutorSpecs(p.Config.ExecutorsFile)
	if err != nil {
		return ProcessExecutorsResult{}, err
	}
	workDir := filepath.Join(os.TempDir(), "fuzzcore-exec")
	executors := make([]Executor, 0, len(specs))
	for _, spec := range specs {
		e := NewProcessExecutor(spec.Languages, spec.Command, spec.Extension, workDir, p.Logger.Named("exec"))
		e.Env = spec.Env
		e.DefaultTimeout = p.Config.FuzzConfig.ExecTimeout
		e.DefaultMemMB = p.Config.FuzzConfig.MemoryLimitMB
		executors = append(executors, e)
		p.Logger.Info("process executor configured",
			zap.Strings("languages", spec.Languages),
			zap.String("command", spec.Command))
	}
	return ProcessExecutorsResult{Executors: executors}, nil
}
