package fuzz

import (
	"fmt"
	"reflect"
	"sort"

	"fuzzcore/internal/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ExecutorRegistry maps canonical language names onto the executor that runs them
type ExecutorRegistry struct {
	executors map[string]Executor
	logger    *zap.Logger
}

type ExecutorRegistryParams struct {
	fx.In
	Logger    *zap.Logger
	Executors []Executor `group:"executors"`
}

func NewExecutorRegistry(params ExecutorRegistryParams) *ExecutorRegistry {
	r := &ExecutorRegistry{
		executors: make(map[string]Executor),
		logger:    params.Logger,
	}
	for _, executor := range params.Executors {
		r.Register(executor)
	}
	return r
}

// Register adds an executor for every language it supports. A later registration for the
// same language replaces the earlier one.
func (r *ExecutorRegistry) Register(executor Executor) {
	v := reflect.ValueOf(executor)
	if executor == nil || (v.Kind() == reflect.Ptr && v.IsNil()) {
		return // skip nil executor
	}
	for _, language := range executor.SupportedLanguages() {
		language = types.NormalizeLanguage(language)
		r.executors[language] = executor
		if r.logger != nil {
			r.logger.Debug("executor registered", zap.String("language", language))
		}
	}
}

func (r *ExecutorRegistry) Lookup(language string) (Executor, error) {
	executor, ok := r.executors[types.NormalizeLanguage(language)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return executor, nil
}

func (r *ExecutorRegistry) Languages() []string {
	languages := make([]string, 0, len(r.executors))
	for language := range r.executors {
		languages = append(languages, language)
	}
	sort.Strings(languages)
	return languages
}
