package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type ActionCategory int

const (
	Fuzzing ActionCategory = iota
	InputGeneration
	CrashTriage
	CorpusMaintenance
)

func (a ActionCategory) String() string {
	switch a {
	case Fuzzing:
		return "fuzzing"
	case InputGeneration:
		return "input_generation"
	case CrashTriage:
		return "crash_triage"
	case CorpusMaintenance:
		return "corpus_maintenance"
	default:
		return "unknown"
	}
}

type SpanAttributes struct {
	ActionCategory string

	targetID      optional[string] // fuzz.target.id
	language      optional[string] // fuzz.target.language
	corpusSize    optional[int]    // fuzz.corpus.size
	corpusVersion optional[int]    // fuzz.corpus.version
	executions    optional[int]    // fuzz.executions
	crashSignal   optional[string] // fuzz.crash.signal
	fingerprint   optional[string] // fuzz.crash.fingerprint

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// returns an empty SpanAttributes instance to be populated later
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies values from other that are not set here yet. The action category is
// always taken from other when present.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.targetID, &other.targetID)
	mergeOptional(&o.language, &other.language)
	mergeOptional(&o.corpusSize, &other.corpusSize)
	mergeOptional(&o.corpusVersion, &other.corpusVersion)
	mergeOptional(&o.executions, &other.executions)
	mergeOptional(&o.crashSignal, &other.crashSignal)
	mergeOptional(&o.fingerprint, &other.fingerprint)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithTargetID(val string) *SpanAttributes {
	o.targetID.Set(val)
	return o
}

func (o *SpanAttributes) WithLanguage(val string) *SpanAttributes {
	o.language.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.corpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusVersion(val int) *SpanAttributes {
	o.corpusVersion.Set(val)
	return o
}

func (o *SpanAttributes) WithExecutions(val int) *SpanAttributes {
	o.executions.Set(val)
	return o
}

func (o *SpanAttributes) WithCrashSignal(val string) *SpanAttributes {
	o.crashSignal.Set(val)
	return o
}

func (o *SpanAttributes) WithFingerprint(val string) *SpanAttributes {
	o.fingerprint.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.ActionCategory != "" {
		attrs = append(attrs, attribute.String("fuzz.action.category", o.ActionCategory))
	}
	if o.targetID.set {
		attrs = append(attrs, attribute.String("fuzz.target.id", o.targetID.val))
	}
	if o.language.set {
		attrs = append(attrs, attribute.String("fuzz.target.language", o.language.val))
	}
	if o.corpusSize.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.size", o.corpusSize.val))
	}
	if o.corpusVersion.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.version", o.corpusVersion.val))
	}
	if o.executions.set {
		attrs = append(attrs, attribute.Int("fuzz.executions", o.executions.val))
	}
	if o.crashSignal.set {
		attrs = append(attrs, attribute.String("fuzz.crash.signal", o.crashSignal.val))
	}
	if o.fingerprint.set {
		attrs = append(attrs, attribute.String("fuzz.crash.fingerprint", o.fingerprint.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
