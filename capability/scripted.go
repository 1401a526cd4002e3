package capability

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/seoflow/types"
	"gopkg.in/yaml.v3"
)

//go:embed default_script.yaml
var defaultScript []byte

// Failure kinds a script step can simulate.
const (
	FailTransient = "transient"
	FailFatal     = "fatal"
)

// ScriptStep is the canned behaviour of one stage.
type ScriptStep struct {
	Delay            time.Duration          `yaml:"delay"`
	RequiresApproval bool                   `yaml:"requires_approval"`
	Message          string                 `yaml:"message"`
	FailTimes        int                    `yaml:"fail_times"`
	FailKind         string                 `yaml:"fail_kind"`
	Result           map[string]interface{} `yaml:"result"`
}

// Script is a YAML document describing every stage's output.
type Script struct {
	Stages map[types.Stage]ScriptStep `yaml:"stages"`
}

// ParseScript decodes and validates a script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for stage, step := range s.Stages {
		if !stage.Valid() {
			return nil, fmt.Errorf("parse script: unknown stage %q", stage)
		}
		switch step.FailKind {
		case "", FailTransient, FailFatal:
		default:
			return nil, fmt.Errorf("parse script: stage %s: unknown fail_kind %q", stage, step.FailKind)
		}
	}
	return &s, nil
}

// LoadScript reads a script from disk.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	return ParseScript(data)
}

// DefaultScript returns the built-in offline script.
func DefaultScript() *Script {
	s, err := ParseScript(defaultScript)
	if err != nil {
		panic(fmt.Sprintf("embedded script is invalid: %v", err))
	}
	return s
}

// Scripted serves stage results from a Script. It is the demo and offline
// backend and also drives failure scenarios in tests.
type Scripted struct {
	script *Script
}

// NewScripted builds a capability from a parsed script.
func NewScripted(script *Script) *Scripted {
	return &Scripted{script: script}
}

// Execute implements Capability.
func (c *Scripted) Execute(ctx context.Context, in Input) (Output, error) {
	step, ok := c.script.Stages[in.Stage]
	if !ok {
		return Output{}, Fatal(fmt.Errorf("script has no entry for stage %s", in.Stage))
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-timer.C:
		}
	}

	if in.Attempt <= step.FailTimes {
		err := fmt.Errorf("scripted failure %d/%d for %s", in.Attempt, step.FailTimes, in.Stage)
		if step.FailKind == FailFatal {
			return Output{}, Fatal(err)
		}
		return Output{}, Transient(err)
	}

	raw, err := json.Marshal(step.Result)
	if err != nil {
		return Output{}, Fatal(fmt.Errorf("encode scripted result: %w", err))
	}
	raw = expand(raw, in)
	result, err := types.DecodeResult(in.Stage, raw)
	if err != nil {
		return Output{}, Fatal(err)
	}
	return Output{
		Result:           result,
		RequiresApproval: step.RequiresApproval,
		Message:          step.Message,
	}, nil
}

// expand substitutes placeholders in the JSON encoding of a result.
// Numeric placeholders written as quoted strings become bare numbers.
func expand(raw []byte, in Input) []byte {
	opts := in.Options.WithDefaults()
	text := string(raw)
	text = strings.ReplaceAll(text, `"{{target_word_count}}"`, strconv.Itoa(opts.TargetWordCount))
	r := strings.NewReplacer(
		"{{keyword}}", jsonEscape(in.Keyword),
		"{{target_audience}}", jsonEscape(opts.TargetAudience),
		"{{content_type}}", jsonEscape(opts.ContentType),
		"{{target_word_count}}", strconv.Itoa(opts.TargetWordCount),
	)
	return []byte(r.Replace(text))
}

// jsonEscape returns s escaped for embedding inside a JSON string literal.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil || len(b) < 2 {
		return ""
	}
	return string(b[1 : len(b)-1])
}

// ErrNoScript is returned by NewScriptedFromFile for an empty path.
var ErrNoScript = errors.New("script path is empty")

// NewScriptedFromFile loads path, or the built-in script when path is empty
// and fallback is set.
func NewScriptedFromFile(path string, fallback bool) (*Scripted, error) {
	if path == "" {
		if !fallback {
			return nil, ErrNoScript
		}
		return NewScripted(DefaultScript()), nil
	}
	script, err := LoadScript(path)
	if err != nil {
		return nil, err
	}
	return NewScripted(script), nil
}
