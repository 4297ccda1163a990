package retro

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/retrobot/internal/models"
)

//go:embed steps.yaml
var defaultSteps []byte

const defaultMaxLength = 2000

// Tag is one accepted value of an enumerated step.
type Tag struct {
	Name    string   `yaml:"name"`
	Emoji   string   `yaml:"emoji"`
	Aliases []string `yaml:"aliases"`
}

// StepDef describes how a step is asked and validated.
type StepDef struct {
	Step      models.Step      `yaml:"step"`
	Kind      models.ValueKind `yaml:"kind"`
	Question  string           `yaml:"question"`
	Hint      string           `yaml:"hint"`
	Skippable bool             `yaml:"skippable"`
	Min       int              `yaml:"min"`
	Max       int              `yaml:"max"`
	Tags      []Tag            `yaml:"tags"`
	MaxLength int              `yaml:"max_length"`
}

type catalogueFile struct {
	MaxLength int       `yaml:"max_length"`
	Steps     []StepDef `yaml:"steps"`
}

// Catalogue holds the definition of every question step.
type Catalogue struct {
	defs map[models.Step]StepDef
}

// DefaultCatalogue returns the built-in questions.
func DefaultCatalogue() *Catalogue {
	c, err := ParseCatalogue(defaultSteps)
	if err != nil {
		panic(fmt.Sprintf("embedded steps.yaml: %v", err))
	}
	return c
}

// LoadCatalogue reads a catalogue from path, or returns the built-in one
// when path is empty.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steps file: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes and checks a YAML catalogue. The steps must follow
// models.Sequence exactly.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if len(file.Steps) != len(models.Sequence) {
		return nil, fmt.Errorf("expected %d steps, got %d", len(models.Sequence), len(file.Steps))
	}
	if file.MaxLength <= 0 {
		file.MaxLength = defaultMaxLength
	}

	defs := make(map[models.Step]StepDef, len(file.Steps))
	for i, def := range file.Steps {
		if want := models.Sequence[i]; def.Step != want {
			return nil, fmt.Errorf("step %d: expected %q, got %q", i+1, want, def.Step)
		}
		if def.Question == "" {
			return nil, fmt.Errorf("step %q: question is required", def.Step)
		}
		switch def.Kind {
		case models.KindNumber:
			if def.Min > def.Max {
				return nil, fmt.Errorf("step %q: min %d above max %d", def.Step, def.Min, def.Max)
			}
		case models.KindTag:
			if len(def.Tags) == 0 {
				return nil, fmt.Errorf("step %q: tag step needs tags", def.Step)
			}
		case models.KindText:
			if def.MaxLength <= 0 {
				def.MaxLength = file.MaxLength
			}
		default:
			return nil, fmt.Errorf("step %q: unknown kind %q", def.Step, def.Kind)
		}
		defs[def.Step] = def
	}
	return &Catalogue{defs: defs}, nil
}

// Def returns the definition for a question step.
func (c *Catalogue) Def(step models.Step) (StepDef, bool) {
	def, ok := c.defs[step]
	return def, ok
}

// Validate turns raw user input into a value for step.
func (c *Catalogue) Validate(step models.Step, raw string) (models.Value, error) {
	def, ok := c.defs[step]
	if !ok {
		return models.Value{}, &ValidationError{Step: step, Reason: "this step takes no answer"}
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Value{}, &ValidationError{Step: step, Reason: "the answer is empty"}
	}

	switch def.Kind {
	case models.KindNumber:
		n, ok := parseNumber(raw)
		if !ok {
			return models.Value{}, &ValidationError{Step: step, Reason: fmt.Sprintf("please answer with a number from %d to %d", def.Min, def.Max)}
		}
		if n < def.Min || n > def.Max {
			return models.Value{}, &ValidationError{Step: step, Reason: fmt.Sprintf("%d is outside %d to %d", n, def.Min, def.Max)}
		}
		return models.NumberValue(n), nil

	case models.KindTag:
		if tag, ok := matchTag(def.Tags, raw); ok {
			return models.TagValue(tag), nil
		}
		names := make([]string, len(def.Tags))
		for i, t := range def.Tags {
			names[i] = t.Name
		}
		return models.Value{}, &ValidationError{Step: step, Reason: "please pick one of: " + strings.Join(names, ", ")}

	default:
		if n := utf8.RuneCountInString(raw); n > def.MaxLength {
			return models.Value{}, &ValidationError{Step: step, Reason: fmt.Sprintf("the answer is too long (%d characters, limit %d)", n, def.MaxLength)}
		}
		return models.TextValue(raw), nil
	}
}

// variationSelector is appended to some emoji by mobile keyboards.
const variationSelector = "\uFE0F"

var (
	leadingNumber = regexp.MustCompile(`^\d+`)

	spokenNumbers = map[string]int{
		"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
)

// parseNumber accepts "4", "4/5", "4 - tired" and spoken forms such as
// "Four." that speech-to-text tends to produce.
func parseNumber(raw string) (int, bool) {
	if m := leadingNumber.FindString(raw); m != "" {
		n, err := strconv.Atoi(m)
		return n, err == nil
	}
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return 0, false
	}
	n, ok := spokenNumbers[strings.TrimFunc(fields[0], isPunct)]
	return n, ok
}

func matchTag(tags []Tag, raw string) (string, bool) {
	cleaned := strings.ReplaceAll(strings.ToLower(raw), variationSelector, "")
	for _, field := range strings.Fields(cleaned) {
		word := strings.TrimFunc(field, isPunct)
		for _, t := range tags {
			if t.Emoji != "" && strings.Contains(field, strings.ReplaceAll(t.Emoji, variationSelector, "")) {
				return t.Name, true
			}
			if word == t.Name {
				return t.Name, true
			}
			for _, alias := range t.Aliases {
				if word == alias {
					return t.Name, true
				}
			}
		}
	}
	return "", false
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r) && r < 0x2000
}
