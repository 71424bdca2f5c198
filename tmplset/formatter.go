package tmplset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/flosch/pongo2"
	"github.com/mitchellh/mapstructure"

	"github.com/colodha/colod/jsonval"
)

var (
	declRE        = regexp.MustCompile(`@@DECL_([A-Z0-9_]+)@@`)
	placeholderRE = regexp.MustCompile(`@@([A-Z0-9_]+)@@`)
)

// parsed is the per-Template result of extracting @@DECL_*@@ defaults
// and rewriting every @@NAME@@ token into a pongo2 {{ name }} tag. It
// depends only on the Template's own text, not on any caller-supplied
// bindings, so it's computed once and cached.
type parsed struct {
	tpl      *pongo2.Template
	defaults map[string]jsonval.Value
}

// Formatter expands Templates against operator-supplied bindings. The
// zero value is not usable; construct one with NewFormatter. A
// Formatter is safe for concurrent use.
type Formatter struct {
	mu    sync.Mutex
	cache map[Template]*parsed
}

// NewFormatter returns a ready Formatter with an empty template cache.
func NewFormatter() *Formatter {
	return &Formatter{cache: make(map[Template]*parsed)}
}

// Format expands every Template of seq against bindings (keyed by the
// lower_snake form of its placeholder, e.g. @@NBD_PORT@@ -> "nbd_port")
// and returns one rendered line per Template, in order.
func (f *Formatter) Format(seq Sequence, bindings map[string]jsonval.Value) ([]string, error) {
	out := make([]string, 0, len(seq))

	for _, tpl := range seq {
		line, err := f.formatOne(tpl, bindings)
		if err != nil {
			return nil, err
		}

		out = append(out, line)
	}

	return out, nil
}

// Validate runs seq through Format with no bindings, matching spec.md
// §4.8's "validates by running through the formatter with null
// bindings" for the set-prepare-secondary family of commands: it
// catches malformed placeholder syntax and malformed @@DECL_*@@
// default JSON before a new sequence is installed.
func (f *Formatter) Validate(seq Sequence) error {
	_, err := f.Format(seq, nil)
	return err
}

func (f *Formatter) formatOne(tpl Template, bindings map[string]jsonval.Value) (string, error) {
	p, err := f.getOrParse(tpl)
	if err != nil {
		return "", err
	}

	ctx := pongo2.Context{}

	for name, def := range p.defaults {
		ctx[name] = renderContextValue(mergeValue(def, bindings[name]))
	}

	for name, val := range bindings {
		if _, declared := p.defaults[name]; declared {
			continue
		}

		ctx[name] = renderContextValue(val)
	}

	out, err := p.tpl.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("tmplset: rendering template: %w", err)
	}

	return out, nil
}

func (f *Formatter) getOrParse(tpl Template) (*parsed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[tpl]; ok {
		return p, nil
	}

	stripped, defaults, err := extractDecls(string(tpl))
	if err != nil {
		return nil, err
	}

	source := "{% autoescape off %}" + tagifyPlaceholders(stripped) + "{% endautoescape %}"

	pt, err := pongo2.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("tmplset: parsing template: %w", err)
	}

	p := &parsed{tpl: pt, defaults: defaults}
	f.cache[tpl] = p

	return p, nil
}

// extractDecls removes every @@DECL_NAME@@ {json...} declaration from
// text, returning the declaration-free text plus the decoded default
// value for each declared name (lower-cased). The JSON default's
// extent is found with a streaming decoder rather than a brace-
// matching regexp, so arbitrarily nested default objects parse
// correctly.
func extractDecls(text string) (string, map[string]jsonval.Value, error) {
	defaults := make(map[string]jsonval.Value)

	for {
		loc := declRE.FindStringSubmatchIndex(text)
		if loc == nil {
			break
		}

		name := strings.ToLower(text[loc[2]:loc[3]])
		rest := text[loc[1]:]
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		skipped := len(rest) - len(trimmed)

		dec := json.NewDecoder(strings.NewReader(trimmed))

		var val jsonval.Value
		if err := dec.Decode(&val); err != nil {
			return "", nil, fmt.Errorf("tmplset: parsing @@DECL_%s@@ default: %w", strings.ToUpper(name), err)
		}

		defaults[name] = val

		declEnd := loc[1] + skipped + int(dec.InputOffset())
		text = text[:loc[0]] + text[declEnd:]
	}

	return text, defaults, nil
}

func tagifyPlaceholders(text string) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.ToLower(placeholderRE.FindStringSubmatch(m)[1])
		return "{{ " + name + " }}"
	})
}

// mergeValue applies an operator override on top of a @@DECL_*@@
// default: when both are JSON objects, the override's keys replace the
// matching default keys one level deep; any other shape, or a nil
// override, just picks the override (if present) or the default.
// mapstructure.Decode does the loosely-typed override->map conversion
// (operator JSON may use json.Number, nested maps, etc.); the merge
// itself is a plain key overlay rather than relying on any map-merge
// behavior of the decoder.
func mergeValue(def, override jsonval.Value) jsonval.Value {
	if override == nil {
		return def
	}

	defObj, defIsObj := jsonval.Object(def)
	overObj, overIsObj := jsonval.Object(override)

	if !defIsObj || !overIsObj {
		return override
	}

	var decodedOverride map[string]jsonval.Value
	if err := mapstructure.Decode(overObj, &decodedOverride); err != nil {
		return override
	}

	merged := make(map[string]jsonval.Value, len(defObj)+len(decodedOverride))
	for k, v := range defObj {
		merged[k] = v
	}

	for k, v := range decodedOverride {
		merged[k] = v
	}

	return merged
}

// renderContextValue turns a bound jsonval.Value into what pongo2
// should print: a plain string substitutes literally (so
// @@ADDRESS@@ -> 10.0.0.2, not "10.0.0.2"), anything else is
// re-marshalled to compact JSON so object/array/number/bool defaults
// (e.g. @@COMP_PROP@@'s merged properties object) land in the
// template as valid inline JSON.
func renderContextValue(v jsonval.Value) string {
	if s, ok := v.(string); ok {
		return s
	}

	if v == nil {
		return ""
	}

	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(b)
}
