// Package xmlparse extracts inline XML tool calls from streaming LLM text.
// The canonical shape is
//
//	<function_calls>
//	  <invoke name="TOOL_NAME">
//	    <parameter name="P1">value1</parameter>
//	  </invoke>
//	</function_calls>
//
// with a legacy <tool-name attr="v">…</tool-name> shape accepted for older
// agents. Parsing is buffer-oriented: callers feed a growing text buffer and
// get back the calls completed so far plus the residual to carry forward.
package xmlparse

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Call is one completed tool invocation found in the text.
type Call struct {
	Name string
	Args map[string]any
}

var (
	invokePattern = regexp.MustCompile(
		`(?s)<invoke\s+name\s*=\s*(?:"([^"]+)"|'([^']+)')\s*>(.*?)</invoke>`)
	parameterPattern = regexp.MustCompile(
		`(?s)<parameter\s+name\s*=\s*(?:"([^"]+)"|'([^']+)')\s*>(.*?)</parameter>`)
	attrPattern = regexp.MustCompile(
		`([\w-]+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// entityReplacer undoes the XML escaping models apply inside parameter values.
var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// Parser recognizes tool-call blocks in possibly-partial text.
// Legacy bare-tag calls are only matched for registered tool names, so
// ordinary markup in model output is never misread as a call.
type Parser struct {
	legacy map[string]*regexp.Regexp
}

// NewParser creates a Parser. legacyTools lists tool names that may appear in
// the legacy <tool-name attr="v">…</tool-name> shape.
func NewParser(legacyTools ...string) *Parser {
	p := &Parser{legacy: make(map[string]*regexp.Regexp, len(legacyTools))}
	for _, name := range legacyTools {
		quoted := regexp.QuoteMeta(name)
		p.legacy[name] = regexp.MustCompile(
			`(?s)<` + quoted + `((?:\s+[\w-]+\s*=\s*(?:"[^"]*"|'[^']*'))*)\s*(?:/>|>(.*?)</` + quoted + `>)`)
	}
	return p
}

type spanned struct {
	start, end int
	call       Call
}

// Extract returns the calls whose closing tag has been seen, in document
// order, plus the residual buffer. Callers append the next text delta to the
// residual and call again; already-extracted calls never reappear because
// their text is consumed. Interleaved plain text is tolerated (and stays in
// the residual — the text stream is handled separately by the caller).
func (p *Parser) Extract(buffer string) ([]Call, string) {
	var found []spanned

	for _, m := range invokePattern.FindAllStringSubmatchIndex(buffer, -1) {
		name := submatch(buffer, m, 1)
		if name == "" {
			name = submatch(buffer, m, 2)
		}
		body := submatch(buffer, m, 3)
		found = append(found, spanned{
			start: m[0],
			end:   m[1],
			call:  Call{Name: name, Args: parseParameters(body)},
		})
	}

	for name, pattern := range p.legacy {
		for _, m := range pattern.FindAllStringSubmatchIndex(buffer, -1) {
			attrs := submatch(buffer, m, 1)
			body := submatch(buffer, m, 2)
			found = append(found, spanned{
				start: m[0],
				end:   m[1],
				call:  Call{Name: name, Args: parseLegacyArgs(attrs, body)},
			})
		}
	}

	if len(found) == 0 {
		return nil, buffer
	}

	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	// Drop matches nested inside an earlier match (a legacy tool name quoted
	// inside an invoke's parameter value, for instance).
	calls := make([]Call, 0, len(found))
	consumed := 0
	for _, f := range found {
		if f.start < consumed {
			continue
		}
		calls = append(calls, f.call)
		consumed = f.end
	}

	return calls, buffer[consumed:]
}

// parseParameters extracts <parameter name="...">value</parameter> pairs.
func parseParameters(body string) map[string]any {
	args := make(map[string]any)
	for _, m := range parameterPattern.FindAllStringSubmatchIndex(body, -1) {
		name := submatch(body, m, 1)
		if name == "" {
			name = submatch(body, m, 2)
		}
		args[name] = coerceValue(submatch(body, m, 3))
	}
	return args
}

// parseLegacyArgs builds arguments from a legacy call's attributes and body.
// A body without parameter tags becomes the "content" argument.
func parseLegacyArgs(attrs, body string) map[string]any {
	args := make(map[string]any)
	for _, m := range attrPattern.FindAllStringSubmatch(attrs, -1) {
		value := m[2]
		if value == "" && m[3] != "" {
			value = m[3]
		}
		args[m[1]] = coerceValue(value)
	}
	if strings.Contains(body, "<parameter") {
		for k, v := range parseParameters(body) {
			args[k] = v
		}
	} else if trimmed := strings.TrimSpace(body); trimmed != "" {
		args["content"] = coerceValue(trimmed)
	}
	return args
}

// coerceValue converts a raw parameter string into a structured value:
// JSON-looking strings decode to structured values (with a YAML fallback for
// the single-quoted and unquoted flow forms models emit), true/false to bool,
// bare numbers to numerics, everything else stays a string.
func coerceValue(s string) any {
	s = strings.TrimSpace(entityReplacer.Replace(s))
	if s == "" {
		return ""
	}

	if b := s[0]; b == '{' || b == '[' || b == '"' {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
		if b != '"' {
			// Models often emit JSON-ish structures with single quotes or
			// bare keys. YAML flow syntax accepts those; only a structured
			// result counts, so prose starting with a brace stays a string.
			if err := yaml.Unmarshal([]byte(s), &v); err == nil {
				switch v.(type) {
				case map[string]any, []any:
					return v
				}
			}
		}
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return s
		}
		return f
	}

	return s
}

// escapeReplacer applies the XML escaping Extract undoes.
var escapeReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Format renders calls back into the canonical <function_calls> block.
// Extract(Format(calls)) reproduces the calls; parameters are emitted in
// sorted name order so the output is deterministic.
func Format(calls ...Call) string {
	var b strings.Builder
	b.WriteString("<function_calls>\n")
	for _, c := range calls {
		b.WriteString(`  <invoke name="`)
		b.WriteString(c.Name)
		b.WriteString("\">\n")
		names := make([]string, 0, len(c.Args))
		for name := range c.Args {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(`    <parameter name="`)
			b.WriteString(name)
			b.WriteString(`">`)
			b.WriteString(formatValue(c.Args[name]))
			b.WriteString("</parameter>\n")
		}
		b.WriteString("  </invoke>\n")
	}
	b.WriteString("</function_calls>")
	return b.String()
}

// formatValue renders one argument so coerceValue recovers it: structured
// values as JSON, scalars in their bare form, strings escaped.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return escapeReplacer.Replace(val)
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return escapeReplacer.Replace(fmt.Sprint(val))
		}
		return escapeReplacer.Replace(string(raw))
	}
}

// submatch returns the text of capture group i, or "" when it did not match.
func submatch(s string, m []int, i int) string {
	if m[2*i] < 0 {
		return ""
	}
	return s[m[2*i]:m[2*i+1]]
}
