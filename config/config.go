// Package config parses the boot configuration text into the Environment
// handed to the kernel. The grammar is deliberately forgiving: a corrupt or
// partial config must never abort a boot, so malformed lines are skipped and
// reported, never escalated.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	// MaxLen is the environment page capacity minus the NUL terminator.
	MaxLen = 4095

	DefaultKernelPath = "sys/core"
	DefaultKernelBase = 0xffffffffe0000000

	defaultScreenWidth  = 1024
	defaultScreenHeight = 768
)

// Issue reports one skipped config line for the orchestrator to log.
type Issue struct {
	Line   int
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("line %d: %s", i.Line, i.Reason)
}

// Typed is the decoded view of the environment keys the loader itself acts
// on. Everything else is carried through to the kernel untouched.
type Typed struct {
	Kernel     string `mapstructure:"kernel"`
	KernelBase uint64 `mapstructure:"kernel.base"`
	NoSMP      bool   `mapstructure:"nosmp"`
}

// Environment is the resolved configuration record. Immutable once built.
type Environment struct {
	values map[string]interface{}
	typed  Typed

	screenW, screenH uint32
}

// Parse builds an Environment from UTF-8 config text. It never fails;
// unusable lines come back as issues with their line numbers.
func Parse(text string) (*Environment, []Issue) {
	values := map[string]interface{}{}

	var issues []Issue

	text = stripBlockComments(text)

	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		key, rawValue, found := strings.Cut(line, "=")
		if !found {
			issues = append(issues, Issue{Line: n + 1, Reason: "no '=' in assignment"})

			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			issues = append(issues, Issue{Line: n + 1, Reason: "empty key"})

			continue
		}

		// Last occurrence of a duplicate key wins.
		values[key] = classify(strings.TrimSpace(rawValue))
	}

	return newEnvironment(values), issues
}

func newEnvironment(values map[string]interface{}) *Environment {
	env := &Environment{
		values:  values,
		screenW: defaultScreenWidth,
		screenH: defaultScreenHeight,
	}

	env.typed = Typed{
		Kernel:     DefaultKernelPath,
		KernelBase: DefaultKernelBase,
	}

	// Weak decoding mirrors the loose scalar typing of the wire format:
	// nosmp=1 and nosmp=true both disable SMP.
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &env.typed,
		WeaklyTypedInput: true,
	})
	if err == nil {
		_ = dec.Decode(values) // best effort, defaults already set
	}

	// Integers parse into int64, so a full 64-bit base like
	// 0xffffffff80000000 wraps negative and the weak decode above rejects
	// it. Reinterpret the bits instead.
	if v, ok := values["kernel.base"].(int64); ok {
		env.typed.KernelBase = uint64(v)
	}

	if s, ok := values["screen"].(string); ok {
		if w, h, ok := parseScreen(s); ok {
			env.screenW, env.screenH = w, h
		}
	}

	return env
}

// Empty returns the environment used when no config is found anywhere.
func Empty() *Environment {
	return newEnvironment(map[string]interface{}{})
}

// classify types a raw value as bool, integer (decimal or 0x hex) or string.
func classify(raw string) interface{} {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}

	s := raw

	neg := false
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		neg = s[0] == '-'
		s = s[1:]
	}

	if v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), base(s), 64); err == nil && s != "" {
		if neg {
			return -int64(v)
		}

		return int64(v)
	}

	return raw
}

func base(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}

	return 10
}

func parseScreen(s string) (uint32, uint32, bool) {
	ws, hs, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, false
	}

	w, err := strconv.ParseUint(strings.TrimSpace(ws), 10, 32)
	if err != nil {
		return 0, 0, false
	}

	h, err := strconv.ParseUint(strings.TrimSpace(hs), 10, 32)
	if err != nil {
		return 0, 0, false
	}

	return uint32(w), uint32(h), true
}

func stripBlockComments(text string) string {
	var b strings.Builder

	for {
		start := strings.Index(text, "/*")
		if start < 0 {
			b.WriteString(text)

			break
		}

		b.WriteString(text[:start])

		end := strings.Index(text[start+2:], "*/")
		if end < 0 {
			break
		}

		// Keep newlines so issue line numbers stay aligned.
		for _, c := range text[start : start+2+end+2] {
			if c == '\n' {
				b.WriteByte('\n')
			}
		}

		text = text[start+2+end+2:]
	}

	return b.String()
}

// Get returns the typed value stored for key.
func (e *Environment) Get(key string) (interface{}, bool) {
	v, ok := e.values[key]

	return v, ok
}

// Len returns the number of keys present.
func (e *Environment) Len() int {
	return len(e.values)
}

// Kernel returns the archive path of the kernel, sys/core unless overridden
// by the kernel key.
func (e *Environment) Kernel() string {
	return e.typed.Kernel
}

// KernelBase returns the virtual base the kernel asked for, or the dynamic
// default.
func (e *Environment) KernelBase() uint64 {
	return e.typed.KernelBase
}

// NoSMP reports whether application core bring-up is disabled.
func (e *Environment) NoSMP() bool {
	return e.typed.NoSMP
}

// Screen returns the requested framebuffer geometry, 1024x768 by default.
func (e *Environment) Screen() (uint32, uint32) {
	return e.screenW, e.screenH
}

// Serialize renders the environment as canonical key = value lines, the form
// written into the kernel-visible environment page. Keys are sorted so the
// output is stable; re-parsing the result yields an equal environment.
func (e *Environment) Serialize() string {
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	for _, k := range keys {
		switch v := e.values[k].(type) {
		case bool:
			fmt.Fprintf(&b, "%s = %t\n", k, v)
		case int64:
			fmt.Fprintf(&b, "%s = %d\n", k, v)
		default:
			fmt.Fprintf(&b, "%s = %v\n", k, v)
		}
	}

	return b.String()
}
