package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} references in blink.yaml with values
// from the environment. Literal $ characters (regexes, passwords) are left
// alone, which is why shell-style ${VAR} is not supported.
//
// Unset variables expand to the empty string; validation catches required
// fields that end up empty. Content that is not a valid template is
// returned unchanged so the YAML parser can report the real problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("blink.yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
