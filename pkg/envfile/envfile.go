// Package envfile reads and writes the KEY=value artifact format pipelines use to hand variables to
// later flow steps.
package envfile

import (
	"bufio"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const exportPrefix = "export "

const maxLineLength = 1024 * 1024

var (
	escaper   = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\n`, "\n")
)

// Parse extracts key/value pairs. Blank lines, '#' comments, lines without '=' and lines with an
// empty key are skipped. An optional "export " prefix and matching surrounding quotes are removed,
// and double quoted values are unescaped. A line longer than 1 MiB stops parsing with an error;
// the pairs read before it are still returned.
func Parse(content string) (map[string]string, error) {
	variables := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line = strings.TrimPrefix(line, exportPrefix)

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		variables[key] = unquote(strings.TrimSpace(value))
	}

	if err := scanner.Err(); err != nil {
		return variables, fmt.Errorf("failed to read variables: %w", err)
	}

	return variables, nil
}

func unquote(value string) string {
	if len(value) < 2 {
		return value
	}

	first, last := value[0], value[len(value)-1]
	if first == '"' && last == '"' {
		return unescaper.Replace(value[1 : len(value)-1])
	}

	if first == '\'' && last == '\'' {
		return value[1 : len(value)-1]
	}

	return value
}

// Merge returns base overlaid with overlay. Neither input is modified.
func Merge(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	maps.Copy(merged, base)
	maps.Copy(merged, overlay)

	return merged
}

// Format renders variables as sorted KEY=value lines. Values containing whitespace or quotes are
// double quoted with backslashes, double quotes and newlines escaped so Parse reads them back.
func Format(variables map[string]string) string {
	var builder strings.Builder

	for _, key := range slices.Sorted(maps.Keys(variables)) {
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(quote(variables[key]))
		builder.WriteByte('\n')
	}

	return builder.String()
}

func quote(value string) string {
	if !strings.ContainsAny(value, " \t\n\"'") {
		return value
	}

	return `"` + escaper.Replace(value) + `"`
}
