// Package dotenv reads .env files into the process environment.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Result describes what Load did with a file.
type Result struct {
	Path    string
	Loaded  int
	Kept    int   // keys already present in the environment
	Skipped []int // 1-based line numbers that could not be parsed
}

// Load applies KEY=VALUE lines from path to the environment without
// overriding variables that are already set. Malformed lines are skipped and
// reported rather than failing the whole file. A missing file is not an error.
func Load(path string) (Result, error) {
	res := Result{Path: path}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := parseLine(line)
		if !ok {
			res.Skipped = append(res.Skipped, lineNo)
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			res.Kept++
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return res, fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
		res.Loaded++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan env file %q: %w", path, err)
	}
	return res, nil
}

func parseLine(line string) (key, val string, ok bool) {
	line = strings.TrimPrefix(line, "export ")
	idx := strings.IndexByte(line, '=')
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	if !validKey(key) {
		return "", "", false
	}
	val, ok = parseValue(strings.TrimSpace(line[idx+1:]))
	return key, val, ok
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		case r == '.' && i > 0:
		default:
			return false
		}
	}
	return true
}

func parseValue(raw string) (string, bool) {
	if raw == "" {
		return "", true
	}
	switch raw[0] {
	case '"':
		end := closingQuote(raw, '"')
		if end < 0 {
			return "", false
		}
		r := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`)
		return r.Replace(raw[1:end]), true
	case '\'':
		end := closingQuote(raw, '\'')
		if end < 0 {
			return "", false
		}
		return raw[1:end], true
	}
	// Unquoted values end at an inline " #" comment.
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw), true
}

func closingQuote(raw string, q byte) int {
	for i := 1; i < len(raw); i++ {
		if raw[i] == '\\' && q == '"' {
			i++
			continue
		}
		if raw[i] == q {
			return i
		}
	}
	return -1
}
