// Package input expands command arguments that read product ids from stdin
// (-) or from a file (@path).
package input

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrStdinReused is returned when - appears more than once
var ErrStdinReused = errors.New("stdin can only be read once")

// ExpandArgs replaces - with the lines of stdin and @path with the lines of
// the file. Other values pass through unchanged.
func ExpandArgs(args []string, stdin io.Reader) ([]string, error) {
	var result []string
	stdinUsed := false
	for _, arg := range args {
		switch {
		case arg == "-":
			if stdinUsed {
				return nil, ErrStdinReused
			}
			stdinUsed = true
			lines, err := ReadLines(stdin)
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			result = append(result, lines...)
		case strings.HasPrefix(arg, "@"):
			path := strings.TrimPrefix(arg, "@")
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			lines, err := ReadLines(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			result = append(result, lines...)
		default:
			result = append(result, arg)
		}
	}
	return result, nil
}

// ReadLines reads non-empty lines, skipping # comments
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
