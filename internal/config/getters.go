package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// envReader parses typed environment values and keeps the first error, so a
// malformed value is reported instead of silently replaced by a default.
type envReader struct {
	err error
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = &ConfigError{Field: key, Err: err}
	}
}

func (e *envReader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, fmt.Errorf("invalid integer %q", v))
		return def
	}
	return parsed
}

func (e *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.fail(key, fmt.Errorf("invalid number %q", v))
		return def
	}
	return parsed
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, fmt.Errorf("invalid duration %q", v))
		return def
	}
	return parsed
}

// intList accepts "2019,2020" or an inclusive range "1-12", or a mix.
func (e *envReader) intList(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	list, err := ParseIntList(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return list
}

// ParseIntList parses comma separated integers and inclusive ranges.
func ParseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if end < start {
				return nil, fmt.Errorf("invalid range %q: end before start", part)
			}
			for i := start; i <= end; i++ {
				out = append(out, i)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list %q", s)
	}
	return out, nil
}
