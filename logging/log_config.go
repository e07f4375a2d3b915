package logging

import (
	"regexp"
	"strings"
)

// LoggerPatternConfig sets the level of every logger whose name matches Pattern. Patterns are
// dot separated logger names in which a "*" section matches anything, e.g. "labkernel.kernel.*".
type LoggerPatternConfig struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Level   string `json:"level" yaml:"level"`
}

// A section is a module or component name such as "stage" or "positioner-1", or a wildcard.
var loggerPatternRegexp = regexp.MustCompile(
	`^(\*|[a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*)(\.(\*|[a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*))*$`)

func validatePattern(pattern string) bool {
	return loggerPatternRegexp.MatchString(pattern)
}

// ValidatePatternConfig checks that every pattern is well formed and every level is known.
func ValidatePatternConfig(cfgs []LoggerPatternConfig) error {
	for _, lpc := range cfgs {
		if !validatePattern(lpc.Pattern) {
			return &InvalidPatternError{Pattern: lpc.Pattern}
		}
		if _, err := LevelFromString(lpc.Level); err != nil {
			return err
		}
	}
	return nil
}

// InvalidPatternError is returned for logger patterns that can never match a logger name.
type InvalidPatternError struct {
	Pattern string
}

func (e *InvalidPatternError) Error() string {
	return "invalid logger pattern " + e.Pattern
}

// buildRegexFromPattern anchors the pattern and turns each "*" into ".*".
func buildRegexFromPattern(pattern string) string {
	return "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`) + "$"
}
