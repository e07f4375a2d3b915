package logging

import (
	"regexp"
	"sync"
)

var globalLoggerRegistry = newRegistry()

// Registry tracks named loggers so that the config's log patterns reach loggers created both
// before and after the config is read. Module loggers in particular are created on every load.
type Registry struct {
	mu       sync.RWMutex
	loggers  map[string]Logger
	patterns []compiledPattern
}

type compiledPattern struct {
	re    *regexp.Regexp
	level Level
}

func newRegistry() *Registry {
	return &Registry{loggers: map[string]Logger{}}
}

func (lr *Registry) loggerNamed(name string) (Logger, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	return logger, ok
}

// levelFor returns the level of the last pattern matching name.
func levelFor(patterns []compiledPattern, name string) (Level, bool) {
	level, matched := INFO, false
	for _, p := range patterns {
		if p.re.MatchString(name) {
			level, matched = p.level, true
		}
	}
	return level, matched
}

// UpdateConfig replaces the pattern config and applies it to every registered logger. Later
// patterns win over earlier ones and loggers no pattern matches go back to INFO. Malformed
// patterns are reported to errorLogger and skipped.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	patterns := make([]compiledPattern, 0, len(logConfig))
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			errorLogger.Warnw("ignoring invalid logger pattern", "pattern", lpc.Pattern)
			continue
		}
		level, err := LevelFromString(lpc.Level)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return err
		}
		patterns = append(patterns, compiledPattern{re: re, level: level})
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.patterns = patterns
	for name, logger := range lr.loggers {
		level, _ := levelFor(patterns, name)
		logger.SetLevel(level)
	}
	return nil
}

// getOrRegister returns the logger already registered under name, or registers logger with the
// current patterns applied. Concurrent callers all end up with the first logger registered.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}
	lr.addLocked(name, logger)
	return logger
}

// replace registers logger under name, superseding any earlier logger of that name.
func (lr *Registry) replace(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.addLocked(name, logger)
}

func (lr *Registry) addLocked(name string, logger Logger) {
	lr.loggers[name] = logger
	if level, ok := levelFor(lr.patterns, name); ok {
		logger.SetLevel(level)
	}
}

// UpdateLoggerLevels applies the log pattern configuration to all loggers known to the process.
func UpdateLoggerLevels(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	return globalLoggerRegistry.UpdateConfig(logConfig, errorLogger)
}
