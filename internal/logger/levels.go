package logger

// ValidLogLevels enumerates the levels accepted in configuration.
var ValidLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// NewComponentLogger builds a logger for a named component at the given
// level. Falls back to the default logger when the level cannot be parsed,
// so a bad per-component override never takes the process down.
func NewComponentLogger(component, level string, development bool) *Logger {
	l, err := NewLogger(level, development)
	if err != nil {
		l = GetDefaultLogger()
		l.Warnf("invalid log level %q for component %s, using default", level, component)
	}
	return l.WithComponent(component)
}
