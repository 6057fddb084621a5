// Package bridgelog defines the logging interface used by all wsbridge components.
package bridgelog

// Logger is the structured logger accepted by wsbridge components.
// Arguments are key-value pairs, same as for [log/slog].
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger which prepends the specified args to all further log calls.
	With(args ...any) Logger

	// WithComponent returns a logger annotated with the name of the component performing the logging,
	// such as "wsbridge.channel".
	WithComponent(component string) Logger
}

// PlainLogger is the minimal logger interface, implemented, for example, by [*log/slog.Logger].
type PlainLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const componentKey = "component"

// WrapPlainLogger adapts a [PlainLogger] to the full [Logger] interface,
// implementing With and WithComponent by accumulating the args on the wrapper.
func WrapPlainLogger(logger PlainLogger) Logger {
	return &plainWrapper{logger: logger}
}

type plainWrapper struct {
	logger PlainLogger
	args   []any
}

func (w *plainWrapper) Debug(msg string, args ...any) {
	w.logger.Debug(msg, w.join(args)...)
}

func (w *plainWrapper) Info(msg string, args ...any) {
	w.logger.Info(msg, w.join(args)...)
}

func (w *plainWrapper) Warn(msg string, args ...any) {
	w.logger.Warn(msg, w.join(args)...)
}

func (w *plainWrapper) Error(msg string, args ...any) {
	w.logger.Error(msg, w.join(args)...)
}

func (w *plainWrapper) With(args ...any) Logger {
	return &plainWrapper{logger: w.logger, args: w.join(args)}
}

func (w *plainWrapper) WithComponent(component string) Logger {
	return w.With(componentKey, component)
}

func (w *plainWrapper) join(args []any) []any {
	if len(w.args) == 0 {
		return args
	}

	joined := make([]any, 0, len(w.args)+len(args))
	joined = append(joined, w.args...)
	return append(joined, args...)
}
