package opt

// ConfigError reports an Optimize call made with an incomplete or, in strict
// mode, degenerate configuration. No objective evaluation happens before it
// is returned.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Field + " " + e.Reason
}

// Is reports whether target is ErrConfig or a ConfigError for the same field
// and reason.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	return ok && (t == ErrConfig || (t.Field == e.Field && t.Reason == e.Reason))
}

// ErrConfig matches any configuration error: errors.Is(err, opt.ErrConfig).
var ErrConfig = &ConfigError{}

var (
	ErrNoObjective        = &ConfigError{Field: "objective", Reason: "is not set"}
	ErrNoStartPoint       = &ConfigError{Field: "start point", Reason: "is not set"}
	ErrEmptyStartPoint    = &ConfigError{Field: "start point", Reason: "has no dimensions"}
	ErrZeroStep           = &ConfigError{Field: "difference step", Reason: "must be finite and nonzero"}
	ErrNegativeIterations = &ConfigError{Field: "max iterations", Reason: "cannot be negative"}
)
