// Package multierror aggregates the errors of independent operations.
package multierror

import "strings"

// Error aggregates multiple errors into one, one message per line.
type Error []error

func (m Error) Error() string {
	messages := make([]string, 0, len(m))
	for _, err := range m {
		if err == nil {
			continue
		}
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n")
}

// Unwrap lets errors.Is and errors.As inspect every aggregated error.
func (m Error) Unwrap() []error {
	return m
}

// ErrorOrNil returns nil if no error was collected.
func (m Error) ErrorOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Append appends err to m if err is not nil.
func Append(m *Error, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
