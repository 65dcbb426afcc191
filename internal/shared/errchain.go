package shared

import (
	"errors"
	"strings"
)

type stackTracer interface {
	StackTrace() string
}

// CauseChain summarizes err for logging. When err wraps an inner cause, the
// cause is reported instead of the wrapper. The trace is the cause's own
// stack trace if it has one, otherwise the messages of the remaining chain,
// cut to at most maxLines lines.
func CauseChain(err error, maxLines int) (msg, trace string) {
	if err == nil {
		return "", ""
	}
	focus := err
	if inner := errors.Unwrap(err); inner != nil {
		focus = inner
	}
	msg = focus.Error()

	var lines []string
	var st stackTracer
	if errors.As(focus, &st) && st.StackTrace() != "" {
		lines = strings.Split(strings.TrimSpace(st.StackTrace()), "\n")
	} else if errors.As(err, &st) && st.StackTrace() != "" {
		lines = strings.Split(strings.TrimSpace(st.StackTrace()), "\n")
	} else {
		for e := errors.Unwrap(focus); e != nil; e = errors.Unwrap(e) {
			lines = append(lines, e.Error())
		}
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return msg, strings.Join(lines, "\n")
}
