package plugin

// ScriptError is a failure raised inside plugin code. Trace is the script's
// own traceback; Cause is the wrapped Go error when the script called back
// into the host and that call failed.
type ScriptError struct {
	File    string
	Message string
	Trace   string
	Cause   error
}

func (e *ScriptError) Error() string {
	if e.File == "" {
		return e.Message
	}
	return e.File + ": " + e.Message
}

func (e *ScriptError) Unwrap() error { return e.Cause }

// StackTrace returns the script traceback.
func (e *ScriptError) StackTrace() string { return e.Trace }
