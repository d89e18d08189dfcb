package spawn

import "fmt"

// Transforms are pure rewrites of a spec that wrap the command line with
// auxiliary tooling. They never mutate their input; composing several
// transforms applies each to the previous result.

const (
	gdbServerBinary = "gdbserver"
	valgrindBinary  = "valgrind"
)

// GDB wraps the spec's command line with gdbserver listening on the given
// TCP port.
func GDB(spec Spec, port int, extraOpts ...string) Spec {
	out := spec.Clone()
	args := append([]string(nil), extraOpts...)
	args = append(args, fmt.Sprintf(":%d", port), spec.Binary)
	args = append(args, spec.Args...)
	out.Binary = gdbServerBinary
	out.Args = args
	return out
}

// Valgrind wraps the spec's command line with valgrind. The log file name
// keeps the %NAME%/%PID% placeholders, so it is resolved per spawned process.
func Valgrind(spec Spec, extraOpts ...string) Spec {
	out := spec.Clone()
	args := []string{fmt.Sprintf("--log-file=%s-%s.log", NamePlaceholder, PIDPlaceholder)}
	args = append(args, extraOpts...)
	args = append(args, spec.Binary, "--")
	args = append(args, spec.Args...)
	out.Binary = valgrindBinary
	out.Args = args
	return out
}
