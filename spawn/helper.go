package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	helperEnvVar = "PROCSERVER_SPAWN_HELPER"
	notifyFD     = 3
)

// RunHelper runs the child side of Spawn when this process was started as a
// spawn helper, and returns false otherwise. It must be called at the very
// top of main (and of TestMain in tests that spawn processes): in helper mode
// it never returns, either exec'ing the target binary or exiting after
// reporting the failure on the notify pipe.
//
// The helper reads the JSON spec from stdin, resolves %NAME% and %PID% with
// its own pid (which exec preserves, so it is the final pid), redirects
// stdout and stderr to the spec's output file, and execs the binary. The
// notify pipe on fd 3 is marked close-on-exec right before the exec, so the
// parent observes EOF exactly when the exec succeeded.
func RunHelper() bool {
	if os.Getenv(helperEnvVar) == "" {
		return false
	}
	helperMain()
	return true
}

func helperMain() {
	notify := os.NewFile(notifyFD, "notify")
	fail := func(err error) {
		if notify != nil {
			fmt.Fprintf(notify, "%s", err)
		}
		os.Exit(127)
	}

	var spec Spec
	if err := json.NewDecoder(os.Stdin).Decode(&spec); err != nil {
		fail(fmt.Errorf("decoding spec: %w", err))
	}

	pid := os.Getpid()
	if err := os.Chdir(spec.WorkingDir); err != nil {
		fail(err)
	}

	out, err := os.OpenFile(spec.OutputFilePath(pid), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fail(err)
	}
	if err := unix.Dup3(int(out.Fd()), 1, 0); err != nil {
		fail(fmt.Errorf("redirecting stdout: %w", err))
	}
	if err := unix.Dup3(int(out.Fd()), 2, 0); err != nil {
		fail(fmt.Errorf("redirecting stderr: %w", err))
	}

	binary, err := exec.LookPath(spec.Binary)
	if err != nil {
		fail(err)
	}
	argv := append([]string{spec.Binary}, spec.ResolvedArgs(pid)...)
	env := append(inheritedEnv(spec), spec.ResolvedEnv(pid)...)

	unix.CloseOnExec(notifyFD)
	if err := unix.Exec(binary, argv, env); err != nil {
		fail(fmt.Errorf("exec %s: %w", binary, err))
	}
}

// inheritedEnv is the parent-provided environment minus the helper marker
// and minus any name the spec sets itself. getenv returns the first match,
// so spec entries must not appear behind an inherited duplicate.
func inheritedEnv(spec Spec) []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name == helperEnvVar {
			continue
		}
		if _, ok := spec.LookupEnv(name); ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}
