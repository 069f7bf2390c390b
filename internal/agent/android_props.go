package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// AndroidProps reads and writes Android system properties, the narrow
// seam the Android spawner variant needs without owning the `getprop`/
// `setprop`/`settings` transport itself.
type AndroidProps interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// ShellAndroidProps implements AndroidProps by shelling out to the
// on-device getprop/setprop binaries, the way the spawner already shells
// out to run-as.
type ShellAndroidProps struct{}

func (ShellAndroidProps) Get(ctx context.Context, key string) (string, error) {
	out, err := exec.CommandContext(ctx, "getprop", key).Output()
	if err != nil {
		return "", fmt.Errorf("agent: getprop %s: %w", key, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (ShellAndroidProps) Set(ctx context.Context, key, value string) error {
	if out, err := exec.CommandContext(ctx, "setprop", key, value).CombinedOutput(); err != nil {
		return fmt.Errorf("agent: setprop %s=%s: %w: %s", key, value, err, out)
	}
	return nil
}

// isDebuggable reports whether the device exposes run-as at all
// (ro.debuggable=1 is the standard gate for the debug-app run-as path).
func isDebuggable(ctx context.Context, props AndroidProps) (bool, error) {
	v, err := props.Get(ctx, "ro.debuggable")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}
