package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tideway/tideway/pkg/transport"
)

// outcome is the raw product of one action invocation, before the failure
// and change predicates are applied.
type outcome struct {
	// RC, Stdout, Stderr mirror the transport result for command-style
	// actions; inspection actions leave RC at zero.
	RC     int
	Stdout string
	Stderr string

	// Msg is the action's outcome message.
	Msg string

	// Changed is the action's default change state. Per-kind defaults:
	// command and shell report true (mutating), ping/debug/stat/setup
	// report false (inspection), set_fact reports false, copy reports true
	// only when the destination content differed.
	Changed bool

	// Failed marks failures the default rc rule cannot see (copy upload
	// errors, missing parameters).
	Failed bool

	// SkippedInCheck marks actions that cannot run side-effect-free in
	// check mode and were therefore not executed.
	SkippedInCheck bool

	// Data carries action-specific result fields.
	Data map[string]interface{}

	// Facts carries variables to promote into the host's fact layer.
	Facts map[string]interface{}
}

// actionFunc runs one action kind against a host.
type actionFunc func(ctx context.Context, conn transport.Transport, params map[string]interface{}, timeout time.Duration, check bool) (*outcome, error)

// actions maps action identifiers to their implementations.
var actions = map[string]actionFunc{
	"command":  runCommand,
	"shell":    runCommand,
	"copy":     runCopy,
	"ping":     runPing,
	"set_fact": runSetFact,
	"debug":    runDebug,
	"stat":     runStat,
	"setup":    runSetup,
}

// KnownAction reports whether an action identifier is implemented.
func KnownAction(name string) bool {
	_, ok := actions[name]
	return ok
}

// runCommand executes a shell command. In check mode the command is not run:
// there is no side-effect-free evaluation path for arbitrary commands.
func runCommand(ctx context.Context, conn transport.Transport, params map[string]interface{}, timeout time.Duration, check bool) (*outcome, error) {
	cmd, ok := params["cmd"].(string)
	if !ok || cmd == "" {
		return nil, fmt.Errorf("command requires a cmd parameter")
	}

	if check {
		return &outcome{SkippedInCheck: true, Msg: "skipped in check mode"}, nil
	}

	raw, err := conn.Execute(ctx, cmd, timeout)
	if err != nil {
		return nil, err
	}

	return &outcome{
		RC:      raw.ExitCode,
		Stdout:  raw.Stdout,
		Stderr:  raw.Stderr,
		Changed: true,
	}, nil
}

// runCopy writes content (or a local src file) to dest, reporting changed
// only when the destination checksum differed. Check mode performs the
// comparison without uploading.
func runCopy(ctx context.Context, conn transport.Transport, params map[string]interface{}, timeout time.Duration, check bool) (*outcome, error) {
	dest, ok := params["dest"].(string)
	if !ok || dest == "" {
		return nil, fmt.Errorf("copy requires a dest parameter")
	}

	var content []byte
	switch {
	case params["content"] != nil:
		s, ok := params["content"].(string)
		if !ok {
			return nil, fmt.Errorf("copy content must be a string")
		}
		content = []byte(s)
	case params["src"] != nil:
		src, _ := params["src"].(string)
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("copy failed to read src: %w", err)
		}
		content = data
	default:
		return nil, fmt.Errorf("copy requires content or src")
	}

	mode := os.FileMode(0644)
	if m, ok := params["mode"].(string); ok {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("copy mode %q is not octal", m)
		}
		mode = os.FileMode(parsed)
	}

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	current, err := remoteChecksum(ctx, conn, dest, timeout)
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{"dest": dest, "checksum": want}

	if current == want {
		return &outcome{Msg: "content already in place", Data: data}, nil
	}
	if check {
		return &outcome{Changed: true, Msg: "would write " + dest, Data: data}, nil
	}

	if err := conn.Upload(ctx, content, dest, mode); err != nil {
		if _, unreachable := err.(*transport.UnreachableError); unreachable {
			return nil, err
		}
		return &outcome{Failed: true, Msg: fmt.Sprintf("upload failed: %v", err), Data: data}, nil
	}

	return &outcome{Changed: true, Msg: "wrote " + dest, Data: data}, nil
}

// remoteChecksum returns the sha256 of a remote file, or "" when the file
// does not exist.
func remoteChecksum(ctx context.Context, conn transport.Transport, path string, timeout time.Duration) (string, error) {
	raw, err := conn.Execute(ctx, "sha256sum "+shellQuote(path)+" 2>/dev/null", timeout)
	if err != nil {
		return "", err
	}
	if raw.ExitCode != 0 {
		return "", nil
	}
	fields := strings.Fields(raw.Stdout)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// runPing verifies the transport round-trips a trivial command.
func runPing(ctx context.Context, conn transport.Transport, _ map[string]interface{}, timeout time.Duration, _ bool) (*outcome, error) {
	raw, err := conn.Execute(ctx, "true", timeout)
	if err != nil {
		return nil, err
	}
	return &outcome{
		RC:   raw.ExitCode,
		Msg:  "pong",
		Data: map[string]interface{}{"ping": "pong"},
	}, nil
}

// runSetFact promotes its parameters to host facts. Never touches the
// transport, so it behaves identically in check mode.
func runSetFact(_ context.Context, _ transport.Transport, params map[string]interface{}, _ time.Duration, _ bool) (*outcome, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("set_fact requires at least one parameter")
	}
	facts := make(map[string]interface{}, len(params))
	for k, v := range params {
		facts[k] = v
	}
	return &outcome{Facts: facts, Msg: fmt.Sprintf("set %d fact(s)", len(facts))}, nil
}

// runDebug emits its msg parameter as the result message.
func runDebug(_ context.Context, _ transport.Transport, params map[string]interface{}, _ time.Duration, _ bool) (*outcome, error) {
	msg, _ := params["msg"].(string)
	if msg == "" {
		msg = "Hello world!"
	}
	return &outcome{Msg: msg}, nil
}

// runStat inspects a remote path.
func runStat(ctx context.Context, conn transport.Transport, params map[string]interface{}, timeout time.Duration, _ bool) (*outcome, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("stat requires a path parameter")
	}

	raw, err := conn.Execute(ctx, "stat -c '%F:%s:%a' "+shellQuote(path)+" 2>/dev/null", timeout)
	if err != nil {
		return nil, err
	}

	stat := map[string]interface{}{"exists": false}
	if raw.ExitCode == 0 {
		parts := strings.SplitN(raw.Stdout, ":", 3)
		stat["exists"] = true
		if len(parts) == 3 {
			stat["kind"] = parts[0]
			if size, err := strconv.Atoi(parts[1]); err == nil {
				stat["size"] = size
			}
			stat["mode"] = parts[2]
		}
	}

	return &outcome{Data: map[string]interface{}{"stat": stat}}, nil
}

// runSetup gathers baseline facts about the host.
func runSetup(ctx context.Context, conn transport.Transport, _ map[string]interface{}, timeout time.Duration, _ bool) (*outcome, error) {
	facts := map[string]interface{}{}

	if raw, err := conn.Execute(ctx, "uname -s", timeout); err == nil && raw.ExitCode == 0 {
		facts["system"] = raw.Stdout
	} else if err != nil {
		return nil, err
	}
	if raw, err := conn.Execute(ctx, "uname -m", timeout); err == nil && raw.ExitCode == 0 {
		facts["architecture"] = raw.Stdout
	}
	if raw, err := conn.Execute(ctx, "hostname", timeout); err == nil && raw.ExitCode == 0 {
		facts["hostname"] = raw.Stdout
	}

	return &outcome{
		Facts: facts,
		Msg:   fmt.Sprintf("gathered %d fact(s)", len(facts)),
	}, nil
}

// shellQuote single-quotes a string for safe interpolation into a shell
// command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
