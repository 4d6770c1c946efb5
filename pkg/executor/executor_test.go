package executor

import (
	"context"
	"testing"

	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/telemetry"
	"github.com/tideway/tideway/pkg/transport"
	"github.com/tideway/tideway/pkg/vars"
)

func testExecutor(t *testing.T, check bool) *Executor {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return New(log, telemetry.NewMetrics(telemetry.DefaultMetricsConfig()), check)
}

func localConn(t *testing.T) transport.Transport {
	t.Helper()
	conn, err := transport.Connect(context.Background(), &transport.Settings{Host: "test", Connection: "local"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func strptr(s string) *string { return &s }

func TestExecutor_Run_Command(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Name:   "say hello",
		Action: "command",
		Params: map[string]interface{}{"cmd": "echo hello"},
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if result.Failed {
		t.Fatalf("Expected success, got failure: %s", result.Msg)
	}
	if result.Stdout != "hello" {
		t.Errorf("Expected stdout hello, got %q", result.Stdout)
	}
	if !result.Changed {
		t.Error("Expected command to default to changed")
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
}

func TestExecutor_Run_NonzeroExitFails(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Action: "command",
		Params: map[string]interface{}{"cmd": "exit 3"},
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if !result.Failed {
		t.Error("Expected nonzero exit to fail the task")
	}
	if result.RC != 3 {
		t.Errorf("Expected rc=3, got %d", result.RC)
	}
}

func TestExecutor_Run_GuardSkips(t *testing.T) {
	e := testExecutor(t, false)
	store := vars.NewStore()
	store.Set(vars.ScopeHost, "enabled", false)
	task := &playbook.Task{
		Action: "command",
		Params: map[string]interface{}{"cmd": "echo never"},
		When:   playbook.StringList{"enabled"},
	}

	result := e.Run(context.Background(), task, "h1", store, localConn(t))

	if !result.Skipped {
		t.Error("Expected false guard to skip the task")
	}
	if result.Failed || result.Changed {
		t.Error("Expected skipped task to be neither failed nor changed")
	}
}

func TestExecutor_Run_FailedWhenOverridesBothWays(t *testing.T) {
	e := testExecutor(t, false)
	conn := localConn(t)

	// rc=0 forced to failure.
	task := &playbook.Task{
		Action:     "command",
		Params:     map[string]interface{}{"cmd": "echo WARNING"},
		FailedWhen: strptr("stdout == 'WARNING'"),
	}
	result := e.Run(context.Background(), task, "h1", vars.NewStore(), conn)
	if !result.Failed {
		t.Error("Expected failed_when to fail an rc=0 result")
	}

	// rc!=0 forced to success.
	task = &playbook.Task{
		Action:     "command",
		Params:     map[string]interface{}{"cmd": "exit 2"},
		FailedWhen: strptr("rc >= 10"),
	}
	result = e.Run(context.Background(), task, "h1", vars.NewStore(), conn)
	if result.Failed {
		t.Error("Expected failed_when to rescue an rc=2 result")
	}
	if result.RC != 2 {
		t.Errorf("Expected rc preserved, got %d", result.RC)
	}
}

func TestExecutor_Run_ChangedWhen(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Action:      "command",
		Params:      map[string]interface{}{"cmd": "echo unchanged"},
		ChangedWhen: strptr("false"),
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if result.Failed {
		t.Fatalf("Expected success: %s", result.Msg)
	}
	if result.Changed {
		t.Error("Expected changed_when false to suppress the change")
	}
}

func TestExecutor_Run_RenderFailureNotRetried(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Action:  "command",
		Params:  map[string]interface{}{"cmd": "echo {{ missing }}"},
		Until:   "rc == 0",
		Retries: 5,
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if !result.Failed {
		t.Error("Expected undefined reference to fail the task")
	}
	if result.Attempts != 1 {
		t.Errorf("Expected render failure to abort without retries, got %d attempts", result.Attempts)
	}
}

func TestExecutor_Run_UntilRetries(t *testing.T) {
	e := testExecutor(t, false)
	store := vars.NewStore()
	task := &playbook.Task{
		Action:  "command",
		Params:  map[string]interface{}{"cmd": "exit 1"},
		Until:   "rc == 0",
		Retries: 2,
	}

	result := e.Run(context.Background(), task, "h1", store, localConn(t))

	if !result.Failed {
		t.Error("Expected exhausted retries to fail")
	}
	if result.Attempts != 3 {
		t.Errorf("Expected retries+1=3 attempts, got %d", result.Attempts)
	}
}

func TestExecutor_Run_UntilSucceedsEarly(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Action:  "command",
		Params:  map[string]interface{}{"cmd": "echo ready"},
		Until:   "stdout == 'ready'",
		Retries: 4,
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if result.Failed {
		t.Fatalf("Expected success: %s", result.Msg)
	}
	if result.Attempts != 1 {
		t.Errorf("Expected first attempt to satisfy until, got %d", result.Attempts)
	}
}

func TestExecutor_Run_IgnoreErrors(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Action:       "command",
		Params:       map[string]interface{}{"cmd": "exit 1"},
		IgnoreErrors: true,
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if !result.Failed {
		t.Error("Expected result to stay marked failed for is-failed checks")
	}
	if !result.Ignored {
		t.Error("Expected ignore_errors to set Ignored")
	}
}

func TestExecutor_Run_SetFactIsTransportFree(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{
		Action: "set_fact",
		Params: map[string]interface{}{"app_port": 8080},
	}

	if NeedsTransport("set_fact") {
		t.Fatal("Expected set_fact to be transport-free")
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), nil)

	if result.Failed {
		t.Fatalf("Expected success: %s", result.Msg)
	}
	if result.Facts["app_port"] != 8080 {
		t.Errorf("Expected fact app_port=8080, got %v", result.Facts)
	}
	if result.Changed {
		t.Error("Expected set_fact to report unchanged")
	}
}

func TestExecutor_Run_CheckModeSkipsCommands(t *testing.T) {
	e := testExecutor(t, true)
	task := &playbook.Task{
		Action: "command",
		Params: map[string]interface{}{"cmd": "echo sideeffect"},
	}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if !result.Skipped {
		t.Error("Expected check mode to skip command execution")
	}
	if result.Failed {
		t.Error("Expected check-mode skip not to fail")
	}
}

func TestExecutor_Run_UnknownAction(t *testing.T) {
	e := testExecutor(t, false)
	task := &playbook.Task{Action: "frobnicate"}

	result := e.Run(context.Background(), task, "h1", vars.NewStore(), localConn(t))

	if !result.Failed {
		t.Error("Expected unknown action to fail")
	}
}
