package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tideway/tideway/pkg/inventory"
	"github.com/tideway/tideway/pkg/playbook"
	"github.com/tideway/tideway/pkg/telemetry"
	"github.com/tideway/tideway/pkg/vault"
)

const localPair = `
local:
  hosts:
    h1:
      connection: local
    h2:
      connection: local
`

const localSingle = `
local:
  hosts:
    h1:
      connection: local
`

func runPlaybook(t *testing.T, pbYAML, invYAML string, opts Options) (*Report, error) {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	inv, err := inventory.Load([]byte(invYAML), inventory.LoadOptions{})
	if err != nil {
		t.Fatalf("inventory load failed: %v", err)
	}
	pb, err := playbook.Load([]byte(pbYAML), "test.yml", vault.New())
	if err != nil {
		t.Fatalf("playbook load failed: %v", err)
	}
	eng := New(log, telemetry.NewMetrics(telemetry.DefaultMetricsConfig()), nil, vault.New(), opts)
	return eng.Run(context.Background(), pb, inv)
}

func markers(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading marker file: %v", err)
	}
	return strings.Fields(string(data))
}

func hostReport(t *testing.T, report *Report, host string) HostReport {
	t.Helper()
	for _, h := range report.Hosts {
		if h.Host == host {
			return h
		}
	}
	t.Fatalf("host %s missing from report", host)
	return HostReport{}
}

func TestEngine_Run_TasksInOrderPerHost(t *testing.T) {
	dir := t.TempDir()
	pb := `
- hosts: all
  tasks:
    - name: first
      action: shell
      params:
        cmd: echo first >> ` + dir + `/{{ inventory_hostname }}
    - name: second
      action: shell
      params:
        cmd: echo second >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, localPair, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Failed() {
		t.Fatal("Expected a clean run")
	}

	for _, host := range []string{"h1", "h2"} {
		got := markers(t, filepath.Join(dir, host))
		if strings.Join(got, " ") != "first second" {
			t.Errorf("Host %s: expected ordered markers, got %v", host, got)
		}
		hr := hostReport(t, report, host)
		if hr.OK != 2 || hr.Changed != 2 {
			t.Errorf("Host %s: expected ok=2 changed=2, got %+v", host, hr)
		}
		if hr.Status != string(StatusDone) {
			t.Errorf("Host %s: expected done, got %s", host, hr.Status)
		}
	}
}

func TestEngine_Run_BlockRescueAlways(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: guarded section
      block:
        - name: fail inside
          action: shell
          params: {cmd: "exit 1"}
      rescue:
        - name: recover
          action: shell
          params:
            cmd: echo rescue >> ` + out + `
      always:
        - name: cleanup
          action: shell
          params:
            cmd: echo always >> ` + out + `
    - name: after block
      action: shell
      params:
        cmd: echo after >> ` + out + `
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := strings.Join(markers(t, out), " ")
	if got != "rescue always after" {
		t.Errorf("Expected rescue, then always, then the next task, got %q", got)
	}

	hr := hostReport(t, report, "h1")
	if hr.Rescued != 1 {
		t.Errorf("Expected rescued=1, got %d", hr.Rescued)
	}
	if hr.Status != string(StatusDone) {
		t.Errorf("Expected rescued host to finish the play, got %s", hr.Status)
	}
	if report.Failed() {
		t.Error("Expected a rescued failure not to fail the run")
	}
}

func TestEngine_Run_AlwaysRunsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: section
      block:
        - name: succeed
          action: shell
          params:
            cmd: echo body >> ` + out + `
      always:
        - name: cleanup
          action: shell
          params:
            cmd: echo always >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := markers(t, out)
	count := 0
	for _, m := range got {
		if m == "always" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected always to run exactly once, markers: %v", got)
	}
}

func TestEngine_Run_UnrescuedBlockFailureStopsHost(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: section
      block:
        - name: fail
          action: shell
          params: {cmd: "exit 1"}
      always:
        - name: cleanup
          action: shell
          params:
            cmd: echo always >> ` + out + `
    - name: after
      action: shell
      params:
        cmd: echo after >> ` + out + `
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := strings.Join(markers(t, out), " ")
	if got != "always" {
		t.Errorf("Expected only the always marker, got %q", got)
	}
	hr := hostReport(t, report, "h1")
	if hr.Status != string(StatusFailed) {
		t.Errorf("Expected failed host, got %s", hr.Status)
	}
	if !report.Failed() {
		t.Error("Expected a failed run")
	}
}

func TestEngine_Run_HandlersDedupAndOrder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: change one
      action: shell
      params: {cmd: "true"}
      notify: [second handler, first handler]
    - name: change two
      action: shell
      params: {cmd: "true"}
      notify: [first handler]
  handlers:
    - name: first handler
      action: shell
      params:
        cmd: echo first >> ` + out + `
    - name: second handler
      action: shell
      params:
        cmd: echo second >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := strings.Join(markers(t, out), " ")
	if got != "first second" {
		t.Errorf("Expected handlers once each in definition order, got %q", got)
	}
}

func TestEngine_Run_UnchangedTaskDoesNotNotify(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: no change
      action: shell
      params: {cmd: "true"}
      changed_when: "false"
      notify: [handler]
  handlers:
    - name: handler
      action: shell
      params:
        cmd: echo ran >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := markers(t, out); len(got) != 0 {
		t.Errorf("Expected no handler run for an unchanged task, got %v", got)
	}
}

func TestEngine_Run_FlushHandlersMidPlay(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: change
      action: shell
      params: {cmd: "true"}
      notify: [handler]
    - name: force flush
      action: flush_handlers
    - name: after flush
      action: shell
      params:
        cmd: echo after >> ` + out + `
  handlers:
    - name: handler
      action: shell
      params:
        cmd: echo handler >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := strings.Join(markers(t, out), " ")
	if got != "handler after" {
		t.Errorf("Expected handler to flush before the next task, got %q", got)
	}
}

func TestEngine_Run_MaxFailPercentageHaltsBeforeNextTask(t *testing.T) {
	dir := t.TempDir()
	inv := `
local:
  hosts:
    h1:
      connection: local
      step_one: "exit 1"
    h2:
      connection: local
      step_one: "true"
`
	pb := `
- hosts: all
  max_fail_percentage: 25
  tasks:
    - name: step one
      action: shell
      params:
        cmd: "{{ step_one }}"
    - name: step two
      action: shell
      params:
        cmd: echo two >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, inv, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.Halted {
		t.Fatal("Expected the play to halt at the threshold")
	}
	if got := markers(t, filepath.Join(dir, "h2")); len(got) != 0 {
		t.Errorf("Expected no host to start the next task after the halt, got %v", got)
	}
	if hr := hostReport(t, report, "h2"); hr.Status != string(StatusAborted) {
		t.Errorf("Expected surviving host aborted, got %s", hr.Status)
	}
	if hr := hostReport(t, report, "h1"); hr.Status != string(StatusFailed) {
		t.Errorf("Expected failing host failed, got %s", hr.Status)
	}
}

func TestEngine_Run_NoThresholdKeepsHealthyHostsRunning(t *testing.T) {
	dir := t.TempDir()
	inv := `
local:
  hosts:
    h1:
      connection: local
      step_one: "exit 1"
    h2:
      connection: local
      step_one: "true"
`
	pb := `
- hosts: all
  tasks:
    - name: step one
      action: shell
      params:
        cmd: "{{ step_one }}"
    - name: step two
      action: shell
      params:
        cmd: echo two >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, inv, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Halted {
		t.Fatal("Expected no halt without a threshold")
	}
	if got := markers(t, filepath.Join(dir, "h2")); len(got) != 1 {
		t.Errorf("Expected the healthy host to keep running, got %v", got)
	}
	if got := markers(t, filepath.Join(dir, "h1")); len(got) != 0 {
		t.Errorf("Expected the failed host to receive no further tasks, got %v", got)
	}
	if hr := hostReport(t, report, "h1"); hr.FailedTask != "step one" {
		t.Errorf("Expected the failing task recorded, got %q", hr.FailedTask)
	}
	if !report.Failed() {
		t.Error("Expected the run to report failure")
	}
}

func TestEngine_Run_AnyErrorsFatal(t *testing.T) {
	dir := t.TempDir()
	inv := `
local:
  hosts:
    h1:
      connection: local
      step_one: "exit 1"
    h2:
      connection: local
      step_one: "true"
`
	pb := `
- hosts: all
  any_errors_fatal: true
  tasks:
    - name: step one
      action: shell
      params:
        cmd: "{{ step_one }}"
    - name: step two
      action: shell
      params:
        cmd: echo two >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, inv, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Halted {
		t.Error("Expected any_errors_fatal to halt on the first failure")
	}
}

func TestEngine_Run_IgnoreErrorsContinues(t *testing.T) {
	dir := t.TempDir()
	inv := `
local:
  hosts:
    h1:
      connection: local
      step_one: "exit 1"
    h2:
      connection: local
      step_one: "true"
`
	pb := `
- hosts: all
  tasks:
    - name: tolerated failure
      action: shell
      params:
        cmd: "{{ step_one }}"
      ignore_errors: true
    - name: after
      action: shell
      params:
        cmd: echo after >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, inv, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, host := range []string{"h1", "h2"} {
		if got := markers(t, filepath.Join(dir, host)); len(got) != 1 {
			t.Errorf("Host %s: expected to continue past the ignored failure, got %v", host, got)
		}
		if hr := hostReport(t, report, host); hr.Status != string(StatusDone) {
			t.Errorf("Host %s: expected done, got %s", host, hr.Status)
		}
	}
	if hr := hostReport(t, report, "h1"); hr.Ignored != 1 {
		t.Errorf("Expected ignored=1 on h1, got %+v", hr)
	}
	if report.Failed() {
		t.Error("Expected an ignored failure not to fail the run")
	}
}

func TestEngine_Run_RegisterFeedsLaterGuards(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: check
      action: shell
      params: {cmd: "echo ready"}
      register: check
    - name: act on check
      action: shell
      params:
        cmd: echo acted >> ` + out + `
      when: check.stdout == 'ready'
    - name: skipped branch
      action: shell
      params:
        cmd: echo wrong >> ` + out + `
      when: check.stdout == 'other'
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := strings.Join(markers(t, out), " "); got != "acted" {
		t.Errorf("Expected only the matching branch, got %q", got)
	}
	if hr := hostReport(t, report, "h1"); hr.Skipped != 1 {
		t.Errorf("Expected skipped=1, got %+v", hr)
	}
}

func TestEngine_Run_FactsPromotedAcrossPlays(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: remember
      action: set_fact
      params:
        deploy_color: green
- hosts: all
  tasks:
    - name: use fact
      action: shell
      params:
        cmd: echo {{ deploy_color }} >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := strings.Join(markers(t, out), " "); got != "green" {
		t.Errorf("Expected fact to survive into the next play, got %q", got)
	}
}

func TestEngine_Run_CheckModeTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: side effect
      action: shell
      params:
        cmd: echo ran >> ` + out + `
`
	report, err := runPlaybook(t, pb, localSingle, Options{Check: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := markers(t, out); len(got) != 0 {
		t.Errorf("Expected check mode to skip command execution, got %v", got)
	}
	if report.Failed() {
		t.Error("Expected a clean check-mode run")
	}
}

func TestEngine_Run_TagFiltering(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: wanted
      action: shell
      params:
        cmd: echo wanted >> ` + out + `
      tags: [deploy]
    - name: unwanted
      action: shell
      params:
        cmd: echo unwanted >> ` + out + `
      tags: [cleanup]
    - name: untagged
      action: shell
      params:
        cmd: echo untagged >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{Tags: []string{"deploy"}}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := strings.Join(markers(t, out), " "); got != "wanted" {
		t.Errorf("Expected only the tagged task, got %q", got)
	}
}

func TestEngine_Run_LimitRestrictsHosts(t *testing.T) {
	dir := t.TempDir()
	pb := `
- hosts: all
  tasks:
    - name: mark
      action: shell
      params:
        cmd: echo mark >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, localPair, Options{Limit: "h2"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := markers(t, filepath.Join(dir, "h1")); len(got) != 0 {
		t.Errorf("Expected h1 outside the limit, got %v", got)
	}
	if got := markers(t, filepath.Join(dir, "h2")); len(got) != 1 {
		t.Errorf("Expected h2 inside the limit, got %v", got)
	}
	if len(report.Hosts) != 1 {
		t.Errorf("Expected one host in the report, got %d", len(report.Hosts))
	}
}

func TestEngine_Run_ErrorContextInRescue(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: section
      block:
        - name: boom
          action: shell
          params: {cmd: "exit 7"}
      rescue:
        - name: report
          action: shell
          params:
            cmd: echo {{ failed_task }}:{{ failed_result.rc }} >> ` + out + `
`
	if _, err := runPlaybook(t, pb, localSingle, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := strings.Join(markers(t, out), " "); got != "boom:7" {
		t.Errorf("Expected error context in rescue, got %q", got)
	}
}

func TestEngine_Run_ForceHandlersSkipsBlockFailures(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  force_handlers: true
  tasks:
    - name: change
      action: shell
      params: {cmd: "true"}
      notify: [handler]
    - name: section
      block:
        - name: boom
          action: shell
          params: {cmd: "exit 1"}
  handlers:
    - name: handler
      action: shell
      params:
        cmd: echo handler >> ` + out + `
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if hr := hostReport(t, report, "h1"); hr.Status != string(StatusFailed) {
		t.Fatalf("Expected failed host, got %s", hr.Status)
	}
	if got := markers(t, out); len(got) != 0 {
		t.Errorf("Expected no forced flush after an in-block failure, got %v", got)
	}
}

func TestEngine_Run_ForceHandlersFlushesPlainFailures(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  force_handlers: true
  tasks:
    - name: change
      action: shell
      params: {cmd: "true"}
      notify: [handler]
    - name: boom
      action: shell
      params: {cmd: "exit 1"}
  handlers:
    - name: handler
      action: shell
      params:
        cmd: echo handler >> ` + out + `
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if hr := hostReport(t, report, "h1"); hr.Status != string(StatusFailed) {
		t.Fatalf("Expected failed host, got %s", hr.Status)
	}
	if got := strings.Join(markers(t, out), " "); got != "handler" {
		t.Errorf("Expected forced flush after a plain task failure, got %q", got)
	}
}

func TestEngine_Run_BlockGuardErrorFailsHost(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "h1")
	pb := `
- hosts: all
  tasks:
    - name: guarded
      when: not_a_var == 1
      block:
        - name: body
          action: shell
          params:
            cmd: echo body >> ` + out + `
    - name: after
      action: shell
      params:
        cmd: echo after >> ` + out + `
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := markers(t, out); len(got) != 0 {
		t.Errorf("Expected nothing to run after the guard error, got %v", got)
	}
	hr := hostReport(t, report, "h1")
	if hr.Status != string(StatusFailed) || hr.Failed != 1 {
		t.Errorf("Expected the guard error to fail the host, got %+v", hr)
	}
	if hr.Skipped != 0 {
		t.Errorf("Expected no skip accounting for a guard error, got %+v", hr)
	}
	if hr.FailedTask != "guarded" || !strings.Contains(hr.Failure, "[render]") {
		t.Errorf("Expected a render-classified guard failure, got %+v", hr)
	}
}

func TestEngine_Run_FailedHostExcludedFromLaterPlays(t *testing.T) {
	dir := t.TempDir()
	inv := `
local:
  hosts:
    h1:
      connection: local
      step_one: "exit 1"
    h2:
      connection: local
      step_one: "true"
`
	pb := `
- hosts: all
  tasks:
    - name: step one
      action: shell
      params:
        cmd: "{{ step_one }}"
- hosts: all
  tasks:
    - name: step two
      action: shell
      params:
        cmd: echo two >> ` + dir + `/{{ inventory_hostname }}
`
	report, err := runPlaybook(t, pb, inv, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := markers(t, filepath.Join(dir, "h1")); len(got) != 0 {
		t.Errorf("Expected the failed host to sit out the next play, got %v", got)
	}
	if got := markers(t, filepath.Join(dir, "h2")); len(got) != 1 {
		t.Errorf("Expected the healthy host to run the next play, got %v", got)
	}
	hr := hostReport(t, report, "h1")
	if hr.Status != string(StatusFailed) {
		t.Errorf("Expected the failure to stay terminal across plays, got %s", hr.Status)
	}
	if hr.FailedTask != "step one" {
		t.Errorf("Expected the original failing task preserved, got %q", hr.FailedTask)
	}
	if hr := hostReport(t, report, "h2"); hr.Status != string(StatusDone) {
		t.Errorf("Expected the healthy host done, got %s", hr.Status)
	}
}

func TestEngine_Run_PlayTimeoutFailsHosts(t *testing.T) {
	pb := `
- hosts: all
  timeout: 100ms
  tasks:
    - name: stall
      action: shell
      params: {cmd: "sleep 5"}
`
	report, err := runPlaybook(t, pb, localSingle, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if hr := hostReport(t, report, "h1"); hr.Status != string(StatusFailed) {
		t.Errorf("Expected the timed-out host to fail, got %s", hr.Status)
	}
	if !report.Failed() {
		t.Error("Expected a failed run after the play timeout")
	}
}

func TestEngine_Run_BadConnectionSettingsFailHost(t *testing.T) {
	inv := `
local:
  hosts:
    h1:
      connection: local
      port: 99999
`
	pb := `
- hosts: all
  tasks:
    - name: noop
      action: shell
      params: {cmd: "true"}
`
	report, err := runPlaybook(t, pb, inv, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	hr := hostReport(t, report, "h1")
	if hr.Status != string(StatusFailed) {
		t.Errorf("Expected bad settings to fail the host, got %s", hr.Status)
	}
	if hr.Unreachable != 0 {
		t.Errorf("Expected a settings problem not to count as unreachable, got %+v", hr)
	}
	if !strings.Contains(hr.Failure, "[render]") {
		t.Errorf("Expected a render-classified failure, got %q", hr.Failure)
	}
}

func TestEngine_Run_LoadErrorBeforeAnyHost(t *testing.T) {
	pb := `
- hosts: nonexistent_group
  tasks:
    - name: never
      action: debug
`
	_, err := runPlaybook(t, pb, localSingle, Options{})
	if err == nil {
		t.Fatal("Expected a load error for an unresolvable pattern")
	}
	if !IsLoadError(err) {
		t.Errorf("Expected load classification, got %v", err)
	}
}
