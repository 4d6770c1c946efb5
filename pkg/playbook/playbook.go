// Package playbook defines the play/task document model: an ordered sequence
// of plays, each scoping a task tree to a host pattern. Tasks and blocks form
// a tagged tree; blocks carry rescue and always sequences and may nest.
package playbook

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Playbook is an ordered sequence of plays.
type Playbook struct {
	// Plays are executed in order.
	Plays []*Play

	// Source is the file the playbook was loaded from.
	Source string
}

// Play is one host-pattern-scoped unit of task execution.
type Play struct {
	// Name is the play's display name.
	Name string `yaml:"name"`

	// Hosts is the host pattern resolved against the inventory.
	Hosts string `yaml:"hosts" validate:"required"`

	// Vars are play-scope variables.
	Vars map[string]interface{} `yaml:"vars"`

	// VarFiles are variable files loaded into play scope, in order. Files
	// may be vault-encrypted or contain inline vault values.
	VarFiles []string `yaml:"var_files"`

	// Order selects host ordering: inventory (default), sorted, shuffle.
	Order string `yaml:"order" validate:"omitempty,oneof=inventory sorted shuffle"`

	// Forks caps per-task host fan-out for this play; 0 uses the run default.
	Forks int `yaml:"forks" validate:"min=0"`

	// MaxFailPercentage halts the whole play when the fraction of targeted
	// hosts in a terminal failure state exceeds it. Nil disables the gate.
	MaxFailPercentage *float64 `yaml:"max_fail_percentage" validate:"omitempty"`

	// AnyErrorsFatal halts the whole play on the first host failure.
	AnyErrorsFatal bool `yaml:"any_errors_fatal"`

	// ForceHandlers runs the final handler flush even for failed hosts.
	ForceHandlers bool `yaml:"force_handlers"`

	// GatherFacts runs the setup action on every host before pre_tasks.
	GatherFacts bool `yaml:"gather_facts"`

	// Timeout is the play-level wall-clock limit; zero means none.
	Timeout Duration `yaml:"timeout"`

	// PreTasks run before Tasks; PostTasks after. Handlers notified in any
	// section flush at the end of the play unless flushed explicitly.
	PreTasks  []*Node `yaml:"pre_tasks"`
	Tasks     []*Node `yaml:"tasks"`
	PostTasks []*Node `yaml:"post_tasks"`

	// Handlers are run-on-notify tasks, deduplicated by name, executed in
	// definition order at flush points.
	Handlers []*Task `yaml:"handlers" validate:"dive"`
}

// DisplayName returns the play name or its host pattern when unnamed.
func (p *Play) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Hosts
}

// Node is one entry in a task sequence: either a single task or a block.
type Node struct {
	Task  *Task
	Block *Block
}

// UnmarshalYAML distinguishes blocks from tasks by the presence of a "block"
// key.
func (n *Node) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: task entry must be a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "block" {
			n.Block = &Block{}
			return node.Decode(n.Block)
		}
	}

	n.Task = &Task{}
	return node.Decode(n.Task)
}

// Block is an ordered task sequence with optional rescue and always
// sequences. Rescue runs iff any task in the body fails after predicate
// overrides; always runs on every exit path.
type Block struct {
	// Name is the block's display name.
	Name string `yaml:"name"`

	// Body is the block's main sequence.
	Body []*Node `yaml:"block"`

	// Rescue runs when the body fails.
	Rescue []*Node `yaml:"rescue"`

	// Always runs unconditionally after body and rescue resolve.
	Always []*Node `yaml:"always"`

	// When gates the whole block.
	When StringList `yaml:"when"`

	// Vars are block-scope variables.
	Vars map[string]interface{} `yaml:"vars"`

	// Tags select the block under --tags filtering.
	Tags StringList `yaml:"tags"`
}

// Task is a single declared unit of work.
type Task struct {
	// Name is the task's display name.
	Name string `yaml:"name"`

	// Action is the action identifier (command, shell, copy, ...).
	Action string `yaml:"action" validate:"required"`

	// Params is the action's parameter mapping; values may reference
	// variables with {{ }}.
	Params map[string]interface{} `yaml:"params"`

	// When is the guard predicate; a false guard skips the task with no
	// side effects. Multiple entries are conjoined.
	When StringList `yaml:"when"`

	// Register stores the task's result as a variable of this name.
	Register string `yaml:"register"`

	// ChangedWhen overrides the action's default change rule.
	ChangedWhen *string `yaml:"changed_when"`

	// FailedWhen overrides the default rc != 0 failure rule.
	FailedWhen *string `yaml:"failed_when"`

	// Until, with Retries and Delay, re-runs the task until the predicate
	// holds or attempts are exhausted.
	Until   string   `yaml:"until"`
	Retries int      `yaml:"retries" validate:"min=0"`
	Delay   Duration `yaml:"delay"`

	// Notify enqueues named handlers when the task reports changed.
	Notify StringList `yaml:"notify"`

	// Tags select the task under --tags filtering.
	Tags StringList `yaml:"tags"`

	// Vars are task-scope variables.
	Vars map[string]interface{} `yaml:"vars"`

	// IgnoreErrors keeps the host running after a failed result.
	IgnoreErrors bool `yaml:"ignore_errors"`

	// IgnoreUnreachable keeps the host running after an unreachable error.
	IgnoreUnreachable bool `yaml:"ignore_unreachable"`

	// Timeout is the per-task transport timeout; zero means none.
	Timeout Duration `yaml:"timeout"`
}

// DisplayName returns the task name or its action when unnamed.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Action
}

// WhenExpr joins the guard entries into one conjoined expression.
func (t *Task) WhenExpr() string {
	return strings.Join(t.When, " and ")
}

// WhenExpr joins the block guard entries into one conjoined expression.
func (b *Block) WhenExpr() string {
	return strings.Join(b.When, " and ")
}

// StringList decodes either a single YAML string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements flexible scalar-or-sequence decoding.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// Duration decodes either a Go duration string ("30s", "5m") or a bare
// number of seconds.
type Duration time.Duration

// UnmarshalYAML implements duration decoding.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*d = 0
		return nil
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q", node.Line, v)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("line %d: invalid duration", node.Line)
	}
}

// AsDuration returns the value as a time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}
