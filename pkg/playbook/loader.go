package playbook

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tideway/tideway/pkg/vault"
)

var validate = validator.New()

// LoadFile loads and validates a playbook. The document may embed inline
// !vault values anywhere a variable value appears; they are decrypted with
// the supplied vault before decoding. A nil vault loads plaintext playbooks
// only.
func LoadFile(path string, v *vault.Vault) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	return Load(data, path, v)
}

// Load parses playbook YAML: a sequence of plays.
func Load(data []byte, source string, v *vault.Vault) (*Playbook, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse playbook %s: %w", source, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("playbook %s is empty", source)
	}

	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("playbook %s: document must be a sequence of plays", source)
	}

	if err := vault.DecryptNode(root, v, source); err != nil {
		return nil, err
	}

	var plays []*Play
	if err := root.Decode(&plays); err != nil {
		return nil, fmt.Errorf("failed to decode playbook %s: %w", source, err)
	}

	pb := &Playbook{Plays: plays, Source: source}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return pb, nil
}

// Validate checks structural constraints the YAML decode cannot express:
// required fields, handler name uniqueness, and notify references resolving
// to a defined handler.
func (pb *Playbook) Validate() error {
	if len(pb.Plays) == 0 {
		return fmt.Errorf("playbook %s has no plays", pb.Source)
	}

	for i, play := range pb.Plays {
		if err := validate.Struct(play); err != nil {
			return fmt.Errorf("play %d (%s): %w", i+1, play.DisplayName(), err)
		}

		handlerNames := make(map[string]bool)
		for _, h := range play.Handlers {
			if h.Name == "" {
				return fmt.Errorf("play %s: handlers must be named", play.DisplayName())
			}
			if handlerNames[h.Name] {
				return fmt.Errorf("play %s: duplicate handler name %q", play.DisplayName(), h.Name)
			}
			handlerNames[h.Name] = true
		}
		for _, h := range play.Handlers {
			if err := validateTask(h, handlerNames); err != nil {
				return fmt.Errorf("play %s: handler %q: %w", play.DisplayName(), h.Name, err)
			}
		}

		for _, section := range [][]*Node{play.PreTasks, play.Tasks, play.PostTasks} {
			if err := validateNodes(section, handlerNames); err != nil {
				return fmt.Errorf("play %s: %w", play.DisplayName(), err)
			}
		}
	}
	return nil
}

// validateNodes recursively validates a task sequence.
func validateNodes(nodes []*Node, handlers map[string]bool) error {
	for _, node := range nodes {
		switch {
		case node.Task != nil:
			if err := validateTask(node.Task, handlers); err != nil {
				return fmt.Errorf("task %q: %w", node.Task.DisplayName(), err)
			}
		case node.Block != nil:
			b := node.Block
			if len(b.Body) == 0 {
				return fmt.Errorf("block %q has an empty body", b.Name)
			}
			for _, seq := range [][]*Node{b.Body, b.Rescue, b.Always} {
				if err := validateNodes(seq, handlers); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("empty task entry")
		}
	}
	return nil
}

// validateTask validates one task and its handler references.
func validateTask(t *Task, handlers map[string]bool) error {
	if err := validate.Struct(t); err != nil {
		return err
	}
	if t.Until != "" && t.Retries == 0 {
		return fmt.Errorf("until requires retries > 0")
	}
	for _, name := range t.Notify {
		if !handlers[name] {
			return fmt.Errorf("notify references undefined handler %q", name)
		}
	}
	return nil
}
