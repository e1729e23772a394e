// Package agents holds the static agent registry and the tool gate that
// enforces each agent's tool permissions.
package agents

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// Mode selects the deployed agent set.
type Mode string

const (
	// ModeMulti deploys the Orchestrator plus the four specialists.
	ModeMulti Mode = "multi"

	// ModeSingle deploys the Orchestrator plus the Universal agent; the
	// Orchestrator routes to Universal without an LLM call.
	ModeSingle Mode = "single"
)

// Definition is one immutable agent configuration: a system prompt, a
// tool allow-list, and optional file-write restrictions.
type Definition struct {
	Type         models.AgentType
	SystemPrompt string

	allowed      map[string]struct{}
	restrictions []*regexp.Regexp
}

// Allowed reports whether the agent may call the named tool.
func (d *Definition) Allowed(toolName string) bool {
	_, ok := d.allowed[toolName]
	return ok
}

// AllowedTools returns the allow-list in sorted order.
func (d *Definition) AllowedTools() []string {
	names := make([]string, 0, len(d.allowed))
	for name := range d.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PathPermitted reports whether the agent may write the given path. Agents
// without restrictions may write anywhere their allow-list permits.
func (d *Definition) PathPermitted(path string) bool {
	if len(d.restrictions) == 0 {
		return true
	}
	for _, re := range d.restrictions {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// FileRestrictions returns the restriction patterns for introspection.
func (d *Definition) FileRestrictions() []string {
	out := make([]string, len(d.restrictions))
	for i, re := range d.restrictions {
		out[i] = re.String()
	}
	return out
}

func define(agentType models.AgentType, prompt string, toolNames []string, restrictions ...string) *Definition {
	allowed := make(map[string]struct{}, len(toolNames))
	for _, name := range toolNames {
		allowed[name] = struct{}{}
	}
	res := make([]*regexp.Regexp, 0, len(restrictions))
	for _, pattern := range restrictions {
		res = append(res, regexp.MustCompile(pattern))
	}
	return &Definition{
		Type:         agentType,
		SystemPrompt: prompt,
		allowed:      allowed,
		restrictions: res,
	}
}

var (
	readTools = []string{"read_file", "list_files", "search_in_code"}
	fullTools = []string{
		"read_file", "list_files", "search_in_code",
		"write_file", "create_directory", "execute_command",
		tools.AttemptCompletion,
	}
	debugTools = []string{
		"read_file", "list_files", "search_in_code", "execute_command",
		tools.AttemptCompletion,
	}
	askTools = []string{
		"read_file", "list_files", "search_in_code",
		tools.AttemptCompletion,
	}
)

// Registry returns the immutable agent definitions for a deployment mode.
type Registry struct {
	mode   Mode
	agents map[models.AgentType]*Definition
}

// NewRegistry builds the registry for the given mode.
func NewRegistry(mode Mode) (*Registry, error) {
	orchestrator := define(models.AgentOrchestrator, promptOrchestrator,
		append(append([]string{}, readTools...), tools.SwitchMode))

	agents := map[models.AgentType]*Definition{
		models.AgentOrchestrator: orchestrator,
	}

	switch mode {
	case ModeMulti:
		agents[models.AgentCoder] = define(models.AgentCoder, promptCoder, fullTools)
		agents[models.AgentArchitect] = define(models.AgentArchitect, promptArchitect, fullTools, `\.md$`)
		agents[models.AgentDebug] = define(models.AgentDebug, promptDebug, debugTools)
		agents[models.AgentAsk] = define(models.AgentAsk, promptAsk, askTools)
	case ModeSingle:
		agents[models.AgentUniversal] = define(models.AgentUniversal, promptUniversal, fullTools)
	default:
		return nil, fmt.Errorf("agents: unknown mode %q", mode)
	}

	return &Registry{mode: mode, agents: agents}, nil
}

// Mode returns the deployment mode.
func (r *Registry) Mode() Mode { return r.mode }

// Get returns the definition for an agent type.
func (r *Registry) Get(agentType models.AgentType) (*Definition, bool) {
	def, ok := r.agents[agentType]
	return def, ok
}

// All returns every deployed definition in a stable order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// RouteTarget resolves a switch_mode "mode" argument to a deployed agent.
func (r *Registry) RouteTarget(mode string) (models.AgentType, bool) {
	agentType := models.AgentType(mode)
	if _, ok := r.agents[agentType]; ok && agentType != models.AgentOrchestrator {
		return agentType, true
	}
	return "", false
}
