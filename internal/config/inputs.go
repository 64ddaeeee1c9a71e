package config

import "regexp"

// inputToken matches the ${input:ID} placeholder spec.md §6 describes.
var inputToken = regexp.MustCompile(`\$\{input:([A-Za-z0-9_.-]+)\}`)

// DiscoveredInput is a required-secret input inferred from a placeholder
// with no matching explicit definition in metadata.inputs.
type DiscoveredInput struct {
	ID          string
	Description string
}

// DiscoverInputs scans command, args, env values, and header values for
// ${input:ID} placeholders and returns one DiscoveredInput per unique id
// that has no explicit override in entry.Metadata.Inputs, grounded in how
// the teacher's catalog import infers required secrets from templated
// config rather than requiring every one to be declared by hand.
func (e ServerEntry) DiscoverInputs() []DiscoveredInput {
	explicit := map[string]bool{}
	if e.Metadata != nil {
		for _, in := range e.Metadata.Inputs {
			explicit[in.ID] = true
		}
	}

	seen := map[string]bool{}
	var out []DiscoveredInput
	add := func(s string) {
		for _, m := range inputToken.FindAllStringSubmatch(s, -1) {
			id := m[1]
			if explicit[id] || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, DiscoveredInput{ID: id})
		}
	}

	add(e.Command)
	for _, a := range e.Args {
		add(a)
	}
	for _, v := range e.Env {
		add(v)
	}
	for _, v := range e.Headers {
		add(v)
	}
	return out
}
