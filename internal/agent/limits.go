package agent

import (
	"os"
	"strconv"
	"strings"
)

// RunLimits bounds the outer/inner loop and tool-failure accounting for a
// single run.
type RunLimits struct {
	MaxIterations          int
	MaxToolFailures         int
	IterationExtension      int
	MaxIterationExtensions  int
}

// DefaultRunLimits returns the built-in defaults applied when no metadata
// override or environment variable is set.
func DefaultRunLimits() RunLimits {
	return RunLimits{
		MaxIterations:          20,
		MaxToolFailures:        8,
		IterationExtension:     10,
		MaxIterationExtensions: 3,
	}
}

// limitSpec names, for a single limit, the metadata keys to search (in
// order) and the environment variable fallback.
type limitSpec struct {
	metadataKeys []string
	envVar       string
}

var (
	maxIterationsSpec = limitSpec{
		metadataKeys: []string{"runner.max_iterations", "agent_loop.max_iterations", "max_iterations"},
		envVar:       "HOMIE_ROCI_RUNNER_MAX_ITERATIONS",
	}
	maxToolFailuresSpec = limitSpec{
		metadataKeys: []string{"runner.max_tool_failures", "agent_loop.max_tool_failures", "max_tool_failures"},
		envVar:       "HOMIE_ROCI_RUNNER_MAX_TOOL_FAILURES",
	}
	iterationExtensionSpec = limitSpec{
		metadataKeys: []string{"runner.iteration_extension", "agent_loop.iteration_extension", "iteration_extension"},
		envVar:       "HOMIE_ROCI_RUNNER_ITERATION_EXTENSION",
	}
	maxIterationExtensionsSpec = limitSpec{
		metadataKeys: []string{"runner.max_iteration_extensions", "agent_loop.max_iteration_extensions", "max_iteration_extensions"},
		envVar:       "HOMIE_ROCI_RUNNER_MAX_ITERATION_EXTENSIONS",
	}
)

// ResolveRunLimits computes the effective RunLimits for a run, applying
// metadata overrides (searched in order) and falling back to a process-wide
// environment variable, then the built-in default. A blank, zero, or
// non-parsable override is ignored at each step.
func ResolveRunLimits(metadata map[string]string) RunLimits {
	defaults := DefaultRunLimits()
	return RunLimits{
		MaxIterations:          resolveLimit(metadata, maxIterationsSpec, defaults.MaxIterations),
		MaxToolFailures:        resolveLimit(metadata, maxToolFailuresSpec, defaults.MaxToolFailures),
		IterationExtension:     resolveLimit(metadata, iterationExtensionSpec, defaults.IterationExtension),
		MaxIterationExtensions: resolveLimit(metadata, maxIterationExtensionsSpec, defaults.MaxIterationExtensions),
	}
}

func resolveLimit(metadata map[string]string, spec limitSpec, fallback int) int {
	for _, key := range spec.metadataKeys {
		if metadata == nil {
			break
		}
		if raw, ok := metadata[key]; ok {
			if v, ok := parsePositiveInt(raw); ok {
				return v
			}
		}
	}
	if raw, ok := os.LookupEnv(spec.envVar); ok {
		if v, ok := parsePositiveInt(raw); ok {
			return v
		}
	}
	return fallback
}

// parsePositiveInt parses a strictly positive integer override, returning
// ok=false for blank, zero, negative, or non-numeric input.
func parsePositiveInt(raw string) (int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	v, err := strconv.Atoi(trimmed)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
