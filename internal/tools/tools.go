// Package tools defines the tool catalog: every descriptor the registry
// serves, with handlers bridging validated arguments to the backend clients.
package tools

import (
	"fmt"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/resource"
)

// RegisterAll installs the full catalog. Registration needs no live
// backends; handlers resolve their handles per invocation.
func RegisterAll(reg *core.Registry) error {
	for _, register := range []func(*core.Registry) error{
		registerPerfResults,
		registerJenkinsTools,
		registerRepoTools,
		registerSheetTools,
	} {
		if err := register(reg); err != nil {
			return err
		}
	}
	return nil
}

// handleAs fetches the invocation's handle for kind with its concrete type.
func handleAs[T any](inv *core.Invocation, kind resource.Kind) (T, error) {
	var zero T
	h, err := inv.Handle(kind)
	if err != nil {
		return zero, err
	}
	typed, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("resource %s holds %T, not %T", kind, h, zero)
	}
	return typed, nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func intArg(args map[string]any, name string) int {
	switch n := args[name].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func objectArg(args map[string]any, name string) map[string]any {
	m, _ := args[name].(map[string]any)
	return m
}
