// Package compile turns stylesheet and script sources into browser assets.
// Sass compilation shells out to the sass binary; prefixing, bundling and
// minification go through esbuild.
package compile

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/poltergeist/revenant/pkg/types"
)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

var jsTargets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// ParseEngines converts browser targets such as "chrome87" or "safari14.1"
// into esbuild engines.
func ParseEngines(targets []string) ([]api.Engine, error) {
	engines := make([]api.Engine, 0, len(targets))
	for _, target := range targets {
		target = strings.ToLower(strings.TrimSpace(target))
		i := strings.IndexFunc(target, unicode.IsDigit)
		if i <= 0 {
			return nil, fmt.Errorf("%w: browser target %q has no version", types.ErrInvalidConfig, target)
		}
		name, ok := engineNames[target[:i]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown browser %q", types.ErrInvalidConfig, target[:i])
		}
		engines = append(engines, api.Engine{Name: name, Version: target[i:]})
	}
	return engines, nil
}

// ParseTarget converts a language level such as "es2017" into an esbuild target
func ParseTarget(target string) (api.Target, error) {
	if target == "" {
		return api.ES2017, nil
	}
	t, ok := jsTargets[strings.ToLower(target)]
	if !ok {
		return api.DefaultTarget, fmt.Errorf("%w: unknown script target %q", types.ErrInvalidConfig, target)
	}
	return t, nil
}

// formatMessages flattens esbuild diagnostics into the text shown to the user
func formatMessages(msgs []api.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s",
				msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text))
		} else {
			lines = append(lines, msg.Text)
		}
	}
	return strings.Join(lines, "\n")
}
