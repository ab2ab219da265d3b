package compile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// ScriptOptions configures a ScriptCompiler
type ScriptOptions struct {
	Entry      string
	Output     string
	Target     string
	GlobalName string
	SourceMap  bool
}

// ScriptCompiler bundles a script entry point into a single IIFE file
type ScriptCompiler struct {
	opts   ScriptOptions
	target api.Target
	logger logger.Logger
}

// NewScriptCompiler creates a ScriptCompiler
func NewScriptCompiler(opts ScriptOptions, log logger.Logger) (*ScriptCompiler, error) {
	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ScriptCompiler{opts: opts, target: target, logger: log}, nil
}

// Output returns the path the bundle is written to
func (c *ScriptCompiler) Output() string {
	return c.opts.Output
}

// Bundle resolves imports from the entry point and writes one unminified file
func (c *ScriptCompiler) Bundle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := utils.EnsureDirectory(filepath.Dir(c.opts.Output)); err != nil {
		return err
	}

	sourcemap := api.SourceMapNone
	if c.opts.SourceMap {
		sourcemap = api.SourceMapLinked
	}

	result := api.Build(api.BuildOptions{
		EntryPoints: []string{c.opts.Entry},
		Outfile:     c.opts.Output,
		Bundle:      true,
		Write:       true,
		Format:      api.FormatIIFE,
		GlobalName:  c.opts.GlobalName,
		Platform:    api.PlatformBrowser,
		Target:      c.target,
		Sourcemap:   sourcemap,
		LogLevel:    api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return &types.SourceTransformError{
			Stage:  "bundle-scripts",
			Source: c.opts.Entry,
			Detail: formatMessages(result.Errors),
			Err:    fmt.Errorf("%d bundle error(s)", len(result.Errors)),
		}
	}
	for _, w := range result.Warnings {
		c.logger.Debug("Bundle warning", logger.WithField("message", w.Text))
	}

	c.logger.Debug("Bundled scripts", logger.WithField("output", c.opts.Output))
	return nil
}

// MinifyScript minifies the script at src into dst
func MinifyScript(ctx context.Context, src, dst, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := ParseTarget(target)
	if err != nil {
		return err
	}

	code, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.MissingAssetError{Stage: "minify-scripts", Path: src}
		}
		return err
	}

	result := api.Transform(string(code), api.TransformOptions{
		Loader:            api.LoaderJS,
		Sourcefile:        filepath.Base(src),
		Target:            t,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		LogLevel:          api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return &types.SourceTransformError{
			Stage:  "minify-scripts",
			Source: src,
			Detail: formatMessages(result.Errors),
			Err:    fmt.Errorf("%d minify error(s)", len(result.Errors)),
		}
	}

	return utils.WriteFileAtomic(dst, result.Code, 0o644)
}
