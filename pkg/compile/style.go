package compile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// CommandRunner runs an external tool and returns its stdout and stderr
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// StyleOptions configures a StyleCompiler
type StyleOptions struct {
	Entry      string
	Output     string
	SassBinary string
	LoadPaths  []string
	// Browser targets used for vendor prefixing
	Targets   []string
	Minify    bool
	SourceMap bool
	Runner    CommandRunner
}

// StyleCompiler compiles a stylesheet entry point to a single CSS file
type StyleCompiler struct {
	opts    StyleOptions
	engines []api.Engine
	logger  logger.Logger
}

// NewStyleCompiler creates a StyleCompiler
func NewStyleCompiler(opts StyleOptions, log logger.Logger) (*StyleCompiler, error) {
	engines, err := ParseEngines(opts.Targets)
	if err != nil {
		return nil, err
	}
	if opts.SassBinary == "" {
		opts.SassBinary = "sass"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	if log == nil {
		log = logger.Nop()
	}
	return &StyleCompiler{opts: opts, engines: engines, logger: log}, nil
}

// Output returns the path the compiler writes to
func (c *StyleCompiler) Output() string {
	return c.opts.Output
}

// Compile runs sass (plain .css entries skip it), then prefixes and
// optionally minifies the result.
func (c *StyleCompiler) Compile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	css, err := c.sass(ctx)
	if err != nil {
		return err
	}

	sourcemap := api.SourceMapNone
	if c.opts.SourceMap {
		sourcemap = api.SourceMapExternal
	}

	result := api.Transform(string(css), api.TransformOptions{
		Loader:            api.LoaderCSS,
		Sourcefile:        c.opts.Entry,
		Engines:           c.engines,
		MinifyWhitespace:  c.opts.Minify,
		MinifySyntax:      c.opts.Minify,
		MinifyIdentifiers: c.opts.Minify,
		Sourcemap:         sourcemap,
		LogLevel:          api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return &types.SourceTransformError{
			Stage:  "compile-style",
			Source: c.opts.Entry,
			Detail: formatMessages(result.Errors),
			Err:    fmt.Errorf("%d css error(s)", len(result.Errors)),
		}
	}
	for _, w := range result.Warnings {
		c.logger.Debug("CSS warning", logger.WithField("message", w.Text))
	}

	code := result.Code
	if c.opts.SourceMap && len(result.Map) > 0 {
		mapPath := c.opts.Output + ".map"
		if err := utils.WriteFileAtomic(mapPath, result.Map, 0o644); err != nil {
			return fmt.Errorf("failed to write source map: %w", err)
		}
		code = append(code, []byte(fmt.Sprintf("/*# sourceMappingURL=%s */\n", filepath.Base(mapPath)))...)
	}

	if err := utils.WriteFileAtomic(c.opts.Output, code, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.opts.Output, err)
	}

	c.logger.Debug("Compiled stylesheet",
		logger.WithField("output", c.opts.Output),
		logger.WithField("size", utils.FormatBytes(int64(len(code)))))
	return nil
}

// sass returns CSS for the entry point. The debug build asks sass for an
// inline map so esbuild can chain it into the external map it writes.
func (c *StyleCompiler) sass(ctx context.Context) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(c.opts.Entry), ".css") {
		data, err := os.ReadFile(c.opts.Entry)
		if err != nil {
			return nil, &types.SourceTransformError{Stage: "compile-style", Source: c.opts.Entry, Err: err}
		}
		return data, nil
	}

	args := []string{"--style=expanded", "--no-error-css"}
	if c.opts.SourceMap {
		args = append(args, "--embed-source-map", "--embed-sources")
	} else {
		args = append(args, "--no-source-map")
	}
	for _, p := range c.opts.LoadPaths {
		args = append(args, "--load-path="+p)
	}
	args = append(args, c.opts.Entry)

	stdout, stderr, err := c.opts.Runner(ctx, c.opts.SassBinary, args...)
	if err != nil {
		return nil, &types.SourceTransformError{
			Stage:  "compile-style",
			Source: c.opts.Entry,
			Detail: strings.TrimSpace(string(stderr)),
			Err:    err,
		}
	}
	return stdout, nil
}
