package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poltergeist/revenant/pkg/compile"
	"github.com/poltergeist/revenant/pkg/compress"
	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/rev"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// BuildReport summarizes a production build
type BuildReport struct {
	BuildID    string
	Started    time.Time
	Duration   time.Duration
	Manifest   map[string]string
	Rewritten  int
	Unresolved []types.UnresolvedReference
	Compressed map[types.Codec]int
	Stages     []StageTiming

	mu sync.Mutex
}

func (r *BuildReport) addCompressed(codec types.Codec, n int) {
	r.mu.Lock()
	r.Compressed[codec] = n
	r.mu.Unlock()
}

// ProductionOption customizes a ProductionBuilder
type ProductionOption func(*ProductionBuilder)

// WithCommandRunner replaces the runner used to invoke the sass binary.
func WithCommandRunner(runner compile.CommandRunner) ProductionOption {
	return func(b *ProductionBuilder) {
		b.runner = runner
	}
}

// ProductionBuilder runs the full production pipeline:
// clean, collect, compile, fingerprint, rewrite, clean leftovers, compress.
type ProductionBuilder struct {
	config *types.BuildConfig
	paths  types.Paths
	logger logger.Logger
	runner compile.CommandRunner
}

// NewProductionBuilder creates a builder for the project at root
func NewProductionBuilder(config *types.BuildConfig, root string, log logger.Logger, opts ...ProductionOption) *ProductionBuilder {
	if log == nil {
		log = logger.Nop()
	}
	b := &ProductionBuilder{
		config: config,
		paths:  config.ResolvePaths(root),
		logger: log,
		runner: compile.ExecRunner,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Paths returns the resolved source and output paths
func (b *ProductionBuilder) Paths() types.Paths {
	return b.paths
}

// Build runs the pipeline once. The first failing stage aborts the build and
// the output tree is left as it was at that point.
func (b *ProductionBuilder) Build(ctx context.Context) (*BuildReport, error) {
	report := &BuildReport{
		BuildID:    uuid.NewString(),
		Started:    time.Now(),
		Compressed: make(map[types.Codec]int),
	}
	ctx = logger.ContextWithBuildID(ctx, report.BuildID)
	log := logger.WithContext(ctx, b.logger)

	graph := NewGraph(b.logger)
	pipeline, err := b.pipeline(graph, report)
	if err != nil {
		return report, err
	}

	log.Info("Starting production build", logger.WithField("output", b.paths.Output))

	err = pipeline.Run(ctx)
	report.Duration = time.Since(report.Started)
	report.Stages = graph.Timings()
	if err != nil {
		log.Error("Production build failed",
			logger.WithField("duration", report.Duration),
			logger.WithField("error", err))
		return report, err
	}

	log.Success("Production build completed",
		logger.WithField("duration", report.Duration),
		logger.WithField("assets", len(report.Manifest)))
	return report, nil
}

// pipeline validates the configuration and assembles the stage graph.
func (b *ProductionBuilder) pipeline(g *Graph, report *BuildReport) (Stage, error) {
	cfg := b.config
	p := b.paths

	compressors, err := compress.FromConfig(cfg.Compression)
	if err != nil {
		return nil, err
	}
	compressible, err := utils.NewPatternMatcher(cfg.Compression.Patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: compression patterns: %v", types.ErrInvalidConfig, err)
	}
	htmlFiles, err := utils.NewPatternMatcher(cfg.Rev.HTMLPatterns)
	if err != nil {
		return nil, fmt.Errorf("%w: html patterns: %v", types.ErrInvalidConfig, err)
	}
	if _, err := rev.NewHasher(cfg.Rev.Algorithm); err != nil {
		return nil, err
	}

	style, err := compile.NewStyleCompiler(compile.StyleOptions{
		Entry:      p.StyleEntry,
		Output:     p.OutStyle,
		SassBinary: cfg.Style.SassBinary,
		LoadPaths:  resolveAll(p.Root, cfg.Style.LoadPaths),
		Targets:    cfg.Style.Targets,
		Minify:     true,
		Runner:     b.runner,
	}, b.logger.WithStage("compile-style"))
	if err != nil {
		return nil, err
	}
	script, err := compile.NewScriptCompiler(compile.ScriptOptions{
		Entry:      p.ScriptEntry,
		Output:     p.OutBundle,
		Target:     cfg.Script.Target,
		GlobalName: cfg.Script.GlobalName,
	}, b.logger.WithStage("bundle-scripts"))
	if err != nil {
		return nil, err
	}

	codecs := make([]Stage, 0, len(compressors))
	for _, c := range compressors {
		c := c
		codecs = append(codecs, g.Step("compress-"+string(c.Codec()), func(ctx context.Context) error {
			n, err := compress.Tree(ctx, c, p.Output, compressible)
			report.addCompressed(c.Codec(), n)
			return err
		}))
	}

	return g.Series("build",
		g.Step("clean", b.clean),
		g.Parallel("collect",
			g.Step("copy-html", b.copyTree(p.HTMLSource, p.OutHTML, nil)),
			g.Step("copy-static", b.copyTree(p.StaticSrc, p.OutStatic,
				utils.MustPatternMatcher(types.CSSDir+"/**", types.JSDir+"/**"))),
			g.Step("copy-docker", b.copyTree(p.DeploySrc, p.OutDocker, nil)),
		),
		g.Parallel("compile",
			g.Step("compile-style", style.Compile),
			g.Series("scripts",
				g.Step("bundle-scripts", script.Bundle),
				g.Step("minify-scripts", func(ctx context.Context) error {
					return compile.MinifyScript(ctx, p.OutBundle, p.OutScript, cfg.Script.Target)
				}),
			),
		),
		g.Step("fingerprint", func(ctx context.Context) error {
			return b.fingerprint(ctx, report)
		}),
		g.Step("rewrite", func(ctx context.Context) error {
			return b.rewrite(ctx, htmlFiles, report)
		}, p.Manifest),
		g.Step("clean-leftovers", b.cleanLeftovers, p.Manifest),
		g.Parallel("compress", codecs...),
	), nil
}

func (b *ProductionBuilder) clean(ctx context.Context) error {
	if err := os.RemoveAll(b.paths.Output); err != nil {
		return fmt.Errorf("failed to remove %s: %w", b.paths.Output, err)
	}
	return nil
}

func (b *ProductionBuilder) copyTree(src, dst string, exclude *utils.PatternMatcher) StageFunc {
	return func(ctx context.Context) error {
		n, err := utils.CopyTree(src, dst, nil, exclude)
		if err != nil {
			return err
		}
		b.logger.Debug("Copied files",
			logger.WithField("from", src),
			logger.WithField("to", dst),
			logger.WithField("count", n))
		return nil
	}
}

// fingerprint hashes the compiled style and script and flushes the manifest.
// A compiled output that is missing fails before anything is written.
func (b *ProductionBuilder) fingerprint(ctx context.Context, report *BuildReport) error {
	p := b.paths

	assets := make([]string, 0, 2)
	for _, abs := range []string{p.OutStyle, p.OutScript} {
		rel, err := filepath.Rel(p.Output, abs)
		if err != nil {
			return err
		}
		assets = append(assets, filepath.ToSlash(rel))
	}

	fp, err := rev.NewFingerprinter(rev.FingerprintOptions{
		Root:      p.Output,
		Algorithm: b.config.Rev.Algorithm,
		Length:    b.config.Rev.Length,
		Logger:    b.logger.WithStage("fingerprint"),
	})
	if err != nil {
		return err
	}

	manifest, err := fp.Fingerprint(ctx, assets)
	if err != nil {
		return err
	}
	if err := manifest.WriteFile(p.Manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	report.Manifest = manifest.Entries()
	return nil
}

// rewrite reads the flushed manifest back, so the rewriter only ever sees a
// complete one.
func (b *ProductionBuilder) rewrite(ctx context.Context, include *utils.PatternMatcher, report *BuildReport) error {
	log := logger.WithContext(ctx, b.logger).WithStage("rewrite")

	manifest, err := rev.ReadManifest(b.paths.Manifest)
	if err != nil {
		return err
	}
	if err := manifest.Verify(b.paths.Output); err != nil {
		return err
	}

	rewriter, err := rev.NewRewriter(manifest)
	if err != nil {
		return err
	}

	result, err := rewriter.RewriteTree(b.paths.OutHTML, include)
	if err != nil {
		return err
	}

	for _, ref := range result.Unresolved {
		log.Warn("Unresolved asset reference",
			logger.WithField("file", ref.File),
			logger.WithField("reference", ref.Reference))
	}
	log.Info("Rewrote asset references",
		logger.WithField("scanned", result.Scanned),
		logger.WithField("rewritten", result.Rewritten))

	report.Rewritten = result.Rewritten
	report.Unresolved = result.Unresolved
	return nil
}

// cleanLeftovers removes the unhashed originals named by the manifest and the
// temp directory holding the bundle and the manifest itself.
func (b *ProductionBuilder) cleanLeftovers(ctx context.Context) error {
	manifest, err := rev.ReadManifest(b.paths.Manifest)
	if err != nil {
		return err
	}

	for _, key := range manifest.Keys() {
		original := filepath.Join(b.paths.Output, filepath.FromSlash(key))
		if err := os.Remove(original); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}

	if err := os.RemoveAll(b.paths.OutTemp); err != nil {
		return fmt.Errorf("failed to remove %s: %w", b.paths.OutTemp, err)
	}
	return nil
}
