package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

const compiledCSS = ".nav {\n  display: flex;\n  user-select: none;\n}\n\nbody {\n  margin: 0px;\n}\n"

func fakeSass(css string) func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte(css), nil, nil
	}
}

func failingSass(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return nil, []byte("Error: Undefined variable.\n  index.scss 2:10  root stylesheet"), errors.New("exit status 65")
}

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFixture(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("expected %s: %v", rel, err)
	}
	return string(data)
}

func exists(root, rel string) bool {
	return utils.FileExists(filepath.Join(root, filepath.FromSlash(rel)))
}

// newProject lays out a project in the default source layout
func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeFixture(t, root, "src/scss/index.scss", "@use 'nav';\n")
	writeFixture(t, root, "src/js/greet.js", "export function greet(name) {\n  const message = 'hello ' + name;\n  return message;\n}\n")
	writeFixture(t, root, "src/js/index.js", "import { greet } from './greet.js';\ndocument.title = greet('world');\n")

	writeFixture(t, root, "html/index.html", `<!doctype html>
<html>
<head>
  <link rel="stylesheet" href="/static/css/style.min.css">
  <script src="/static/js/scripts.min.js" defer></script>
  <script src="/static/js/vendor.js"></script>
</head>
<body><img src="/static/img/logo.svg" alt=""></body>
</html>
`)
	writeFixture(t, root, "html/about/index.html", `<link href="style.min.css"><p>About</p>`)

	writeFixture(t, root, "static/img/logo.svg", `<svg xmlns="http://www.w3.org/2000/svg"><rect width="10" height="10"/></svg>`)
	writeFixture(t, root, "static/robots.txt", "User-agent: *\n")
	// development outputs must never reach the production tree
	writeFixture(t, root, "static/css/style.min.css", "/* dev */")
	writeFixture(t, root, "static/js/scripts.min.js", "/* dev */")

	writeFixture(t, root, "docker/production/nginx.conf", "gzip_static on;\n")
	return root
}

func TestProductionBuilder_Build(t *testing.T) {
	root := newProject(t)
	cfg := types.DefaultBuildConfig()
	b := NewProductionBuilder(cfg, root, logger.Nop(), WithCommandRunner(fakeSass(compiledCSS)))

	report, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	out := filepath.Join(root, "build")

	if report.BuildID == "" {
		t.Error("expected a build id")
	}
	if len(report.Manifest) != 2 {
		t.Fatalf("expected 2 manifest entries, got %v", report.Manifest)
	}

	hashedCSS := report.Manifest["static/css/style.min.css"]
	hashedJS := report.Manifest["static/js/scripts.min.js"]
	if !regexp.MustCompile(`^static/css/style-[0-9a-f]{10}\.min\.css$`).MatchString(hashedCSS) {
		t.Errorf("unexpected hashed css %q", hashedCSS)
	}
	if !regexp.MustCompile(`^static/js/scripts-[0-9a-f]{10}\.min\.js$`).MatchString(hashedJS) {
		t.Errorf("unexpected hashed js %q", hashedJS)
	}

	t.Run("hashed assets replace originals", func(t *testing.T) {
		for _, rel := range []string{hashedCSS, hashedJS} {
			if !exists(out, rel) {
				t.Errorf("expected hashed asset %s", rel)
			}
		}
		for _, rel := range []string{"static/css/style.min.css", "static/js/scripts.min.js", "temp"} {
			if _, err := os.Stat(filepath.Join(out, filepath.FromSlash(rel))); !os.IsNotExist(err) {
				t.Errorf("expected leftover %s to be removed", rel)
			}
		}

		css := readFixture(t, out, hashedCSS)
		if strings.Contains(css, "/* dev */") || !strings.Contains(css, ".nav{") {
			t.Errorf("expected minified production css, got %q", css)
		}
	})

	t.Run("collected trees", func(t *testing.T) {
		for _, rel := range []string{"static/img/logo.svg", "static/robots.txt", "docker/nginx.conf", "html/about/index.html"} {
			if !exists(out, rel) {
				t.Errorf("expected copied file %s", rel)
			}
		}
	})

	t.Run("html references rewritten", func(t *testing.T) {
		index := readFixture(t, out, "html/index.html")
		for _, want := range []string{`href="/` + hashedCSS + `"`, `src="/` + hashedJS + `"`, `src="/static/img/logo.svg"`} {
			if !strings.Contains(index, want) {
				t.Errorf("expected %s in index.html:\n%s", want, index)
			}
		}

		about := readFixture(t, out, "html/about/index.html")
		if !strings.Contains(about, `href="`+hashedCSS+`"`) {
			t.Errorf("expected bare basename rewritten to the hashed path, got %s", about)
		}

		if report.Rewritten != 2 {
			t.Errorf("expected 2 rewritten files, got %d", report.Rewritten)
		}
		if len(report.Unresolved) != 1 || report.Unresolved[0].Reference != "/static/js/vendor.js" {
			t.Errorf("expected vendor.js to be unresolved, got %v", report.Unresolved)
		}
	})

	t.Run("compressed siblings", func(t *testing.T) {
		for _, rel := range []string{hashedCSS, hashedJS, "static/img/logo.svg", "html/index.html"} {
			for _, ext := range []string{"", ".br", ".gz"} {
				if !exists(out, rel+ext) {
					t.Errorf("expected %s%s", rel, ext)
				}
			}
		}
		for _, rel := range []string{"static/robots.txt.gz", "docker/nginx.conf.br"} {
			if exists(out, rel) {
				t.Errorf("ineligible file compressed: %s", rel)
			}
		}
		if report.Compressed[types.CodecBrotli] != 5 || report.Compressed[types.CodecGzip] != 5 {
			t.Errorf("expected 5 files per codec, got %v", report.Compressed)
		}
	})

	t.Run("stage order", func(t *testing.T) {
		var names []string
		for _, s := range report.Stages {
			names = append(names, s.Name)
		}
		before := func(a, b string) {
			if ia, ib := indexOf(names, a), indexOf(names, b); ia < 0 || ib < 0 || ia > ib {
				t.Errorf("expected %s before %s in %v", a, b, names)
			}
		}
		before("clean", "copy-html")
		before("bundle-scripts", "minify-scripts")
		before("compile-style", "fingerprint")
		before("minify-scripts", "fingerprint")
		before("fingerprint", "rewrite")
		before("rewrite", "clean-leftovers")
		before("clean-leftovers", "compress-br")
		before("clean-leftovers", "compress-gz")
	})
}

func TestProductionBuilder_Deterministic(t *testing.T) {
	root := newProject(t)
	cfg := types.DefaultBuildConfig()
	b := NewProductionBuilder(cfg, root, logger.Nop(), WithCommandRunner(fakeSass(compiledCSS)))

	first, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range first.Manifest {
		if second.Manifest[k] != v {
			t.Errorf("hashed name for %s changed between identical builds: %s vs %s", k, v, second.Manifest[k])
		}
	}

	changed := NewProductionBuilder(cfg, root, logger.Nop(), WithCommandRunner(fakeSass(compiledCSS+".extra{color:red}\n")))
	third, err := changed.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if third.Manifest["static/css/style.min.css"] == first.Manifest["static/css/style.min.css"] {
		t.Error("changed content must change the hashed name")
	}
	if third.Manifest["static/js/scripts.min.js"] != first.Manifest["static/js/scripts.min.js"] {
		t.Error("unchanged script must keep its hashed name")
	}
}

func TestProductionBuilder_CompileFailureAborts(t *testing.T) {
	root := newProject(t)
	b := NewProductionBuilder(types.DefaultBuildConfig(), root, logger.Nop(), WithCommandRunner(failingSass))

	report, err := b.Build(context.Background())
	if !errors.Is(err, types.ErrSourceTransform) {
		t.Fatalf("expected ErrSourceTransform, got %v", err)
	}
	if !strings.Contains(err.Error(), "Undefined variable") {
		t.Errorf("expected sass diagnostics in error, got %q", err.Error())
	}

	out := filepath.Join(root, "build")
	if exists(out, "temp/rev-manifest.json") {
		t.Error("manifest must not be written after a compile failure")
	}
	if !strings.Contains(readFixture(t, out, "html/index.html"), "/static/css/style.min.css") {
		t.Error("html must not be rewritten after a compile failure")
	}
	for _, s := range report.Stages {
		if s.Name == "fingerprint" || s.Name == "rewrite" {
			t.Errorf("stage %s ran after a fatal failure", s.Name)
		}
	}
}

func TestProductionBuilder_MissingScriptAbortsBeforeRewrite(t *testing.T) {
	root := newProject(t)
	b := NewProductionBuilder(types.DefaultBuildConfig(), root, logger.Nop())
	p := b.Paths()

	// style compiled, script never produced
	writeFixture(t, p.Output, "static/css/style.min.css", "body{margin:0}")
	writeFixture(t, p.Output, "html/index.html", `<script src="/static/js/scripts.min.js"></script>`)

	report := &BuildReport{Compressed: map[types.Codec]int{}}
	g := NewGraph(logger.Nop())
	s := g.Series("build",
		g.Step("fingerprint", func(ctx context.Context) error { return b.fingerprint(ctx, report) }),
		g.Step("rewrite", func(ctx context.Context) error {
			return b.rewrite(ctx, utils.MustPatternMatcher("**/*.html"), report)
		}, p.Manifest),
	)

	err := s.Run(context.Background())
	var missing *types.MissingAssetError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingAssetError, got %v", err)
	}
	if missing.Stage != "fingerprint" || missing.Path != "static/js/scripts.min.js" {
		t.Errorf("unexpected error %+v", missing)
	}
	if utils.FileExists(p.Manifest) {
		t.Error("no manifest may be flushed when an input is missing")
	}
	for _, timing := range g.Timings() {
		if timing.Name == "rewrite" {
			t.Error("rewrite must not run")
		}
	}
	if got := readFixture(t, p.Output, "html/index.html"); !strings.Contains(got, "/static/js/scripts.min.js") {
		t.Errorf("html changed: %s", got)
	}
}

func TestProductionBuilder_RewriteRequiresManifest(t *testing.T) {
	root := newProject(t)
	b := NewProductionBuilder(types.DefaultBuildConfig(), root, logger.Nop())
	p := b.Paths()

	ran := false
	g := NewGraph(logger.Nop())
	err := g.Step("rewrite", func(ctx context.Context) error { ran = true; return nil }, p.Manifest).Run(context.Background())
	if !errors.Is(err, types.ErrMissingAsset) {
		t.Errorf("expected ErrMissingAsset, got %v", err)
	}
	if ran {
		t.Error("rewrite ran without a manifest")
	}
}

func TestProductionBuilder_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.BuildConfig)
	}{
		{"unknown codec", func(c *types.BuildConfig) { c.Compression.Codecs = []types.Codec{"lzma"} }},
		{"unknown hash", func(c *types.BuildConfig) { c.Rev.Algorithm = "sha0" }},
		{"unknown script target", func(c *types.BuildConfig) { c.Script.Target = "es3" }},
		{"unknown browser", func(c *types.BuildConfig) { c.Style.Targets = []string{"netscape4"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newProject(t)
			cfg := types.DefaultBuildConfig()
			tt.mutate(cfg)

			_, err := NewProductionBuilder(cfg, root, logger.Nop()).Build(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			if !utils.DirectoryExists(filepath.Join(root, "static")) {
				t.Fatal("sources must be untouched")
			}
			if utils.DirectoryExists(filepath.Join(root, "build")) {
				t.Error("nothing may be written for an invalid configuration")
			}
		})
	}
}

func TestProductionBuilder_Zstd(t *testing.T) {
	root := newProject(t)
	cfg := types.DefaultBuildConfig()
	cfg.Compression.Codecs = append(cfg.Compression.Codecs, types.CodecZstd)
	cfg.Compression.ZstdLevel = 3
	cfg.Rev.Algorithm = types.HashBlake3

	report, err := NewProductionBuilder(cfg, root, logger.Nop(), WithCommandRunner(fakeSass(compiledCSS))).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	hashed := report.Manifest["static/css/style.min.css"]
	if !exists(filepath.Join(root, "build"), hashed+".zst") {
		t.Errorf("expected zstd sibling for %s", hashed)
	}
}
