package toolchain

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

const (
	StageBuild = "build"
	StageRun   = "run"
)

// Stage is one process invocation. Args are relative to the job directory,
// which is the working directory of every stage.
type Stage struct {
	Name    string
	Args    []string
	Stdin   bool
	Timeout time.Duration
}

type Recipe struct {
	Stages []Stage
	// Paths or glob patterns produced by the stages.
	Artifacts []string
}

type Toolchain struct {
	// Source file name template.
	Source string `toml:"source"`
	// Build argv template, empty for interpreted languages.
	Build []string `toml:"build"`
	Run   []string `toml:"run"`
	// Artifact templates, may contain glob metacharacters.
	Artifacts []string `toml:"artifacts"`
}

var defaultToolchains = map[models.Language]Toolchain{
	models.LanguageC: {
		Source:    "main-{id}.c",
		Build:     []string{"gcc", "{source}", "-o", "{binary}"},
		Run:       []string{"./{binary}"},
		Artifacts: []string{"{binary}"},
	},
	models.LanguageCPP: {
		Source:    "main-{id}.cpp",
		Build:     []string{"g++", "{source}", "-o", "{binary}"},
		Run:       []string{"./{binary}"},
		Artifacts: []string{"{binary}"},
	},
	models.LanguageJava: {
		Source:    "Solution{id}.java",
		Build:     []string{"javac", "{source}"},
		Run:       []string{"java", "-cp", ".", "{class}"},
		Artifacts: []string{"{class}.class", "{class}$*.class"},
	},
	models.LanguagePython: {
		Source: "main-{id}.py",
		Run:    []string{"python3", "{source}"},
	},
}

type Config struct {
	BuildTimeout time.Duration
	RunTimeout   time.Duration
	// Optional TOML file overriding build/run commands per language.
	OverridesFile string
}

type Dispatcher struct {
	cfg        Config
	toolchains map[models.Language]Toolchain
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{cfg: cfg, toolchains: make(map[models.Language]Toolchain, len(defaultToolchains))}
	for lang, tc := range defaultToolchains {
		d.toolchains[lang] = tc
	}
	if cfg.OverridesFile != "" {
		if err := d.loadOverrides(cfg.OverridesFile); err != nil {
			return nil, errors.Wrap(err, "failed to load toolchain overrides")
		}
	}
	return d, nil
}

type override struct {
	Build *[]string `toml:"build"`
	Run   []string  `toml:"run"`
}

// loadOverrides replaces commands of known languages. File names and artifacts stay fixed
// because cleanup depends on them.
func (d *Dispatcher) loadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overrides map[string]override
	if err := toml.Unmarshal(data, &overrides); err != nil {
		return err
	}
	for name, o := range overrides {
		lang, err := models.ParseLanguage(name)
		if err != nil {
			return err
		}
		tc := d.toolchains[lang]
		if o.Build != nil {
			tc.Build = *o.Build
		}
		if len(o.Run) > 0 {
			tc.Run = o.Run
		}
		if len(tc.Run) == 0 {
			return errors.Errorf("%s: empty run command", name)
		}
		d.toolchains[lang] = tc
	}
	return nil
}

func (d *Dispatcher) Toolchain(lang models.Language) (Toolchain, error) {
	tc, ok := d.toolchains[lang]
	if !ok {
		return Toolchain{}, errors.Wrapf(models.ErrUnsupportedLanguage, "%q", lang)
	}
	return tc, nil
}

// SourceName returns the file name the job's source code is stored under.
func (d *Dispatcher) SourceName(lang models.Language, id string) (string, error) {
	tc, err := d.Toolchain(lang)
	if err != nil {
		return "", err
	}
	return expand(tc.Source, vars(tc, id)), nil
}

// Recipe derives the ordered stages for a prepared job and records its artifacts on it.
func (d *Dispatcher) Recipe(job *models.Job) (Recipe, error) {
	tc, err := d.Toolchain(job.Language)
	if err != nil {
		return Recipe{}, err
	}
	v := vars(tc, job.ID)

	var recipe Recipe
	if len(tc.Build) > 0 {
		recipe.Stages = append(recipe.Stages, Stage{
			Name:    StageBuild,
			Args:    expandAll(tc.Build, v),
			Timeout: d.cfg.BuildTimeout,
		})
	}
	recipe.Stages = append(recipe.Stages, Stage{
		Name:    StageRun,
		Args:    expandAll(tc.Run, v),
		Stdin:   true,
		Timeout: d.cfg.RunTimeout,
	})
	for _, a := range tc.Artifacts {
		recipe.Artifacts = append(recipe.Artifacts, filepath.Join(job.Dir, expand(a, v)))
	}
	job.Artifacts = recipe.Artifacts
	return recipe, nil
}

// Binaries lists the executables the toolchain invokes, for health checks.
func (tc Toolchain) Binaries() []string {
	var out []string
	if len(tc.Build) > 0 {
		out = append(out, tc.Build[0])
	}
	if len(tc.Run) > 0 && !strings.HasPrefix(tc.Run[0], "./") && !strings.HasPrefix(tc.Run[0], "{") {
		out = append(out, tc.Run[0])
	}
	return out
}

func vars(tc Toolchain, id string) map[string]string {
	v := map[string]string{"id": id}
	v["source"] = expand(tc.Source, v)
	v["binary"] = strings.TrimSuffix(v["source"], filepath.Ext(v["source"]))
	v["class"] = v["binary"]
	return v
}

func expand(tmpl string, v map[string]string) string {
	for k, val := range v {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", val)
	}
	return tmpl
}

func expandAll(tmpls []string, v map[string]string) []string {
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		out[i] = expand(t, v)
	}
	return out
}
