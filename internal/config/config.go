// Package config loads the immutable configuration value shared by every
// component of a benchmarking session.
//
// Values come from defaults, an optional YAML/JSON file and BB_* environment
// variables, in increasing precedence. Env renders the configuration back into
// BB_* variables so a process re-invoked on a cluster node sees the same values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read or exported.
const EnvPrefix = "BB"

// Config is the active configuration. It is passed by value; use the With*
// methods to derive a modified copy.
type Config struct {
	File        string          `mapstructure:"-" yaml:"-" json:"file,omitempty"`
	Experiment  string          `mapstructure:"experiment" yaml:"experiment" json:"experiment"`
	Description string          `mapstructure:"description" yaml:"description" json:"description"`
	BuildDir    string          `mapstructure:"build_dir" yaml:"build_dir" json:"build_dir"`
	TestDir     string          `mapstructure:"test_dir" yaml:"test_dir" json:"test_dir"`
	Jobs        int             `mapstructure:"jobs" yaml:"jobs" json:"jobs"`
	TimeBinary  string          `mapstructure:"time_binary" yaml:"time_binary" json:"time_binary"`
	DB          DBConfig        `mapstructure:"db" yaml:"db" json:"db"`
	LLVM        LLVMConfig      `mapstructure:"llvm" yaml:"llvm" json:"llvm"`
	Slurm       SlurmConfig     `mapstructure:"slurm" yaml:"slurm" json:"slurm"`
	Log         LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
	Metrics     MetricsConfig   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Projects    []ProjectConfig `mapstructure:"projects" yaml:"projects,omitempty" json:"projects,omitempty"`
}

// DBConfig selects the results database.
type DBConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
}

// LLVMConfig points at the compiler toolchain under test.
type LLVMConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

// SlurmConfig drives the generated batch script.
type SlurmConfig struct {
	Account     string `mapstructure:"account" yaml:"account" json:"account"`
	Partition   string `mapstructure:"partition" yaml:"partition" json:"partition"`
	Logs        string `mapstructure:"logs" yaml:"logs" json:"logs"`
	Timelimit   string `mapstructure:"timelimit" yaml:"timelimit" json:"timelimit"`
	CPUsPerTask int    `mapstructure:"cpus_per_task" yaml:"cpus_per_task" json:"cpus_per_task"`
	Exclusive   bool   `mapstructure:"exclusive" yaml:"exclusive" json:"exclusive"`
	Multithread bool   `mapstructure:"multithread" yaml:"multithread" json:"multithread"`
	NodeDir     string `mapstructure:"node_dir" yaml:"node_dir" json:"node_dir"`
	Script      string `mapstructure:"script" yaml:"script" json:"script"`
	Binary      string `mapstructure:"binary" yaml:"binary" json:"binary"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
	File  string `mapstructure:"file" yaml:"file" json:"file"`
}

// MetricsConfig controls the optional Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile" json:"textfile"`
}

// ProjectConfig declares a benchmark project as shell lines per capability.
// Stdin names a file fed to every run line that has no "< file" of its own;
// relative names are looked up in test_dir.
type ProjectConfig struct {
	Name      string   `mapstructure:"name" yaml:"name" json:"name"`
	Group     string   `mapstructure:"group" yaml:"group" json:"group"`
	Domain    string   `mapstructure:"domain" yaml:"domain,omitempty" json:"domain,omitempty"`
	Prepare   []string `mapstructure:"prepare" yaml:"prepare,omitempty" json:"prepare,omitempty"`
	Download  []string `mapstructure:"download" yaml:"download,omitempty" json:"download,omitempty"`
	Configure []string `mapstructure:"configure" yaml:"configure,omitempty" json:"configure,omitempty"`
	Build     []string `mapstructure:"build" yaml:"build,omitempty" json:"build,omitempty"`
	Run       []string `mapstructure:"run" yaml:"run,omitempty" json:"run,omitempty"`
	Stdin     string   `mapstructure:"stdin" yaml:"stdin,omitempty" json:"stdin,omitempty"`
	Clean     []string `mapstructure:"clean" yaml:"clean,omitempty" json:"clean,omitempty"`
}

// keys lists every scalar setting with its default, in export order.
var keys = []struct {
	key string
	def any
}{
	{"experiment", ""},
	{"description", ""},
	{"build_dir", "./results"},
	{"test_dir", "./testinputs"},
	{"jobs", 1},
	{"time_binary", "/usr/bin/time"},
	{"db.driver", "sqlite"},
	{"db.dsn", ""},
	{"llvm.dir", "./install"},
	{"slurm.account", "cl"},
	{"slurm.partition", "chimaira"},
	{"slurm.logs", "./slurm.log"},
	{"slurm.timelimit", "12:00:00"},
	{"slurm.cpus_per_task", 10},
	{"slurm.exclusive", true},
	{"slurm.multithread", false},
	{"slurm.node_dir", "/local/hdd/benchrun"},
	{"slurm.script", "slurm.sh"},
	{"slurm.binary", "benchrun"},
	{"log.level", "info"},
	{"log.file", ""},
	{"metrics.textfile", ""},
}

// Load reads the configuration. path may be empty, in which case BB_CONFIG,
// ./.benchrun.yaml and ~/.benchrun/config.yaml are tried in that order.
func Load(path string) (Config, error) {
	v := viper.New()
	for _, k := range keys {
		v.SetDefault(k.key, k.def)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path == "" {
		path = findConfigFile()
	}
	var file string
	if path != "" {
		abs, err := ExpandPath(path)
		if err != nil {
			return Config{}, fmt.Errorf("config path %s: %w", path, err)
		}
		v.SetConfigFile(abs)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", abs, err)
		}
		file = abs
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file
	if cfg.Experiment == "" {
		cfg.Experiment = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{".benchrun.yaml", ".benchrun.yml", ".benchrun.json"}
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".benchrun")
		candidates = append(candidates,
			filepath.Join(dir, "config.yaml"),
			filepath.Join(dir, "config.yml"),
			filepath.Join(dir, "config.json"),
		)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	if c.Slurm.CPUsPerTask < 1 {
		return fmt.Errorf("slurm.cpus_per_task must be at least 1, got %d", c.Slurm.CPUsPerTask)
	}
	seen := map[string]bool{}
	for i, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("project %d has no name", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("project %q declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// WithLLVMDir returns a copy of c using dir as the toolchain location.
func (c Config) WithLLVMDir(dir string) Config {
	c.LLVM.Dir = dir
	return c
}

// WithDescription returns a copy of c carrying an experiment description.
func (c Config) WithDescription(desc string) Config {
	c.Description = desc
	return c
}

// Snapshot serialises c for the run log. Project declarations are omitted; they
// are part of the experiment, not of the run's environment.
func (c Config) Snapshot() (string, error) {
	c.Projects = nil
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	return string(data), nil
}

// EnvVar is one exported setting.
type EnvVar struct {
	Name  string
	Value string
}

// Env renders every setting as a BB_* variable. Loading with exactly these
// variables set (and the same file) yields an equal Config.
func (c Config) Env() []EnvVar {
	vals := map[string]string{
		"experiment":          c.Experiment,
		"description":         c.Description,
		"build_dir":           c.BuildDir,
		"test_dir":            c.TestDir,
		"jobs":                strconv.Itoa(c.Jobs),
		"time_binary":         c.TimeBinary,
		"db.driver":           c.DB.Driver,
		"db.dsn":              c.DB.DSN,
		"llvm.dir":            c.LLVM.Dir,
		"slurm.account":       c.Slurm.Account,
		"slurm.partition":     c.Slurm.Partition,
		"slurm.logs":          c.Slurm.Logs,
		"slurm.timelimit":     c.Slurm.Timelimit,
		"slurm.cpus_per_task": strconv.Itoa(c.Slurm.CPUsPerTask),
		"slurm.exclusive":     strconv.FormatBool(c.Slurm.Exclusive),
		"slurm.multithread":   strconv.FormatBool(c.Slurm.Multithread),
		"slurm.node_dir":      c.Slurm.NodeDir,
		"slurm.script":        c.Slurm.Script,
		"slurm.binary":        c.Slurm.Binary,
		"log.level":           c.Log.Level,
		"log.file":            c.Log.File,
		"metrics.textfile":    c.Metrics.Textfile,
	}
	var out []EnvVar
	if c.File != "" {
		out = append(out, EnvVar{Name: EnvPrefix + "_CONFIG", Value: c.File})
	}
	for _, k := range keys {
		out = append(out, EnvVar{Name: EnvName(k.key), Value: vals[k.key]})
	}
	return out
}

// EnvName maps a dotted key such as "slurm.node_dir" to BB_SLURM_NODE_DIR.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Save writes c as YAML to path.
func Save(c Config, path string) error {
	c.File = ""
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// YAML renders c for display.
func (c Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExpandPath resolves a leading ~ and makes p absolute.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
		if rest == "" {
			p = home
		} else {
			p = filepath.Join(home, rest)
		}
	}
	return filepath.Abs(p)
}
