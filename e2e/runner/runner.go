// Package runner registers and runs the roadside black-box tests against a
// running process.
package runner

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Test is one registered scenario.
type Test struct {
	Name        string
	Description string
	Run         func(ctx context.Context, cfg *Config) error
}

// Config points the scenarios at a deployment. It is read from E2E_*
// variables layered over per-environment defaults, the same way the
// service reads RS_*.
type Config struct {
	Env     string
	BaseURL string
	Timeout time.Duration
}

// Known deployments. "local" follows RS_HTTP_PORT so the runner finds a
// process started with a non-default port.
var environments = map[string]string{
	"dev":     "https://roadside-dev.cornjacket.com",
	"staging": "https://roadside-staging.cornjacket.com",
}

// LoadConfig resolves the target for env. E2E_BASE_URL wins over env.
func LoadConfig(env string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("E2E")
	v.AutomaticEnv()
	v.SetDefault("timeout", 30*time.Second)
	_ = v.BindEnv("http_port", "RS_HTTP_PORT")
	v.SetDefault("http_port", 8080)

	base := v.GetString("base_url")
	if base == "" {
		if env == "" || env == "local" {
			base = fmt.Sprintf("http://localhost:%d", v.GetInt("http_port"))
		} else if url, ok := environments[env]; ok {
			base = url
		} else {
			return nil, fmt.Errorf("unknown environment %q", env)
		}
	}

	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		return nil, fmt.Errorf("E2E_TIMEOUT must be positive")
	}

	return &Config{
		Env:     env,
		BaseURL: strings.TrimRight(base, "/"),
		Timeout: timeout,
	}, nil
}

var registry []*Test

// Register adds a scenario. Called from init in the tests package.
func Register(t *Test) {
	if _, ok := Lookup(t.Name); ok {
		panic(fmt.Sprintf("test %q already registered", t.Name))
	}
	registry = append(registry, t)
	slices.SortFunc(registry, func(a, b *Test) int { return strings.Compare(a.Name, b.Name) })
}

// Lookup returns the scenario called name.
func Lookup(name string) (*Test, bool) {
	i := slices.IndexFunc(registry, func(t *Test) bool { return t.Name == name })
	if i < 0 {
		return nil, false
	}
	return registry[i], true
}

// Tests returns every scenario, or only the named one.
func Tests(name string) ([]*Test, error) {
	if name == "" {
		return slices.Clone(registry), nil
	}
	t, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown test: %s", name)
	}
	return []*Test{t}, nil
}

// List writes the scenario catalogue.
func List(w io.Writer) {
	fmt.Fprintln(w, "Available tests:")
	for _, t := range registry {
		fmt.Fprintf(w, "  %-22s %s\n", t.Name, t.Description)
	}
}

// Outcome is the result of one scenario.
type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Report collects outcomes in run order.
type Report struct {
	Outcomes []Outcome
}

// Failed counts failing scenarios.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Run executes tests one after another, each under cfg.Timeout, and
// stops early when ctx is cancelled.
func Run(ctx context.Context, cfg *Config, tests []*Test, w io.Writer) *Report {
	report := &Report{}
	for _, t := range tests {
		if ctx.Err() != nil {
			break
		}
		o := runOne(ctx, cfg, t)
		report.Outcomes = append(report.Outcomes, o)

		mark := "PASS"
		if o.Err != nil {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s  %-22s (%v)\n", mark, o.Name, o.Duration.Round(time.Millisecond))
		if o.Err != nil {
			fmt.Fprintf(w, "      %v\n", o.Err)
		}
	}
	return report
}

func runOne(ctx context.Context, cfg *Config, t *Test) Outcome {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := t.Run(ctx, cfg)
	return Outcome{Name: t.Name, Err: err, Duration: time.Since(start)}
}

// Summarize writes totals and the failing names.
func (r *Report) Summarize(w io.Writer) {
	var total time.Duration
	for _, o := range r.Outcomes {
		total += o.Duration
	}
	failed := r.Failed()
	fmt.Fprintf(w, "\n%d run, %d passed, %d failed in %v\n",
		len(r.Outcomes), len(r.Outcomes)-failed, failed, total.Round(time.Millisecond))
	for _, o := range r.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "  - %s\n", o.Name)
		}
	}
}
