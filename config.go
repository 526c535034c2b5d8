package svm

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"gopkg.in/yaml.v3"

	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/sandbox"
	"github.com/blacktop/go-svm/vmcb"
)

// NPTConfig sizes and shapes the nested page table views.
type NPTConfig struct {
	// Limit is the end of the identity mapped guest physical range. Zero
	// maps all RAM, rounded up to 1 GiB.
	Limit uint64 `yaml:"limit" json:"limit"`
	// Views overrides the default policy of individual views, keyed by
	// view name.
	Views map[string]npt.Access `yaml:"views" json:"views,omitempty"`
}

// InterceptConfig selects the events the exit handler receives.
type InterceptConfig struct {
	CPUID      bool `yaml:"cpuid" json:"cpuid"`
	MSR        bool `yaml:"msr" json:"msr"`
	VMMCALL    bool `yaml:"vmmcall" json:"vmmcall"`
	Breakpoint bool `yaml:"breakpoint" json:"breakpoint"`
	Debug      bool `yaml:"debug" json:"debug"`
}

// Config is the hypervisor configuration.
type Config struct {
	ASID          uint32              `yaml:"asid" json:"asid"`
	LogLevel      string              `yaml:"log_level" json:"log_level"`
	NPT           NPTConfig           `yaml:"npt" json:"npt"`
	Intercepts    InterceptConfig     `yaml:"intercepts" json:"intercepts"`
	MSRIntercepts []vmcb.MSRIntercept `yaml:"msr_intercepts" json:"msr_intercepts,omitempty"`
	// Sandbox lists regions confined to the sandbox views once the views
	// are built.
	Sandbox []sandbox.Region `yaml:"sandbox" json:"sandbox,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ASID:     1,
		LogLevel: "info",
		Intercepts: InterceptConfig{
			CPUID:      true,
			MSR:        true,
			VMMCALL:    true,
			Breakpoint: true,
			Debug:      true,
		},
		MSRIntercepts: vmcb.DefaultInterceptPolicy().MSRs,
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("svm: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("svm: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values the processor or the page tables would
// reject later.
func (c Config) Validate() error {
	if c.ASID == 0 {
		return fmt.Errorf("svm: asid 0 is reserved for the host")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("svm: log_level: %w", err)
	}
	if c.NPT.Limit > npt.MaxLimit {
		return fmt.Errorf("svm: npt.limit %#x: %w", c.NPT.Limit, npt.ErrInvalidLimit)
	}
	if _, err := c.Policies(); err != nil {
		return err
	}
	for _, r := range c.Sandbox {
		if r.Size == 0 {
			return fmt.Errorf("svm: sandbox region %q is empty", r.Name)
		}
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Policies merges the view overrides into the default policies.
func (c Config) Policies() (npt.Policies, error) {
	p := npt.DefaultPolicies()
	for name, a := range c.NPT.Views {
		v, err := npt.ParseView(name)
		if err != nil {
			return p, fmt.Errorf("svm: npt.views: %w", err)
		}
		if err := a.Validate(); err != nil {
			return p, fmt.Errorf("svm: npt.views.%s: %w", name, err)
		}
		p[v] = a
	}
	return p, nil
}

// InterceptPolicy converts the intercept switches to control area bits.
func (c Config) InterceptPolicy() vmcb.InterceptPolicy {
	var p vmcb.InterceptPolicy
	if c.Intercepts.CPUID {
		p.Misc1 |= vmcb.InterceptCPUID
	}
	if c.Intercepts.MSR {
		p.Misc1 |= vmcb.InterceptMSRProt
		p.MSRs = append(p.MSRs, c.MSRIntercepts...)
	}
	if c.Intercepts.VMMCALL {
		p.Misc2 |= vmcb.InterceptVMMCALL
	}
	if c.Intercepts.Breakpoint {
		p.Exceptions |= 1 << vmcb.ExceptionBP
	}
	if c.Intercepts.Debug {
		p.Exceptions |= 1 << vmcb.ExceptionDB
	}
	p.Misc2 |= vmcb.InterceptVMRUN
	return p
}
