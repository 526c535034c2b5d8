package svm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"

	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/sandbox"
	"github.com/blacktop/go-svm/vmcb"
)

const testConfig = `
asid: 7
log_level: debug
npt:
  limit: 0x80000000
  views:
    sandbox: {read: true, write: true, execute: true}
intercepts:
  cpuid: false
  msr: true
  vmmcall: true
  breakpoint: false
  debug: true
msr_intercepts:
  - {msr: 0xC0000082, read: false, write: true}
sandbox:
  - {name: driver, base: 0x200000, size: 0x3000}
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		ASID:     7,
		LogLevel: "debug",
		NPT: NPTConfig{
			Limit: 0x80000000,
			Views: map[string]npt.Access{"sandbox": npt.RWX},
		},
		Intercepts: InterceptConfig{MSR: true, VMMCALL: true, Debug: true},
		MSRIntercepts: []vmcb.MSRIntercept{
			{MSR: cpu.MSRLSTAR, Write: true},
		},
		Sandbox: []sandbox.Region{{Name: "driver", Base: 0x200000, Size: 0x3000}},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ParseConfig() mismatch (-want +got):\n%s", diff)
	}
	if cfg.Level() != log.DebugLevel {
		t.Errorf("Level() = %v", cfg.Level())
	}

	policies, err := cfg.Policies()
	if err != nil {
		t.Fatal(err)
	}
	wantPolicies := npt.DefaultPolicies()
	wantPolicies[npt.Sandbox] = npt.RWX
	if policies != wantPolicies {
		t.Errorf("Policies() = %v, want %v", policies, wantPolicies)
	}

	p := cfg.InterceptPolicy()
	if p.Misc1&vmcb.InterceptCPUID != 0 {
		t.Error("CPUID intercepted although disabled")
	}
	if p.Misc1&vmcb.InterceptMSRProt == 0 || len(p.MSRs) != 1 {
		t.Errorf("MSR intercepts not applied: %+v", p)
	}
	if p.Exceptions != 1<<vmcb.ExceptionDB {
		t.Errorf("Exceptions = %#x", p.Exceptions)
	}
	if p.Misc2&vmcb.InterceptVMRUN == 0 {
		t.Error("VMRUN not intercepted")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	p := cfg.InterceptPolicy()
	if diff := cmp.Diff(vmcb.DefaultInterceptPolicy(), p); diff != "" {
		t.Errorf("InterceptPolicy() mismatch (-want +got):\n%s", diff)
	}
	if policies, _ := cfg.Policies(); policies != npt.DefaultPolicies() {
		t.Errorf("Policies() = %v", policies)
	}

	empty, err := ParseConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, empty); diff != "" {
		t.Errorf("empty document changed the defaults (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"asid zero", "asid: 0", nil},
		{"bad log level", "log_level: loud", nil},
		{"unknown view", "npt: {views: {bogus: {read: true}}}", nil},
		{"write without read", "npt: {views: {primary: {write: true}}}", npt.ErrInvalidPolicy},
		{"limit too large", "npt: {limit: 0x2000000000000}", npt.ErrInvalidLimit},
		{"empty sandbox region", "sandbox: [{name: x, base: 0x1000}]", nil},
		{"malformed", "asid: [", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("ParseConfig() succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("ParseConfig() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svm.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ASID != 7 {
		t.Errorf("ASID = %d", cfg.ASID)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}
