/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	svm "github.com/blacktop/go-svm"
	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/platform/native"
	"github.com/blacktop/go-svm/platform/sim"
)

var (
	useSim   bool
	simCores int
	asJSON   bool
)

var (
	colorOK   = color.New(color.FgGreen, color.Bold).SprintFunc()
	colorFail = color.New(color.FgRed, color.Bold).SprintFunc()
	colorKey  = color.New(color.FgCyan).SprintFunc()
)

// platform is what the subcommands need from a machine.
type platform interface {
	cpu.Platform
	ReadPhys(pa uint64, dst []byte) error
	Close() error
}

type simMachine struct{ *sim.Machine }

func (simMachine) Close() error { return nil }

func addPlatformFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&useSim, "sim", false, "Use a simulated AMD machine instead of this one")
	cmd.Flags().IntVar(&simCores, "cores", 4, "Number of simulated cores (with --sim)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
}

func openPlatform() (platform, error) {
	if useSim {
		c := sim.DefaultConfig()
		c.Cores = simCores
		return simMachine{sim.New(c)}, nil
	}
	m, err := native.New()
	if err != nil {
		return nil, err
	}
	return m, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mark(ok bool) string {
	if ok {
		return colorOK("yes")
	}
	return colorFail("no")
}

func init() {
	rootCmd.AddCommand(checkCmd)
	addPlatformFlags(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check AMD SVM and nested paging support",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openPlatform()
		if err != nil {
			return fmt.Errorf("open platform: %w", err)
		}
		defer m.Close()

		caps := cpu.Probe(m)
		verdict := svm.CheckCapabilities(caps)
		if asJSON {
			out := struct {
				cpu.Capabilities
				Supported bool   `json:"supported"`
				Error     string `json:"error,omitempty"`
			}{Capabilities: caps, Supported: verdict == nil}
			if verdict != nil {
				out.Error = verdict.Error()
			}
			return printJSON(out)
		}

		fmt.Printf("%s %s\n", colorKey("vendor:       "), caps.Vendor)
		fmt.Printf("%s %s\n", colorKey("svm:          "), mark(caps.SVM))
		fmt.Printf("%s %s (lock bit %v)\n", colorKey("enabled:      "), mark(caps.Unlocked), caps.LockBit)
		fmt.Printf("%s %s\n", colorKey("nested paging:"), mark(caps.NestedPaging))
		fmt.Printf("%s %s\n", colorKey("nrip save:    "), mark(caps.NRIPSave))
		fmt.Printf("%s %d (revision %d)\n", colorKey("asids:        "), caps.ASIDs, caps.Revision)
		if verdict != nil {
			fmt.Printf("%s %s: %v\n", colorKey("hv support:   "), colorFail("no"), verdict)
			return nil
		}
		fmt.Printf("%s %s\n", colorKey("hv support:   "), colorOK("yes"))
		return nil
	},
}
