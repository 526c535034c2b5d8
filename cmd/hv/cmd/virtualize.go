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
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	svm "github.com/blacktop/go-svm"
	"github.com/blacktop/go-svm/kernel"
	"github.com/blacktop/go-svm/wp"
)

// VirtualizeResult is the JSON report of a bring-up.
type VirtualizeResult struct {
	Complete bool           `json:"complete"`
	Slots    []svm.SlotInfo `json:"slots"`
	Metrics  svm.Metrics    `json:"metrics"`
	Error    string         `json:"error,omitempty"`
}

var procRoot string

func init() {
	rootCmd.AddCommand(virtualizeCmd)
	addPlatformFlags(virtualizeCmd)
	virtualizeCmd.Flags().StringVar(&procRoot, "proc", "/proc", "procfs mount used for kernel introspection")
}

var virtualizeCmd = &cobra.Command{
	Use:     "virtualize",
	Aliases: []string{"up"},
	Short:   "Move every core into guest mode and report the per-core result",
	Long: `Virtualize every active logical processor.

The running kernel keeps executing on each core as a guest of the
hypervisor. Without --sim the host is probed and the views are built,
but context capture fails on every core since the process does not
run in ring 0; the report shows why.`,
	RunE: runVirtualize,
}

func runVirtualize(cmd *cobra.Command, args []string) error {
	m, err := openPlatform()
	if err != nil {
		return fmt.Errorf("open platform: %w", err)
	}
	defer m.Close()

	opts := []svm.Option{svm.WithIntrospector(kernel.NewProcfs(procRoot))}
	if !useSim {
		opts = append(opts, svm.WithProtector(wp.NewNative()))
	}
	hv, err := svm.Initialize(cfg, m, opts...)
	if err != nil {
		return err
	}
	defer hv.Close()

	complete, err := hv.VirtualizeAllProcessors()
	res := VirtualizeResult{
		Complete: complete,
		Slots:    hv.Slots(),
		Metrics:  svm.GetMetrics(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	if asJSON {
		return printJSON(res)
	}

	for _, s := range res.Slots {
		if s.Virtualized {
			log.WithFields(log.Fields{
				"core": s.Core,
				"view": s.View,
				"vmcb": fmt.Sprintf("%#x", s.VMCB),
			}).Info(colorOK("virtualized"))
			continue
		}
		log.WithFields(log.Fields{
			"core":  s.Core,
			"stage": s.Stage,
		}).Error(colorFail(s.Error))
	}
	if err != nil {
		return err
	}
	log.WithField("cores", len(res.Slots)).Info("all cores virtualized")
	return nil
}
