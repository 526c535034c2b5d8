package svm

import (
	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/platform/native"
)

// Supported returns true if this machine can host the hypervisor: an AMD
// processor with SVM enabled in firmware and nested paging.
func Supported() (bool, error) {
	m, err := native.New()
	if err != nil {
		return false, err
	}
	defer m.Close()
	if err := CheckCapabilities(cpu.Probe(m)); err != nil {
		return false, err
	}
	return true, nil
}
