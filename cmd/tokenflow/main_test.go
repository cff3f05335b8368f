package main

import (
	"bytes"
	"testing"

	"github.com/nmxmxh/tokenflow/kernel/threads/foundation"
	"github.com/nmxmxh/tokenflow/kernel/threads/registry"
	"github.com/nmxmxh/tokenflow/kernel/threads/testutil"
	"github.com/stretchr/testify/assert"
)

func addAndHalt() *testutil.ModuleBuilder {
	return testutil.NewModuleBuilder().
		OpLiterals(foundation.ADD, foundation.OutputNumber,
			foundation.MakeDestination(1, foundation.SlotFirst, foundation.MatchOne), foundation.MarkerBoth, 3, 4).
		Op(foundation.HLT, foundation.Discard, foundation.Discard, foundation.MarkerOne).
		Constant(0, registry.FieldDest1)
}

func TestRun_ExitsWithHaltStatus(t *testing.T) {
	path := addAndHalt().WriteFile(t, t.TempDir(), "boot.sephi")

	var stdout, stderr bytes.Buffer
	code := run([]string{"-f", path, "-t", "5", "-load-breaker", "3", "-log-level", "error"}, &stdout, &stderr)
	assert.Equal(t, 7, code)
	assert.Equal(t, "7\n", stdout.String())
}

func TestRun_UsageErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		msg  string
	}{
		{"missing file", nil, "must specify an initial filename"},
		{"unknown flag", []string{"-x"}, "Usage"},
		{"negative timeout", []string{"-f", "a", "-t", "-1"}, "timeout"},
		{"bad level", []string{"-f", "a", "-log-level", "loud"}, "unknown log level"},
		{"trap inside verifier", []string{"-f", "a", "-trap", "-trap-boundary", "1"}, "trap boundary"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, exitUsage, run(c.args, &stdout, &stderr))
			assert.Contains(t, stderr.String(), c.msg)
		})
	}
}

func TestRun_BootstrapFailureExitsOne(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-f", "/nonexistent/boot.sephi", "-log-level", "error"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "tokenflow:")
}
