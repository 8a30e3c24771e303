package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeTable(t *testing.T) {
	type key struct {
		symbol string
		ret    bool
	}
	seen := make(map[key]bool)
	for _, p := range probes {
		k := key{p.symbol, p.ret}
		require.False(t, seen[k], "%s attached twice (ret=%v)", p.symbol, p.ret)
		seen[k] = true

		assert.True(t, strings.HasPrefix(p.symbol, "cu"), p.symbol)
		assert.NotEmpty(t, p.prog)
	}
	// every hooked call that produces an exit event has a return probe
	for _, sym := range []string{"cuCtxCreate_v2", "cuCtxDestroy_v2", "cuMemAlloc_v2", "cuMemFree_v2", "cuLaunchKernel", "cuCtxSynchronize"} {
		assert.True(t, seen[key{sym, false}], sym)
		assert.True(t, seen[key{sym, true}], sym)
	}
}

func TestPinPaths(t *testing.T) {
	dir := "/sys/fs/bpf/cupti-trace"
	assert.Equal(t, filepath.Join(dir, "maps", "events"), mapPath(dir, eventsMap))
	assert.Equal(t, filepath.Join(dir, "progs", "ur_cu_memcpy"), progPath(dir, "ur_cu_memcpy"))
}

func TestLoadProbeObjectsMissingPin(t *testing.T) {
	_, err := loadProbeObjects(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading event map")
}
