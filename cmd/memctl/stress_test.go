package main

import (
	"bytes"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func smallStress() stressOptions {
	return stressOptions{
		ops:          2000,
		seed:         7,
		maxSize:      2048,
		freeRatio:    0.45,
		verifyEvery:  100,
		provider:     "sim",
		chunkReserve: "64KiB",
	}
}

func Test_Stress_Sim(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runStress(&out, smallStress()))
	require.Contains(t, out.String(), "Stress run complete")
	require.Contains(t, out.String(), "Operations:       2,000")
}

func Test_Stress_JSON(t *testing.T) {
	jsonOut = true
	t.Cleanup(func() { jsonOut = false })

	var out bytes.Buffer
	require.NoError(t, runStress(&out, smallStress()))

	var res stressResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Equal(t, 2000, res.Ops)
	require.Equal(t, res.Allocs, res.Frees, "every allocation is drained")
	require.Zero(t, res.Final.AllocCount)
	require.Zero(t, res.Final.Committed())
	require.Equal(t, 21, res.Verifies)
}

func Test_Stress_PageBudget(t *testing.T) {
	opts := smallStress()
	opts.pageBudget = 8

	var out bytes.Buffer
	require.NoError(t, runStress(&out, opts))
	require.NotContains(t, out.String(), "(0 failed)", "a tight budget must make some allocations fail")
}

func Test_Stress_BadOptions(t *testing.T) {
	var out bytes.Buffer

	opts := smallStress()
	opts.provider = "tape"
	require.ErrorContains(t, runStress(&out, opts), "unknown provider")

	opts = smallStress()
	opts.chunkReserve = "lots"
	require.ErrorContains(t, runStress(&out, opts), "--chunk-reserve")

	opts = smallStress()
	opts.maxSize = 0
	require.ErrorContains(t, runStress(&out, opts), "invalid workload")
}

func Test_Version(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "memctl dev (")
	require.Contains(t, out.String(), runtime.GOOS+"/"+runtime.GOARCH)
}

func Test_Version_JSON(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	jsonOut = true
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		jsonOut = false
	})

	require.NoError(t, rootCmd.Execute())
	var v versionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	require.Equal(t, "dev", v.Version)
	require.Equal(t, runtime.Version(), v.Go)
}
