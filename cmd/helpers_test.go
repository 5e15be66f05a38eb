package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// resetFlags clears flag-bound package state between in-process runs.
func resetFlags() {
	cfgFile, dataDir = "", ""
	verbose, jsonOutput = false, false
	importYes, rotateKeep = false, 0
	applyChunkSize = 0
	maintainDaemon = false
	addName, addDesc, addType, addParent, addDeps = "", "", "", "", nil
	listStatus, listPattern, listOffset, listLimit = "", "", 0, 50
	delRecursive, delForce = false, false
	viper.Reset()
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// runCLI executes the root command against dir with stdin set to input.
func runCLI(t *testing.T, dir, input string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_DATA_HOME", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs(append(args, "--data-dir", dir))
	err := rootCmd.Execute()
	return out.String(), err
}
