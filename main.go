/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package main

import (
	"github.com/josephgoksu/taskgraph/cmd"
	"github.com/josephgoksu/taskgraph/internal/config"
	"github.com/josephgoksu/taskgraph/internal/logger"
)

func main() {
	crash := logger.NewCrashHandler(config.DefaultDataDir(), cmd.GetVersion())
	defer crash.HandlePanic()
	cmd.SetCrashHandler(crash)

	cmd.Execute()
}
