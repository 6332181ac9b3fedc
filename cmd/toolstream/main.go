package main

import (
	"fmt"

	"github.com/temirov/toolstream/internal/cli"
	"github.com/temirov/toolstream/internal/utils"
)

// main is the entry point for the toolstream command.
func main() {
	loggerInstance, loggerInitializationError := utils.NewApplicationLogger("error")
	if loggerInitializationError != nil {
		panic(fmt.Errorf("logger initialization failed: %w", loggerInitializationError))
	}
	defer loggerInstance.Sync()
	if applicationExecutionError := cli.Execute(); applicationExecutionError != nil {
		loggerInstance.Fatal("toolstream failed: " + applicationExecutionError.Error())
	}
}
