// Command llmeval is the command line client of the evaluation task service.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/cli/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
