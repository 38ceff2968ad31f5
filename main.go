package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"satukolab/cmd"
)

func main() {
	if err := cmd.RootCommand(viper.New()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
