package main

import (
	"os"

	"github.com/strandapp/strand/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(coremain.ExitCode(err))
	}
}
