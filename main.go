package main

import (
	"os"

	"github.com/kimchispread/kimchiproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
