package main

import (
	"os"

	"github.com/fzft/go-proactor/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args[1:]))
}
