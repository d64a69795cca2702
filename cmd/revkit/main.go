package main

import (
	"log"
	"os"

	"github.com/spf13/afero"
)

func main() {
	log.SetFlags(0)

	err := newRootCmd(afero.NewOsFs()).ExecuteContext(signalContext())
	if err != nil {
		log.Println("fatal:", err)
		os.Exit(1)
	}
}
