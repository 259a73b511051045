package main

import (
	"log"

	"github.com/goodcitizen/dispatch2/cmd/dispatchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
