package main

import (
	"log"
	"sheepvault/cmd/sv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
