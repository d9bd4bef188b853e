package main

import (
	"log"

	"github.com/austindbirch/harbor_push/cmd/pushbuffer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
