package main

import (
	"log"

	"github.com/nanovmm/nanovmm/flag"
)

func main() {
	// A vcpu error after boot leaves the guest undefined: exit, never limp on.
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
