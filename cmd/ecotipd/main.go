package main

import (
	"log"

	"ecotip/services/tipgateway"
)

func main() {
	if err := tipgateway.Main(); err != nil {
		log.Fatalf("ecotipd: %v", err)
	}
}
