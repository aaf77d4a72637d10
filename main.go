// services/fleet/main.go
package main

import (
	"log"
	"os"

	"example.com/bpr/services/fleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
