// Command ocradmin manages the API keys and inspects the usage log of an OCR
// gateway deployment. It reads the same configuration as the server.
package main

import (
	"fmt"
	"os"

	"github.com/ocr-gateway/ocr-gateway/cmd/ocradmin/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
