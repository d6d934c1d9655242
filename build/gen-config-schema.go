// Regenerates config/schema.json from the configuration structs. Run via
// go generate in the config package.
package main

import (
	"log"
	"os"

	"github.com/lfit/github2gerrit/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s path/to/schema.json", os.Args[0])
	}
	bs, err := config.ReflectSchema()
	if err != nil {
		log.Fatalf("failed to reflect configuration schema: %v", err)
	}
	if err := os.WriteFile(os.Args[1], append(bs, '\n'), 0644); err != nil {
		log.Fatalf("failed to write %s: %v", os.Args[1], err)
	}
}
