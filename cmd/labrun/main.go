// Command labrun runs behavioral experiment sessions and manages their data
// and recruitment.
package main

import (
	"os"

	"github.com/roach88/labrun/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
