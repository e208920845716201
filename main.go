// The main package for the newsfacts executable.
package main

import (
	"github.com/JakeFAU/newsfacts-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
