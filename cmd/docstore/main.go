// Command docstore initializes and inspects a relational document store.
package main

import "github.com/mesh-intelligence/docstore/internal/cli"

func main() {
	cli.Execute()
}
