package main

import "github.com/nfrund/topichub/cmd/topichub/cmd"

func main() {
	cmd.Execute()
}
