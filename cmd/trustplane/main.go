package main

import "github.com/axisflow/trustplane/cmd/trustplane/cmd"

func main() {
	cmd.Execute()
}
