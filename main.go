package main

import "codequery/cmd"

func main() {
	cmd.Execute()
}
