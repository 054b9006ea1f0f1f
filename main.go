package main

import "github.com/keygate/keygate/cmd"

func main() {
	cmd.Execute()
}
