package main

import "deployctl/cmd"

func main() {
	cmd.Execute()
}
