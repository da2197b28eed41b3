package main

import "coparent/cmd"

func main() {
	cmd.Execute()
}
