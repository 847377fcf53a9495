package main

import "github.com/adamgarcia4/gmcast/cmd"

func main() {
	cmd.Execute()
}
