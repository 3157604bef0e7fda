package main

import "github.com/andresmejia3/bioface/cmd"

func main() {
	cmd.Execute()
}
