package main

import "github.com/andresmejia3/headcount/cmd"

func main() {
	cmd.Execute()
}
