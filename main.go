package main

import "github.com/allydev/ally/cmd"

func main() {
	cmd.Execute()
}
