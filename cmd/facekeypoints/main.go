package main

import "github.com/bryanchriswhite/FaceKeypoints/cmd/facekeypoints/commands"

func main() {
	commands.Execute()
}
