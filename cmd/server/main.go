package main

import (
	"os"

	"genchat/internal/app"
)

// @title           GenChat Gateway API
// @version         1.0
// @description     Generation proxy gateway for the GenChat streaming chat client.
// @BasePath        /
func main() {
	os.Exit(app.Run())
}
