// Package main is the entry point for the glw CLI.
package main

import "gitlab.com/gitlab-workflow/glw/internal/cli"

func main() {
	cli.Execute()
}
