// SPDX-License-Identifier: MPL-2.0

// Command deskpack builds and packages the desktop part of a hybrid
// application.
package main

import cmd "github.com/invowk/deskpack/cmd/deskpack"

func main() {
	cmd.Execute()
}
