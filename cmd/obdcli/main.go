// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
)

func main() {
	// Send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	cli := newObdCli()
	if err := cli.run(os.Args); err != nil {
		os.Exit(1)
	}
}
