// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/obd/client/obd"
	"github.com/westerndigitalcorporation/obd/internal/core"
	"github.com/westerndigitalcorporation/obd/internal/objmap"
	"github.com/westerndigitalcorporation/obd/internal/objstore"
)

var usage = `
	obdcli drives the obd object request engine against an in-memory object
	store. It exists to poke at the copy-on-read, copyup and object map
	paths interactively: create an image, snapshot it, clone it, then read
	and write the clone and watch which backing objects materialize.

	Issue a single command:

		obdcli <subcommand> [<flags>...]

	or start an interpreter:

		obdcli shell
	`

// alwaysOwner satisfies the exclusive lock ownership check for every image
// this tool creates; there is no peer to lose the lock to.
type alwaysOwner struct{}

func (alwaysOwner) IsLockOwner() bool { return true }

// An obdImage is one image this session created, with enough bookkeeping to
// size its object map.
type obdImage struct {
	image       *obd.Image
	size        uint64
	objectCount uint64
}

// obdCli holds the session state: one shared in-memory store and the images
// created against it.
type obdCli struct {
	app     *cli.App
	store   *objstore.MemStore
	images  map[string]*obdImage
	inShell bool
}

func newObdCli() *obdCli {
	b := &obdCli{
		store:  objstore.NewMemStore(nil),
		images: make(map[string]*obdImage),
	}

	app := cli.NewApp()
	app.Name = "obdcli"
	app.Usage = usage

	imageflag := cli.StringFlag{
		Name:  "image, i",
		Usage: "image name",
	}
	offsetflag := cli.Uint64Flag{
		Name:  "offset, o",
		Usage: "byte offset within the image (default: 0)",
	}
	lengthflag := cli.Uint64Flag{
		Name:  "length, l",
		Usage: "length in bytes",
	}

	app.Commands = []cli.Command{
		{
			Name:    "create",
			Aliases: []string{"c"},
			Usage:   "Creates a new image.",
			Flags: []cli.Flag{
				imageflag,
				cli.Uint64Flag{
					Name:  "size, s",
					Usage: "image size in bytes",
					Value: 64 * 1024 * 1024,
				},
				cli.Uint64Flag{
					Name:  "objectsize",
					Usage: "backing object size in bytes",
					Value: 4 * 1024 * 1024,
				},
				cli.BoolFlag{
					Name:  "objectmap",
					Usage: "track objects in an object map",
				},
				cli.StringFlag{
					Name:  "mapfile",
					Usage: "persist the object map in this bolt file",
				},
			},
			Action: b.cmdCreate,
		},
		{
			Name:  "clone",
			Usage: "Creates an image backed by a parent image.",
			Flags: []cli.Flag{
				imageflag,
				cli.StringFlag{
					Name:  "parent, p",
					Usage: "parent image name",
				},
				cli.Uint64Flag{
					Name:  "overlap",
					Usage: "parent bytes visible to the clone (default: parent size)",
				},
				cli.BoolFlag{
					Name:  "copy-on-read",
					Usage: "materialize objects locally after parent reads",
				},
				cli.BoolFlag{
					Name:  "objectmap",
					Usage: "track objects in an object map",
				},
			},
			Action: b.cmdClone,
		},
		{
			Name:  "snap",
			Usage: "Records a snapshot of an image.",
			Flags: []cli.Flag{
				imageflag,
				cli.Uint64Flag{
					Name:  "id",
					Usage: "snapshot id",
				},
			},
			Action: b.cmdSnap,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Writes data at an image offset.",
			Flags: []cli.Flag{
				imageflag,
				offsetflag,
				cli.StringFlag{
					Name:  "data, d",
					Usage: "data to write",
				},
			},
			Action: b.cmdWrite,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads an image range.",
			Flags: []cli.Flag{
				imageflag,
				offsetflag,
				lengthflag,
			},
			Action: b.cmdRead,
		},
		{
			Name:   "zero",
			Usage:  "Zeroes an image range.",
			Flags:  []cli.Flag{imageflag, offsetflag, lengthflag},
			Action: b.cmdZero,
		},
		{
			Name:  "truncate",
			Usage: "Truncates one backing object (object-level).",
			Flags: []cli.Flag{
				imageflag,
				cli.Uint64Flag{
					Name:  "object",
					Usage: "object number",
				},
				offsetflag,
			},
			Action: b.cmdTruncate,
		},
		{
			Name:  "rm",
			Usage: "Removes one backing object (object-level).",
			Flags: []cli.Flag{
				imageflag,
				cli.Uint64Flag{
					Name:  "object",
					Usage: "object number",
				},
			},
			Action: b.cmdRm,
		},
		{
			Name:   "objects",
			Usage:  "Lists the backing objects present in the store.",
			Flags:  []cli.Flag{imageflag},
			Action: b.cmdObjects,
		},
		{
			Name:   "map",
			Usage:  "Dumps an image's object map.",
			Flags:  []cli.Flag{imageflag},
			Action: b.cmdMap,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive interpreter.",
			Action: b.cmdShell,
		},
	}
	b.app = app
	return b
}

func (b *obdCli) run(args []string) error {
	return b.app.Run(args)
}

func (b *obdCli) lookup(c *cli.Context) (*obdImage, error) {
	name := c.String("image")
	if name == "" {
		return nil, fmt.Errorf("--image is required")
	}
	img, ok := b.images[name]
	if !ok {
		return nil, fmt.Errorf("no such image %q", name)
	}
	return img, nil
}

// await returns a completion sink and a function that blocks until the sink
// has fired.
func await() (obd.Completion, func() int) {
	ch := make(chan int, 1)
	return func(r int) { ch <- r }, func() int { return <-ch }
}

func (b *obdCli) newImage(name string, size, objectSize uint64, withMap bool, mapFile string) (*obdImage, error) {
	if _, ok := b.images[name]; ok {
		return nil, fmt.Errorf("image %q already exists", name)
	}
	ictx := obd.NewImageCtx(name, objectSize, b.store)
	count := (size + objectSize - 1) / objectSize
	if withMap || mapFile != "" {
		if mapFile != "" {
			m, err := objmap.Open(mapFile, count)
			if err != nil {
				return nil, fmt.Errorf("open object map: %v", err)
			}
			ictx.ObjectMap = m
		} else {
			ictx.ObjectMap = objmap.NewMap(count)
		}
		ictx.Lock = alwaysOwner{}
	}
	img := &obdImage{image: obd.NewImage(ictx), size: size, objectCount: count}
	b.images[name] = img
	return img, nil
}

func (b *obdCli) cmdCreate(c *cli.Context) {
	name := c.String("image")
	if name == "" {
		log.Errorf("--image is required")
		return
	}
	img, err := b.newImage(name, c.Uint64("size"), c.Uint64("objectsize"), c.Bool("objectmap"), c.String("mapfile"))
	if err != nil {
		log.Errorf("create failed: %v", err)
		return
	}
	fmt.Printf("created image %q: %d bytes in %d objects\n", name, img.size, img.objectCount)
}

func (b *obdCli) cmdClone(c *cli.Context) {
	name := c.String("image")
	parentName := c.String("parent")
	parent, ok := b.images[parentName]
	if !ok {
		log.Errorf("no such parent image %q", parentName)
		return
	}
	overlap := c.Uint64("overlap")
	if overlap == 0 {
		overlap = parent.size
	}

	img, err := b.newImage(name, parent.size, parent.image.Ctx().ObjectSize, c.Bool("objectmap"), "")
	if err != nil {
		log.Errorf("clone failed: %v", err)
		return
	}
	ictx := img.image.Ctx()
	ictx.CloneCopyOnRead = c.Bool("copy-on-read")
	if ictx.CloneCopyOnRead && ictx.Lock == nil {
		ictx.Lock = alwaysOwner{}
	}
	ictx.SetParent(parent.image, overlap)
	fmt.Printf("cloned %q from %q with overlap %d\n", name, parentName, overlap)
}

func (b *obdCli) cmdSnap(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	img.image.Ctx().AddSnapshot(core.SnapID(c.Uint64("id")), img.size)
	fmt.Printf("snapshot %d recorded\n", c.Uint64("id"))
}

func (b *obdCli) cmdWrite(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	cb, wait := await()
	img.image.AioWrite(c.Uint64("offset"), []byte(c.String("data")), cb)
	if r := wait(); r < 0 {
		log.Errorf("write failed: %s", core.StrError(r))
		return
	}
	fmt.Printf("wrote %d bytes at %d\n", len(c.String("data")), c.Uint64("offset"))
}

func (b *obdCli) cmdRead(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	var data []byte
	cb, wait := await()
	img.image.AioRead([]core.Extent{{Offset: c.Uint64("offset"), Length: c.Uint64("length")}}, &data, cb)
	r := wait()
	if r < 0 {
		log.Errorf("read failed: %s", core.StrError(r))
		return
	}
	fmt.Printf("read %d bytes: %q\n", r, data)
}

func (b *obdCli) cmdZero(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	cb, wait := await()
	img.image.AioZero(c.Uint64("offset"), c.Uint64("length"), cb)
	if r := wait(); r < 0 {
		log.Errorf("zero failed: %s", core.StrError(r))
		return
	}
	fmt.Printf("zeroed %d bytes at %d\n", c.Uint64("length"), c.Uint64("offset"))
}

func (b *obdCli) cmdTruncate(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	ictx := img.image.Ctx()
	objectNo := c.Uint64("object")
	cb, wait := await()
	req := obd.NewTruncateRequest(ictx, ictx.ObjectName(objectNo), objectNo, c.Uint64("offset"), ictx.SnapContext(), cb)
	req.Send()
	if r := wait(); r < 0 {
		log.Errorf("truncate failed: %s", core.StrError(r))
		return
	}
	fmt.Printf("truncated object %d to %d\n", objectNo, c.Uint64("offset"))
}

func (b *obdCli) cmdRm(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	ictx := img.image.Ctx()
	objectNo := c.Uint64("object")
	cb, wait := await()
	req := obd.NewRemoveRequest(ictx, ictx.ObjectName(objectNo), objectNo, ictx.SnapContext(), cb)
	req.Send()
	if r := wait(); r < 0 {
		log.Errorf("remove failed: %s", core.StrError(r))
		return
	}
	fmt.Printf("removed object %d\n", objectNo)
}

func (b *obdCli) cmdObjects(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	prefix := img.image.Ctx().ObjectPrefix
	for _, oid := range b.store.Objects() {
		if strings.HasPrefix(oid, prefix) {
			fmt.Printf("%s  %d bytes\n", oid, len(b.store.ObjectData(oid)))
		}
	}
}

func (b *obdCli) cmdMap(c *cli.Context) {
	img, err := b.lookup(c)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	m := img.image.Ctx().ObjectMap
	if m == nil {
		fmt.Println("image has no object map")
		return
	}
	for no := uint64(0); no < m.Len(); no++ {
		fmt.Printf("%6d  %s\n", no, m.State(no))
	}
}

// cmdShell implements the "shell" subcommand.
func (b *obdCli) cmdShell(c *cli.Context) {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (completions []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, prefix) {
				completions = append(completions, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(obd) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// shlex splits the line with shell-style quoting rules.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}

		if b.run(append([]string{"obdcli"}, args...)) == nil {
			line.AppendHistory(input)
		}
	}
}
