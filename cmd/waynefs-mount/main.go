// Command waynefs-mount mounts a WayneFS image at a host mount point
// via github.com/hanwen/go-fuse/v2, per spec.md §6's host interface
// (image path, mount point path). On SIGINT/SIGTERM or a
// kernel-initiated unmount it calls Filesystem.Unmount.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/fs"
	"github.com/wayne70211/wayne-fs/fuseshim"
	"github.com/wayne70211/wayne-fs/super"
	"github.com/wayne70211/wayne-fs/waynelog"
	"github.com/wayne70211/wayne-fs/werrors"
)

func main() {
	app := &cli.App{
		Name:      "waynefs-mount",
		Usage:     "mount a WayneFS image",
		ArgsUsage: "IMAGE_PATH MOUNT_POINT",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "log every FUSE request"},
			&cli.StringFlag{Name: "log-level", Usage: "error|warn|info|debug|trace", Value: "info"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		exitWith(err)
	}
}

func exitWith(err error) {
	if ec, ok := err.(cli.ExitCoder); ok {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ec.ExitCode())
	}
	log.Fatal(err)
}

func run(c *cli.Context) error {
	imagePath := c.Args().Get(0)
	mountPoint := c.Args().Get(1)
	if imagePath == "" || mountPoint == "" {
		return cli.Exit("usage: waynefs-mount IMAGE_PATH MOUNT_POINT", fs.ExitBadImage)
	}

	logger := waynelog.New(waynelog.ParseLevel(c.String("log-level")))

	blockSize, err := super.ProbeBlockSize(imagePath)
	if err != nil {
		if werr, ok := err.(*werrors.Error); ok && werr.Is(werrors.ErrBadMagic) {
			return cli.Exit(fmt.Sprintf("bad magic in %s", imagePath), fs.ExitBadMagic)
		}
		return cli.Exit(fmt.Sprintf("probing %s: %v", imagePath, err), fs.ExitBadImage)
	}

	d, err := disk.OpenFileDisk(imagePath, blockSize)
	if err != nil {
		return cli.Exit(fmt.Sprintf("opening %s: %v", imagePath, err), fs.ExitBadImage)
	}

	fsys, err := fs.Mount(d, logger)
	if err != nil {
		d.Close()
		if werr, ok := err.(*werrors.Error); ok && werr.Kind == werrors.KindStructural {
			return cli.Exit(fmt.Sprintf("mounting %s: %v", imagePath, err), fs.ExitJournalUnrecoverable)
		}
		return cli.Exit(fmt.Sprintf("mounting %s: %v", imagePath, err), fs.ExitBadImage)
	}

	if _, err := os.Stat(mountPoint); err != nil {
		fsys.Unmount()
		return cli.Exit(fmt.Sprintf("mount point %s: %v", mountPoint, err), fs.ExitMountPointUnavailable)
	}

	server, err := fuseshim.Mount(mountPoint, fsys, c.Bool("debug"))
	if err != nil {
		fsys.Unmount()
		return cli.Exit(fmt.Sprintf("mounting FUSE at %s: %v", mountPoint, err), fs.ExitMountPointUnavailable)
	}
	logger.Infof("waynefs: mounted %s at %s\n", imagePath, mountPoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Infof("waynefs: received shutdown signal, unmounting\n")
		server.Unmount()
	}()

	server.Wait()
	if err := fsys.Unmount(); err != nil {
		return cli.Exit(fmt.Sprintf("unmounting: %v", err), fs.ExitBadImage)
	}
	return nil
}
