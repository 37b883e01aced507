// Command waynefsck mounts a WayneFS image read-only (replaying the
// journal as Mount always does) and checks spec.md §8's bitmap-
// coherence and free-counter invariants, printing any mismatches.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/wayne70211/wayne-fs/disk"
	"github.com/wayne70211/wayne-fs/fs"
	"github.com/wayne70211/wayne-fs/super"
	"github.com/wayne70211/wayne-fs/waynelog"
	"github.com/wayne70211/wayne-fs/werrors"
)

func main() {
	app := &cli.App{
		Name:      "waynefsck",
		Usage:     "check a WayneFS image for consistency",
		ArgsUsage: "IMAGE_PATH",
		Action:    run,
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
	imagePath := c.Args().First()
	if imagePath == "" {
		return cli.Exit("usage: waynefsck IMAGE_PATH", fs.ExitBadImage)
	}

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

	fsys, err := fs.Mount(d, waynelog.New(waynelog.LevelInfo))
	if err != nil {
		d.Close()
		return cli.Exit(fmt.Sprintf("mounting %s: %v", imagePath, err), fs.ExitJournalUnrecoverable)
	}
	defer fsys.Unmount()

	report, err := fsys.CheckInvariants()
	if err != nil {
		return cli.Exit(fmt.Sprintf("checking %s: %v", imagePath, err), fs.ExitBadImage)
	}

	if report.OK() {
		fmt.Printf("%s: clean\n", imagePath)
		return nil
	}

	for _, ino := range report.InodeBitmapMismatches {
		fmt.Printf("inode %d: bitmap bit disagrees with link count\n", ino)
	}
	for _, bno := range report.DataBitmapMismatches {
		fmt.Printf("block %d: bitmap bit disagrees with reachability\n", bno)
	}
	if uint64(report.FreeInodesReported) != report.FreeInodesCounted {
		fmt.Printf("free inode count: superblock says %d, bitmap has %d\n", report.FreeInodesReported, report.FreeInodesCounted)
	}
	if uint64(report.FreeBlocksReported) != report.FreeBlocksCounted {
		fmt.Printf("free block count: superblock says %d, bitmap has %d\n", report.FreeBlocksReported, report.FreeBlocksCounted)
	}
	return cli.Exit(fmt.Sprintf("%s: inconsistent", imagePath), fs.ExitBadImage)
}
