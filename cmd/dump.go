package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/loricooperhdf/hdf4/pkg/chunked"
	"github.com/loricooperhdf/hdf4/pkg/hfile"
	"github.com/loricooperhdf/hdf4/pkg/utils"
)

func dumpFlags() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "write the logical contents of one element to a local file",
		ArgsUsage: "FILE TAG REF OUTPUT",
		Action:    dump,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "limit output bandwidth in bytes per second (0 means unlimited)",
			},
		},
	}
}

func parseTagRef(c *cli.Context) (uint16, uint16, error) {
	tag, err := strconv.ParseUint(c.Args().Get(1), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("TAG %q: %s", c.Args().Get(1), err)
	}
	ref, err := strconv.ParseUint(c.Args().Get(2), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("REF %q: %s", c.Args().Get(2), err)
	}
	return uint16(tag), uint16(ref), nil
}

func dump(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 4 {
		return fmt.Errorf("FILE TAG REF OUTPUT are needed")
	}
	tag, ref, err := parseTagRef(c)
	if err != nil {
		return err
	}

	f, err := hfile.Open(c.Args().Get(0), true)
	if err != nil {
		return err
	}
	defer f.Close()

	var src io.Reader
	var total int64
	reg := chunked.NewRegistry()
	h, err := chunked.Open(reg, chunked.NewFileStore(f), tag, ref, false)
	if err == nil {
		defer h.Close()
		src = h
		total = h.Length()
	} else {
		// Not chunked; dump the raw element bytes.
		el, err := f.OpenElement(tag, ref)
		if err != nil {
			return err
		}
		defer el.Close()
		src = el
		total = el.Size()
	}

	out, err := os.Create(c.Args().Get(3))
	if err != nil {
		return err
	}

	progress, bar := utils.NewDynProgressBar("dump: ", c.Bool("quiet"))
	bar.SetTotal(total, false)
	w := hfile.NewLimitedWriter(out, c.Int64("bwlimit"))

	buf := make([]byte, 1<<20)
	var copied int64
	for copied < total {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_ = out.Close()
				return werr
			}
			copied += int64(n)
			bar.IncrBy(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = out.Close()
			return err
		}
	}
	bar.SetTotal(total, true)
	progress.Wait()

	if err = out.Close(); err != nil {
		return err
	}
	logger.Infof("dumped %d bytes of element %d/%d to %s", copied, tag, ref, c.Args().Get(3))
	return nil
}
