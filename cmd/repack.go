package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/loricooperhdf/hdf4/pkg/chunked"
	"github.com/loricooperhdf/hdf4/pkg/codec"
	"github.com/loricooperhdf/hdf4/pkg/hfile"
	"github.com/loricooperhdf/hdf4/pkg/utils"
)

func repackFlags() *cli.Command {
	return &cli.Command{
		Name:      "repack",
		Usage:     "rewrite a container, recompressing chunked elements and compacting leaked space",
		ArgsUsage: "FILE OUTPUT",
		Action:    repack,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "codec",
				Value: "keep",
				Usage: "codec for chunked elements: keep, none, lz4 or zstd",
			},
			&cli.IntFlag{
				Name:  "level",
				Value: 3,
				Usage: "zstd compression level",
			},
		},
	}
}

func pickCodec(c *cli.Context, current codec.Kind, level int) codec.Compressor {
	switch c.String("codec") {
	case "keep":
		switch current {
		case codec.KindLZ4:
			return codec.LZ4{}
		case codec.KindZStd:
			return codec.NewZStandard(level)
		}
		return nil
	case "zstd":
		return codec.NewZStandard(c.Int("level"))
	default:
		return codec.NewCompressor(c.String("codec"))
	}
}

func repack(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 2 {
		return fmt.Errorf("FILE and OUTPUT are needed")
	}
	if c.String("codec") != "keep" && c.String("codec") != "none" &&
		c.String("codec") != "lz4" && c.String("codec") != "zstd" {
		return fmt.Errorf("unknown codec %q", c.String("codec"))
	}

	src, err := hfile.Open(c.Args().Get(0), true)
	if err != nil {
		return err
	}
	defer src.Close()

	outPath := c.Args().Get(1)
	tmpPath := filepath.Join(filepath.Dir(outPath), "."+uuid.New().String()+".repack")
	dst, err := hfile.Create(tmpPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	elements := src.Elements()
	progress, bar := utils.NewDynProgressBar("repack: ", c.Bool("quiet"))
	bar.SetTotal(int64(len(elements)), false)

	srcReg := chunked.NewRegistry()
	dstReg := chunked.NewRegistry()
	srcStore := chunked.NewFileStore(src)
	dstStore := chunked.NewFileStore(dst)
	for _, dd := range elements {
		if err = repackElement(dd, src, srcReg, srcStore, dst, dstReg, dstStore, c); err != nil {
			_ = dst.Close()
			return fmt.Errorf("element %d/%d: %s", dd.Tag, dd.Ref, err)
		}
		bar.Increment()
	}
	bar.SetTotal(int64(len(elements)), true)
	progress.Wait()

	if err = dst.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, outPath); err != nil {
		return err
	}
	logger.Infof("repacked %s to %s (%d elements)", c.Args().Get(0), outPath, len(elements))
	return nil
}

func repackElement(dd hfile.DD, src *hfile.File, srcReg *chunked.Registry, srcStore chunked.Store,
	dst *hfile.File, dstReg *chunked.Registry, dstStore chunked.Store, c *cli.Context) error {
	// Chunk data and chunk tables are rewritten through the engine when
	// their owning element is copied.
	if dd.Tag == hfile.TagChunk || dd.Tag == hfile.TagChunkTable {
		return nil
	}
	if hfile.IsSpecial(dd.Tag) {
		return repackChunked(dd, srcReg, srcStore, dstReg, dstStore, c)
	}

	el, err := src.OpenElement(dd.Tag, dd.Ref)
	if err != nil {
		return err
	}
	defer el.Close()
	data, err := io.ReadAll(el)
	if err != nil {
		return err
	}
	out, err := dst.CreateElement(dd.Tag, dd.Ref)
	if err != nil {
		return err
	}
	if _, err = out.Write(data); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func repackChunked(dd hfile.DD, srcReg *chunked.Registry, srcStore chunked.Store,
	dstReg *chunked.Registry, dstStore chunked.Store, c *cli.Context) error {
	h, err := chunked.Open(srcReg, srcStore, hfile.BaseTag(dd.Tag), dd.Ref, false)
	if err != nil {
		return err
	}
	defer h.Close()

	ei := h.Info()
	kind, level := h.Compression()
	dims := make([]chunked.DimSpec, ei.NDims)
	for i := range dims {
		dims[i] = chunked.DimSpec{Length: ei.DimLengths[i], ChunkLength: ei.ChunkLengths[i]}
	}
	out, err := chunked.Create(dstReg, dstStore, hfile.BaseTag(dd.Tag), dd.Ref,
		dims, ei.EltSize, ei.FillValue, pickCodec(c, kind, level))
	if err != nil {
		return err
	}
	defer out.Close()

	// Copy only materialized chunks so sparse elements stay sparse.
	for _, origin := range h.Origins() {
		data, err := h.ReadChunk(origin)
		if err != nil {
			return err
		}
		if err = out.WriteChunk(origin, data); err != nil {
			return err
		}
	}
	return nil
}
