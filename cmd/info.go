package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/loricooperhdf/hdf4/pkg/chunked"
	"github.com/loricooperhdf/hdf4/pkg/hfile"
)

type elementEntry struct {
	Tag     uint16
	Ref     uint16
	Offset  int64
	Length  int32
	Special bool `json:",omitempty"`
}

type chunkedEntry struct {
	Tag          uint16
	Ref          uint16
	DimLengths   []int32
	ChunkLengths []int32
	NumChunks    []int32
	EltSize      int32
	Codec        string
	Chunks       int32 // chunks materialized so far
	LogicalBytes int64
}

type fileReport struct {
	Path     string
	Elements []elementEntry
	Chunked  []chunkedEntry
}

func infoFlags() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show the element directory and chunked element layouts of a file",
		ArgsUsage: "FILE",
		Action:    info,
	}
}

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func info(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		return fmt.Errorf("FILE is needed")
	}
	path := c.Args().Get(0)

	f, err := hfile.Open(path, true)
	if err != nil {
		return err
	}
	defer f.Close()

	report := fileReport{Path: path}
	for _, dd := range f.Elements() {
		report.Elements = append(report.Elements, elementEntry{
			Tag:     dd.Tag,
			Ref:     dd.Ref,
			Offset:  int64(dd.Offset),
			Length:  dd.Length,
			Special: hfile.IsSpecial(dd.Tag),
		})
	}

	reg := chunked.NewRegistry()
	store := chunked.NewFileStore(f)
	for _, dd := range f.Elements() {
		if !hfile.IsSpecial(dd.Tag) {
			continue
		}
		h, err := chunked.Open(reg, store, hfile.BaseTag(dd.Tag), dd.Ref, false)
		if err != nil {
			logger.Debugf("element %d/%d is special but not chunked: %s", dd.Tag, dd.Ref, err)
			continue
		}
		ei := h.Info()
		kind, _ := h.Compression()
		report.Chunked = append(report.Chunked, chunkedEntry{
			Tag:          hfile.BaseTag(dd.Tag),
			Ref:          dd.Ref,
			DimLengths:   ei.DimLengths,
			ChunkLengths: ei.ChunkLengths,
			NumChunks:    ei.NumChunks,
			EltSize:      ei.EltSize,
			Codec:        kind.String(),
			Chunks:       h.NumRecs(),
			LogicalBytes: h.Length(),
		})
		_ = h.Close()
	}

	printJson(&report)
	return nil
}
