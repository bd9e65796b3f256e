package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ngdplib/tact/bin"
)

var HelpExtract = errors.New("extract fdid 1349477 | extract ckey <hex16> | extract ekey <hex16> | extract name Interface/Icons/temp.blp [> out.bin]")

func (repl *REPL) CommandExtract(arg string) error {
	by, rest, _ := strings.Cut(arg, " ")
	rest = strings.TrimSpace(rest)
	target, outPath, redirected := strings.Cut(rest, ">")
	target = strings.TrimSpace(target)
	outPath = strings.TrimSpace(outPath)
	if by == "" || target == "" {
		return HelpExtract
	}

	var data []byte
	var err error
	switch by {
	case "fdid":
		fdid, perr := strconv.ParseUint(target, 10, 32)
		if perr != nil {
			return HelpExtract
		}
		data, err = repl.client.ExtractFileDataID(repl.ctx, uint32(fdid))
	case "ckey":
		key, perr := bin.ParseKey(target)
		if perr != nil {
			return perr
		}
		data, err = repl.client.ExtractContentKey(repl.ctx, key)
	case "ekey":
		key, perr := bin.ParseKey(target)
		if perr != nil {
			return perr
		}
		data, err = repl.client.ExtractEncodingKey(repl.ctx, key)
	case "name":
		data, err = repl.client.ExtractFileName(repl.ctx, target)
	default:
		return HelpExtract
	}
	if err != nil {
		return err
	}

	if redirected && outPath != "" {
		if err := writeFile(outPath, data); err != nil {
			return err
		}
		fmt.Printf("%d bytes -> %s\n", len(data), outPath)
		return nil
	}
	fmt.Printf("%d bytes\n", len(data))
	if len(data) > 256 {
		fmt.Printf("%s...\n", hexDump(data[:256]))
	} else {
		fmt.Println(hexDump(data))
	}
	return nil
}

func (repl *REPL) CommandInfo() error {
	root := repl.client.Root()
	fmt.Printf("root pages: %d, records: %d\n", root.PageCount(), root.RecordCount())
	fmt.Printf("install entries: %d\n", len(repl.client.Install().Entries))
	return nil
}

func (repl *REPL) CommandMirrors() error {
	for i, m := range repl.client.Mirrors() {
		fmt.Printf("%2d. %-40s %8.1fms\n", i+1, m.Base, m.RTTEstimateMs())
	}
	return nil
}

func (repl *REPL) CommandHelp() error {
	fmt.Println("extract fdid|ckey|ekey|name <target> [> file]")
	fmt.Println("info      show manifest counts")
	fmt.Println("mirrors   show the ranked mirror pool")
	fmt.Println("exit      leave")
	return nil
}
