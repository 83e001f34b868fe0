// Command bdm inspects and manipulates BDM container files.
//
// Usage:
//
//	bdm inspect <archive.bdm>
//	bdm extract --id <file-id> --out <path> <archive.bdm>
//	bdm pack --dir <directory> [--name <container-name>] <archive.bdm>
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	bdm "github.com/logicossoftware/go-bdm"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "inspect":
		err = runInspect(os.Args[2:])
	case "extract":
		err = runExtract(os.Args[2:])
	case "pack":
		err = runPack(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bdm <inspect|extract|pack> [flags] <archive.bdm>")
	os.Exit(2)
}

type inspectSummary struct {
	Name     string                `json:"name"`
	Sections []bdm.SectionSnapshot `json:"sections"`
	Files    []string              `json:"files"`
}

func runInspect(args []string) error {
	flags := pflag.NewFlagSet("inspect", pflag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		usage()
	}
	return bdm.Session(flags.Arg(0), bdm.ModeRead, func(a *bdm.Archive) error {
		files, err := a.Files()
		if err != nil {
			return err
		}
		s := inspectSummary{
			Name:  a.Info().Name(),
			Files: files,
		}
		for _, sec := range a.Data().Sections() {
			s.Sections = append(s.Sections, sec.Snapshot())
		}
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	})
}

func runExtract(args []string) error {
	flags := pflag.NewFlagSet("extract", pflag.ExitOnError)
	id := flags.String("id", "", "blob identifier to extract")
	out := flags.String("out", "", "output path")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 || *id == "" || *out == "" {
		usage()
	}
	return bdm.Session(flags.Arg(0), bdm.ModeRead, func(a *bdm.Archive) error {
		data, err := a.ReadFile(*id)
		if err != nil {
			return err
		}
		return os.WriteFile(*out, data, 0o644)
	})
}

// runPack builds a fresh archive from a directory: one "documents" section
// with an item per .md/.txt file, and every other regular file embedded as a
// blob under its base name.
func runPack(args []string) error {
	flags := pflag.NewFlagSet("pack", pflag.ExitOnError)
	dir := flags.String("dir", "", "directory to pack")
	name := flags.String("name", "", "container display name")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 || *dir == "" {
		usage()
	}
	target := flags.Arg(0)

	return bdm.Session(target, bdm.ModeWrite, func(a *bdm.Archive) error {
		if *name != "" {
			if err := a.Info().SetName(*name); err != nil {
				return err
			}
		}
		sec, err := a.Data().AddSection("documents", "text", "packed from "+*dir)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(*dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			full := filepath.Join(*dir, e.Name())
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".md" || ext == ".txt" {
				content, err := os.ReadFile(full)
				if err != nil {
					return err
				}
				if _, err := sec.AddItem(e.Name(), string(content), 1, bdm.WithItemName(e.Name())); err != nil {
					return err
				}
				continue
			}
			if err := a.AddFile(e.Name(), full); err != nil {
				return err
			}
		}
		return a.Save()
	})
}
